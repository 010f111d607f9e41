// Package cli wires nexrpc's cobra commands together via a small
// self-registration hook, mirroring how a plugin would add a subcommand
// without the root command needing to import it directly.
package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexrpc/nexrpc/config"
)

// HookFunc builds one subcommand, given the resolved config and logger.
type HookFunc func(ctx context.Context, logger *zap.Logger, cfg *config.Config) *cobra.Command

// Registered holds every subcommand hook registered via Register, keyed
// by command name.
var Registered map[string]HookFunc

// Register adds a named subcommand hook, called from an init() in the
// file that implements it.
func Register(name string, f HookFunc) {
	if Registered == nil {
		Registered = make(map[string]HookFunc)
	}
	Registered[name] = f
}
