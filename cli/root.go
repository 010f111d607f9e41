package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nexrpc/nexrpc/config"
	"github.com/nexrpc/nexrpc/pkg/rpclog"
)

// Root builds the nexrpc root command with every registered subcommand
// attached, reading configuration from a file and environment variables
// via viper. The --debug flag is bound directly to cfg.Debug, not through
// viper.
func Root(ctx context.Context) (*cobra.Command, error) {
	v := viper.New()
	v.SetConfigName("nexrpc")
	v.AddConfigPath(".")
	v.SetEnvPrefix("NEXRPC")
	v.AutomaticEnv()
	_ = v.ReadInConfig() // absent config file is not an error; defaults apply

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	logger, err := rpclog.New(cfg.Debug)
	if err != nil {
		return nil, err
	}

	root := &cobra.Command{
		Use:   "rpcserver",
		Short: "nexrpc: a multi-protocol RPC framing and dispatch server",
	}
	root.PersistentFlags().BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable verbose development logging")

	for _, hook := range Registered {
		root.AddCommand(hook(ctx, logger, cfg))
	}
	return root, nil
}
