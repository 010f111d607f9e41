// Package rpclog builds the zap logger shared by every component of the
// core: framing engine, codecs, dispatch adapter, and server bootstrap.
package rpclog

import "go.uber.org/zap"

// New returns a production logger, or a development logger (human-readable,
// debug level enabled) when debug is true.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	return cfg.Build()
}
