package cli

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexrpc/nexrpc/config"
	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/protocol/httpjson"
	"github.com/nexrpc/nexrpc/pkg/protocol/lengthprefixed/baidustd"
	"github.com/nexrpc/nexrpc/pkg/protocol/lengthprefixed/hulu"
	"github.com/nexrpc/nexrpc/pkg/protocol/lengthprefixed/sofa"
	"github.com/nexrpc/nexrpc/pkg/protocol/nshead"
	"github.com/nexrpc/nexrpc/pkg/registry"
	"github.com/nexrpc/nexrpc/pkg/server"
)

func init() {
	Register("serve", Serve)
}

// Serve builds the "serve" subcommand: it starts one listener per
// protocol with a configured, non-empty address, all sharing the same
// method registry and dispatch adapter.
func Serve(ctx context.Context, logger *zap.Logger, cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the nexrpc multi-protocol RPC server",
		Long: `Start the nexrpc server, listening on every protocol with a
configured address. Each connection is auto-detected against the
full set of enabled protocols and latched onto whichever one it
speaks before its first reply is ever sent.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := registry.New()
			// Services register their methods against reg here, before Freeze.
			reg.Freeze()

			lengthPrefixedCodecs := []protocol.Codec{baidustd.New(), hulu.New(), sofa.New()}
			nsheadCodecs := []protocol.Codec{nshead.New()}
			httpCodecs := []protocol.Codec{httpjson.New()}
			factory := server.DefaultCodecFactory(lengthPrefixedCodecs, nsheadCodecs, httpCodecs)

			srv := server.New(reg, logger, factory, cfg.RequestTimeout)

			listeners := []struct {
				name string
				addr string
			}{
				{"baidu_std", cfg.BaiduStd.Addr},
				{"hulu", cfg.Hulu.Addr},
				{"sofa", cfg.SoFa.Addr},
				{"nshead", cfg.NSHead.Addr},
				{"http", cfg.HTTP.Addr},
				{"grpc", cfg.GRPC.Addr},
			}

			errCh := make(chan error, len(listeners))
			started := 0
			for _, l := range listeners {
				if l.addr == "" {
					continue
				}
				ln, err := net.Listen("tcp", l.addr)
				if err != nil {
					return fmt.Errorf("listen %s on %s: %w", l.name, l.addr, err)
				}
				logger.Info("serve: listening", zap.String("protocol", l.name), zap.String("addr", l.addr))
				started++
				go func(ln net.Listener, name string) {
					errCh <- srv.Serve(ctx, ln)
				}(ln, l.name)
			}
			if started == 0 {
				return fmt.Errorf("no protocol listeners configured")
			}

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				return nil
			}
		},
	}
	return cmd
}
