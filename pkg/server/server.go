// Package server bootstraps nexrpc's listeners: one accept loop per
// configured protocol, each connection driven by its own framing.Engine
// and handed off to the dispatch adapter.
package server

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/nexrpc/nexrpc/pkg/dispatch"
	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/framing"
	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/protocol/grpcframe"
	"github.com/nexrpc/nexrpc/pkg/registry"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

// CodecFactory builds the set of protocol.Codec candidates a new
// connection should be detected against. gRPC needs a fresh Codec per
// connection (its HPACK decoder is connection-scoped); every other
// protocol's codec is stateless and safe to share, so the factory is
// free to close over pre-built singletons for those and only allocate
// fresh for grpcframe.
type CodecFactory func() []protocol.Codec

// Server owns a registry, a dispatch adapter, and one listener per
// configured protocol.
type Server struct {
	registry     *registry.ServiceRegistry
	dispatch     *dispatch.Adapter
	log          *zap.Logger
	codecFactory CodecFactory
	readTimeout  time.Duration
}

// New returns a Server. codecFactory determines which protocols a
// connection is detected against; callers typically build it from the
// set of listeners they configure (see DefaultCodecFactory).
func New(reg *registry.ServiceRegistry, log *zap.Logger, codecFactory CodecFactory, readTimeout time.Duration) *Server {
	return &Server{
		registry:     reg,
		dispatch:     dispatch.New(reg, log, readTimeout),
		log:          log,
		codecFactory: codecFactory,
		readTimeout:  readTimeout,
	}
}

// DefaultCodecFactory builds the standard candidate list: every
// length-prefixed and fixed-header codec is a stateless singleton shared
// across connections, while grpcframe.New() is called fresh per
// connection for the reason CodecFactory documents.
func DefaultCodecFactory(lengthPrefixed, nshead, http []protocol.Codec) CodecFactory {
	return func() []protocol.Codec {
		out := make([]protocol.Codec, 0, len(lengthPrefixed)+len(nshead)+len(http)+1)
		out = append(out, lengthPrefixed...)
		out = append(out, nshead...)
		out = append(out, http...)
		out = append(out, grpcframe.New())
		return out
	}
}

// Serve accepts connections on ln until ctx is done or the listener
// errors, handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	engine := framing.New(s.codecFactory())
	session := s.dispatch.NewSession()
	cc := protocol.ConnContext{RemoteAddr: conn.RemoteAddr().String()}
	buf := make([]byte, 64*1024)

	for {
		if s.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}

		raw, codec, err := engine.Next(ctx)
		if err == nil {
			s.handlePacket(ctx, conn, codec, raw, cc, session)
			continue
		}
		if !errs.Is(err, errs.NotEnoughData) {
			// Fatal: the engine can never produce another packet on this
			// connection (bad schema on a bound connection, an oversize
			// declared size, or the engine already latched into its fatal
			// state). Close rather than loop forever re-reading bytes an
			// inert engine will never frame.
			s.log.Warn("server: connection framing failed", zap.String("remote", cc.RemoteAddr), zap.Error(err))
			return
		}

		n, readErr := conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			engine.Feed(cp)
		}
		if readErr != nil {
			s.log.Debug("server: connection closed", zap.String("remote", cc.RemoteAddr), zap.Error(readErr))
			return
		}
	}
}

func (s *Server) handlePacket(ctx context.Context, conn net.Conn, codec protocol.Codec, raw *wire.RawPacket, cc protocol.ConnContext, session *dispatch.Session) {
	defer raw.Release()

	req, err := codec.DecodeRequest(raw)
	if err != nil {
		s.log.Warn("server: malformed request", zap.String("protocol", string(codec.ID())), zap.Error(err))
		return
	}

	resp := session.Dispatch(ctx, req)
	out, err := codec.EncodeResponse(resp)
	if err != nil {
		s.log.Warn("server: failed to encode response", zap.String("protocol", string(codec.ID())), zap.Error(err))
		return
	}
	if _, err := conn.Write(out); err != nil {
		s.log.Debug("server: write failed", zap.String("remote", cc.RemoteAddr), zap.Error(err))
	}
}

// Registry exposes the server's registry so callers can register methods
// before calling Freeze and starting to Serve.
func (s *Server) Registry() *registry.ServiceRegistry { return s.registry }
