// Package protocol defines the Codec contract every wire format
// implements, shared by the framing engine and the dispatch adapter.
package protocol

import (
	"context"

	"github.com/nexrpc/nexrpc/pkg/buffer"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

// ID names a wire protocol for logging and for latching a connection's
// bound codec.
type ID string

const (
	BaiduStd ID = "baidu_std"
	Hulu     ID = "hulu"
	SoFa     ID = "sofa"
	NSHead   ID = "nshead"
	HTTP     ID = "http"
	GRPC     ID = "grpc"
)

// ConnContext carries per-connection information a codec needs to decode a
// response (e.g. which requests are in flight) or to emit per-call
// metadata.
type ConnContext struct {
	RemoteAddr string
}

// Codec is implemented once per wire format. Codecs are stateless and
// reentrant: all per-connection state lives in the caller's
// buffer.Store/ConnContext, never inside the Codec value itself, so one
// Codec instance can serve every connection on a listener concurrently.
// The one exception is grpcframe.Codec, which holds a per-connection HPACK
// decoder and stream table and so is built fresh for each connection.
type Codec interface {
	// ID identifies the protocol for logging and latching.
	ID() ID

	// EncodeRequest serializes req for transmission.
	EncodeRequest(req *wire.Request) ([]byte, error)
	// EncodeResponse serializes resp for transmission.
	EncodeResponse(resp *wire.Response) ([]byte, error)

	// Decode attempts to pull exactly one whole packet out of acc without
	// over-reading. It returns errs.NotEnoughData if acc doesn't yet hold a
	// full packet (acc's cursor is left untouched), or errs.BadSchema if
	// the bytes don't match this codec's framing at all, or
	// errs.TooBigData if a declared size exceeds the configured limit.
	Decode(ctx context.Context, acc *buffer.Store) (*wire.RawPacket, error)

	// DecodeRequest parses a previously-decoded RawPacket into a Request.
	DecodeRequest(raw *wire.RawPacket) (*wire.Request, error)
	// DecodeResponse parses a previously-decoded RawPacket into a Response.
	DecodeResponse(raw *wire.RawPacket, cc ConnContext) (*wire.Response, error)
}

// MaxBodySize is the spec-mandated ceiling on a declared body size; larger
// packets are a fatal framing error on that connection.
const MaxBodySize = 512 * 1024 * 1024
