// Package wire holds the decoded packet data model shared across every
// protocol codec, the framing engine, and the dispatch adapter.
package wire

import (
	"context"
	"time"

	"github.com/nexrpc/nexrpc/pkg/buffer"
)

// CompressType is the wire-visible compression code. The numeric values
// are part of the wire contract and must not be renumbered.
type CompressType int32

const (
	CompressNone   CompressType = 0
	CompressSnappy CompressType = 1
	CompressGzip   CompressType = 2
	CompressZlib   CompressType = 3
)

// ErrorCode mirrors BaiduRpcErrno values carried unchanged on the wire.
// Zero means success.
type ErrorCode int32

const (
	ErrorCodeSuccess           ErrorCode = 0
	ErrorCodeUnknownService    ErrorCode = 1001
	ErrorCodeUnknownMethod     ErrorCode = 1002
	ErrorCodeSerializeFailed   ErrorCode = 1003
	ErrorCodeServiceException  ErrorCode = 1004
	ErrorCodeRequestTruncated  ErrorCode = 1005
	ErrorCodeLogIDConflict     ErrorCode = 1006
	ErrorCodeNetwork           ErrorCode = 1007
)

// Encoding names the wire representation of a method's request/response
// bodies.
type Encoding int

const (
	EncodingProtobuf Encoding = iota
	EncodingJProtobuf
	EncodingPOJO
)

// PacketKind discriminates the Packet sum type.
type PacketKind int

const (
	KindRequest PacketKind = iota
	KindResponse
	KindPush
)

// Packet is the decoded wire packet sum type: exactly one of Request,
// Response, or Push is non-nil, selected by Kind.
type Packet struct {
	Kind     PacketKind
	Request  *Request
	Response *Response
	Push     *PushRequest
}

// Request is a decoded RPC request.
type Request struct {
	LogID         uint64
	ServiceName   string
	MethodName    string
	MethodIndex   *int // set instead of MethodName for index-addressed protocols (Hulu)
	Compress      CompressType
	Args          []byte
	Attachment    []byte
	KVAttachment  map[string]string
	Deadline      time.Duration // 0 means "use server default"
	TraceID       uint64
	SpanID        uint64
	ParentSpanID  uint64

	// ContentType is the HTTP Content-Type the httpjson codec saw (when
	// decoding) or should emit (when encoding); "" means that codec's
	// default. Protocols without a Content-Type concept leave it unset.
	ContentType string

	// AttachmentOwner, when non-nil, is the retained buffer backing
	// Attachment; ownership was transferred to this Request by the codec
	// that decoded it (the codec nils its own reference to the same
	// buffer so it is released exactly once). The dispatch adapter
	// releases it after the call completes.
	AttachmentOwner buffer.Retained
}

// Response is a decoded RPC response.
type Response struct {
	LogID      uint64
	Compress   CompressType
	Result     []byte
	ErrorCode  ErrorCode
	ErrorText  string
	Attachment []byte

	// ContentType mirrors Request.ContentType for the response direction.
	ContentType string

	// AttachmentOwner mirrors Request.AttachmentOwner for responses.
	AttachmentOwner buffer.Retained
}

// Succeeded reports whether the response carries a non-error result.
func (r *Response) Succeeded() bool { return r.ErrorCode == ErrorCodeSuccess }

// PushRequest is a server-originated call delivered over a connection that
// was established by the client; it is routed to a client-side callback
// instead of a server-side method.
type PushRequest struct {
	LogID        uint64
	MethodName   string
	Args         []byte
	Attachment   []byte
	Compress     CompressType
}

// RawPacket is the opaque, still-encoded form a codec's decode() step
// hands to the framing engine: slices of the connection's accumulated
// buffer, held with reference counts so ownership of the attachment can
// transfer to user code without a copy.
type RawPacket struct {
	MetaBuf buffer.Retained
	BodyBuf buffer.Retained
}

// MethodDescriptor is static, immutable metadata about one registered RPC
// method, populated once at server startup.
type MethodDescriptor struct {
	ServiceName  string
	MethodName   string
	MethodIndex  int
	Encoding     Encoding
	NSHeadMeta   *NSHeadMeta
	// Invoke is the registered invoker closure: no reflection on the hot
	// path, per DESIGN NOTES (reflection replaced by a descriptor table).
	Invoke func(ctx context.Context, args []byte, attachment []byte) (result []byte, err error)
}

// NSHeadMeta carries the fixed fields NSHead framing needs per method.
type NSHeadMeta struct {
	ProviderID uint32
}
