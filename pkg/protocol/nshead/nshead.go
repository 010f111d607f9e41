// Package nshead implements the NSHead framing family: a 36-byte fixed
// binary header wrapping a length-prefixed body, plus the SPHead
// sub-header server-push variant layered on top of it.
//
//	NSHead:  [id(2)="\xfb\xfb"][version(2)][logID(4)][provider(12)]
//	         [magicNum(4)="\xfe\xfe\xfe\xfe"][reserved(8)][bodyLen(4)]
//	SPHead:  [type(1)][reserved(3)] — prefixed onto the body for push frames
//
// NSHead's fixed header has no room for a service or method name, so an
// RPC call embeds a length-prefixed metapb block at the front of the
// body, the same message the Baidu-std/Hulu/SoFa family uses:
//
//	body: [metaSize(u32 BE)][meta][payload]
package nshead

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/nexrpc/nexrpc/pkg/buffer"
	"github.com/nexrpc/nexrpc/pkg/compress"
	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/wire"
	"github.com/nexrpc/nexrpc/pkg/wire/metapb"
)

// ProviderIDAttachment is the KVAttachment key a decoded request's NSHead
// providerID field is published under, the same side channel dispatch
// handlers already use for protocol metadata the argument type doesn't
// carry (see dispatch.KVAttachment).
const ProviderIDAttachment = "nshead-provider-id"

const headerSize = 36

var (
	idMarker    = [2]byte{0xfb, 0xfb}
	magicMarker = [4]byte{0xfe, 0xfe, 0xfe, 0xfe}
)

// SPHeadType discriminates a server-push sub-header's frame kind.
type SPHeadType uint8

const (
	SPHeadCall SPHeadType = iota
	SPHeadReturn
)

// spHeadSize is the server-push sub-header prefixed onto NSHead bodies
// that carry a push call instead of an ordinary RPC.
const spHeadSize = 4 // [type uint8][reserved 3]byte

// Codec implements protocol.Codec for NSHead framing.
type Codec struct{}

// New returns an NSHead codec.
func New() *Codec { return &Codec{} }

func (c *Codec) ID() protocol.ID { return protocol.NSHead }

// header is the decoded fixed 36-byte NSHead structure.
type header struct {
	logID      uint32
	providerID uint32 // first 4 bytes of the 12-byte provider field
	bodyLen    uint32
}

func (c *Codec) Decode(_ context.Context, acc *buffer.Store) (*wire.RawPacket, error) {
	if acc.ReadableBytes() < 2 {
		return nil, errs.New(errs.NotEnoughData, "nshead.Decode", nil)
	}
	idBytes, err := acc.Peek(2)
	if err != nil {
		return nil, errs.New(errs.NotEnoughData, "nshead.Decode", err)
	}
	if idBytes[0] != idMarker[0] || idBytes[1] != idMarker[1] {
		return nil, errs.New(errs.BadSchema, "nshead.Decode",
			fmt.Errorf("id marker mismatch: got %x", idBytes))
	}

	if acc.ReadableBytes() < headerSize {
		return nil, errs.New(errs.NotEnoughData, "nshead.Decode", nil)
	}
	raw, err := acc.Peek(headerSize)
	if err != nil {
		return nil, errs.New(errs.NotEnoughData, "nshead.Decode", err)
	}

	magic := raw[20:24]
	if magic[0] != magicMarker[0] || magic[1] != magicMarker[1] || magic[2] != magicMarker[2] || magic[3] != magicMarker[3] {
		return nil, errs.New(errs.BadSchema, "nshead.Decode",
			fmt.Errorf("magic number mismatch: got %x", magic))
	}

	h := header{
		logID:      binary.BigEndian.Uint32(raw[4:8]),
		providerID: binary.BigEndian.Uint32(raw[8:12]),
		bodyLen:    binary.BigEndian.Uint32(raw[32:36]),
	}
	if h.bodyLen > protocol.MaxBodySize {
		return nil, errs.New(errs.TooBigData, "nshead.Decode",
			fmt.Errorf("declared bodyLen %d exceeds max %d", h.bodyLen, protocol.MaxBodySize))
	}

	total := headerSize + int(h.bodyLen)
	if acc.ReadableBytes() < total {
		return nil, errs.New(errs.NotEnoughData, "nshead.Decode", nil)
	}

	headerBuf, err := acc.ReadRetainedSlice(headerSize)
	if err != nil {
		return nil, errs.New(errs.NotEnoughData, "nshead.Decode", err)
	}
	bodyBuf, err := acc.ReadRetainedSlice(int(h.bodyLen))
	if err != nil {
		headerBuf.Release()
		return nil, errs.New(errs.NotEnoughData, "nshead.Decode", err)
	}

	return &wire.RawPacket{MetaBuf: headerBuf, BodyBuf: bodyBuf}, nil
}

func decodeHeader(meta []byte) header {
	return header{
		logID:      binary.BigEndian.Uint32(meta[4:8]),
		providerID: binary.BigEndian.Uint32(meta[8:12]),
		bodyLen:    binary.BigEndian.Uint32(meta[32:36]),
	}
}

// splitEmbeddedMeta separates an NSHead body into its embedded metapb
// block and the compressed payload that follows it.
func splitEmbeddedMeta(body []byte) (meta, payload []byte, err error) {
	if len(body) < 4 {
		return nil, nil, fmt.Errorf("body shorter than embedded meta length prefix")
	}
	metaSize := binary.BigEndian.Uint32(body[0:4])
	if int(metaSize) > len(body)-4 {
		return nil, nil, fmt.Errorf("embedded metaSize %d exceeds body", metaSize)
	}
	return body[4 : 4+metaSize], body[4+metaSize:], nil
}

func (c *Codec) DecodeRequest(raw *wire.RawPacket) (*wire.Request, error) {
	h := decodeHeader(raw.MetaBuf.Bytes())
	metaBytes, payload, err := splitEmbeddedMeta(raw.BodyBuf.Bytes())
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "nshead.DecodeRequest", err)
	}
	meta, err := metapb.UnmarshalRequest(metaBytes)
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "nshead.DecodeRequest", err)
	}

	codec, err := compress.Lookup(wire.CompressType(meta.CompressType))
	if err != nil {
		return nil, err
	}
	args, err := codec.Decompress(payload)
	if err != nil {
		return nil, err
	}

	req := &wire.Request{
		LogID:        uint64(h.logID),
		ServiceName:  meta.ServiceName,
		MethodName:   meta.MethodName,
		Compress:     wire.CompressType(meta.CompressType),
		Args:         args,
		TraceID:      meta.TraceID,
		SpanID:       meta.SpanID,
		ParentSpanID: meta.ParentSpanID,
	}
	if meta.MethodIndex >= 0 {
		idx := int(meta.MethodIndex)
		req.MethodIndex = &idx
	}
	req.KVAttachment = map[string]string{ProviderIDAttachment: strconv.FormatUint(uint64(h.providerID), 10)}
	return req, nil
}

func (c *Codec) DecodeResponse(raw *wire.RawPacket, _ protocol.ConnContext) (*wire.Response, error) {
	h := decodeHeader(raw.MetaBuf.Bytes())
	metaBytes, payload, err := splitEmbeddedMeta(raw.BodyBuf.Bytes())
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "nshead.DecodeResponse", err)
	}
	meta, err := metapb.UnmarshalResponse(metaBytes)
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "nshead.DecodeResponse", err)
	}

	codec, err := compress.Lookup(wire.CompressType(meta.CompressType))
	if err != nil {
		return nil, err
	}
	result, err := codec.Decompress(payload)
	if err != nil {
		return nil, err
	}

	return &wire.Response{
		LogID:     uint64(h.logID),
		Compress:  wire.CompressType(meta.CompressType),
		ErrorCode: wire.ErrorCode(meta.ErrorCode),
		ErrorText: meta.ErrorText,
		Result:    result,
	}, nil
}

// providerIDFromKV recovers a providerID previously published under
// ProviderIDAttachment, if any, defaulting to 0 (the common case: a
// client encoding a fresh outbound request has no provider to name).
func providerIDFromKV(kv map[string]string) uint32 {
	v, ok := kv[ProviderIDAttachment]
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func (c *Codec) EncodeRequest(req *wire.Request) ([]byte, error) {
	meta := &metapb.RequestMeta{
		ServiceName:  req.ServiceName,
		MethodName:   req.MethodName,
		MethodIndex:  -1,
		CompressType: int32(req.Compress),
		LogID:        int64(req.LogID),
		TraceID:      req.TraceID,
		SpanID:       req.SpanID,
		ParentSpanID: req.ParentSpanID,
	}
	if req.MethodIndex != nil {
		meta.MethodIndex = int32(*req.MethodIndex)
	}
	metaBytes := metapb.MarshalRequest(meta)

	codec, err := compress.Lookup(req.Compress)
	if err != nil {
		return nil, err
	}
	args, err := codec.Compress(req.Args)
	if err != nil {
		return nil, err
	}

	body := embedMeta(metaBytes, args)
	return frame(uint32(req.LogID), providerIDFromKV(req.KVAttachment), body), nil
}

func (c *Codec) EncodeResponse(resp *wire.Response) ([]byte, error) {
	meta := &metapb.ResponseMeta{
		CompressType: int32(resp.Compress),
		ErrorCode:    int32(resp.ErrorCode),
		ErrorText:    resp.ErrorText,
		LogID:        int64(resp.LogID),
	}
	metaBytes := metapb.MarshalResponse(meta)

	codec, err := compress.Lookup(resp.Compress)
	if err != nil {
		return nil, err
	}
	result, err := codec.Compress(resp.Result)
	if err != nil {
		return nil, err
	}

	body := embedMeta(metaBytes, result)
	return frame(uint32(resp.LogID), 0, body), nil
}

// embedMeta prefixes meta with its own length so DecodeRequest/
// DecodeResponse can split it back off the front of the NSHead body.
func embedMeta(meta, payload []byte) []byte {
	out := make([]byte, 4+len(meta)+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(meta)))
	copy(out[4:], meta)
	copy(out[4+len(meta):], payload)
	return out
}

// EncodePush wraps a server-push request with its SPHead sub-header before
// framing it as an ordinary NSHead body, so a push call and a regular RPC
// are indistinguishable to anything that only understands NSHead framing.
func EncodePush(logID uint64, providerID uint32, spType SPHeadType, args []byte) []byte {
	body := make([]byte, spHeadSize+len(args))
	body[0] = byte(spType)
	copy(body[spHeadSize:], args)
	return frame(uint32(logID), providerID, body)
}

// DecodePush strips the SPHead sub-header a push-carrying NSHead body
// begins with.
func DecodePush(body []byte) (SPHeadType, []byte, error) {
	if len(body) < spHeadSize {
		return 0, nil, errs.New(errs.SerializationFailure, "nshead.DecodePush",
			fmt.Errorf("body shorter than SPHead size %d", spHeadSize))
	}
	return SPHeadType(body[0]), body[spHeadSize:], nil
}

func frame(logID, providerID uint32, body []byte) []byte {
	out := make([]byte, headerSize+len(body))
	out[0], out[1] = idMarker[0], idMarker[1]
	binary.BigEndian.PutUint16(out[2:4], 1) // version
	binary.BigEndian.PutUint32(out[4:8], logID)
	binary.BigEndian.PutUint32(out[8:12], providerID)
	// out[12:20] reserved provider bytes, left zero
	out[20], out[21], out[22], out[23] = magicMarker[0], magicMarker[1], magicMarker[2], magicMarker[3]
	// out[24:32] reserved, left zero
	binary.BigEndian.PutUint32(out[32:36], uint32(len(body)))
	copy(out[headerSize:], body)
	return out
}
