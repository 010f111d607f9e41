// Package lengthprefixed implements the shared framing rules of the
// length-prefixed binary protocol family (Baidu-std, Hulu, SoFa):
//
//	[MAGIC(4)][bodySize(u32)][metaSize(u32)][meta][message(+attachment)?]
//
// The three protocols differ only in their magic bytes and in the byte
// order of the two size fields (Hulu and SoFa use little-endian, Baidu-std
// uses big-endian) — an interoperability contract this package never
// "normalizes" away. Each protocol gets a thin wrapper package
// (baidustd, hulu, sofa) that supplies those two parameters.
package lengthprefixed

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/nexrpc/nexrpc/pkg/buffer"
	"github.com/nexrpc/nexrpc/pkg/compress"
	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/wire"
	"github.com/nexrpc/nexrpc/pkg/wire/metapb"
)

const headerSize = 4 + 4 + 4 // magic + bodySize + metaSize

// AddressMode selects how a decoded request identifies its target method.
type AddressMode int

const (
	// ByName addresses methods by service+method name (Baidu-std, SoFa).
	ByName AddressMode = iota
	// ByIndex addresses methods by a numeric index (Hulu); when the meta
	// block carries no method_index, MethodName must parse as an integer.
	ByIndex
)

// Codec implements protocol.Codec for one length-prefixed wire format.
type Codec struct {
	id      protocol.ID
	magic   [4]byte
	order   binary.ByteOrder
	address AddressMode
}

// New builds a Codec for a length-prefixed protocol variant.
func New(id protocol.ID, magic [4]byte, order binary.ByteOrder, address AddressMode) *Codec {
	return &Codec{id: id, magic: magic, order: order, address: address}
}

func (c *Codec) ID() protocol.ID { return c.id }

// Decode implements protocol.Codec. It is prefix-safe: any legitimate
// short read returns errs.NotEnoughData rather than errs.BadSchema, so the
// framing engine can keep this codec as a live candidate while unbound.
func (c *Codec) Decode(_ context.Context, acc *buffer.Store) (*wire.RawPacket, error) {
	if acc.ReadableBytes() < 4 {
		return nil, errs.New(errs.NotEnoughData, "lengthprefixed.Decode", nil)
	}
	magic, err := acc.Peek(4)
	if err != nil {
		return nil, errs.New(errs.NotEnoughData, "lengthprefixed.Decode", err)
	}
	if !bytesEqual(magic, c.magic[:]) {
		return nil, errs.New(errs.BadSchema, "lengthprefixed.Decode",
			fmt.Errorf("magic mismatch: want %q got %q", c.magic, magic))
	}

	if acc.ReadableBytes() < headerSize {
		return nil, errs.New(errs.NotEnoughData, "lengthprefixed.Decode", nil)
	}
	header, err := acc.Peek(headerSize)
	if err != nil {
		return nil, errs.New(errs.NotEnoughData, "lengthprefixed.Decode", err)
	}
	bodySize := c.order.Uint32(header[4:8])
	metaSize := c.order.Uint32(header[8:12])

	if bodySize > protocol.MaxBodySize {
		// Fatal: do not consume anything beyond having peeked the header.
		return nil, errs.New(errs.TooBigData, "lengthprefixed.Decode",
			fmt.Errorf("declared bodySize %d exceeds max %d", bodySize, protocol.MaxBodySize))
	}
	if metaSize > bodySize {
		return nil, errs.New(errs.SerializationFailure, "lengthprefixed.Decode",
			fmt.Errorf("metaSize %d exceeds bodySize %d", metaSize, bodySize))
	}

	total := headerSize + int(bodySize)
	if acc.ReadableBytes() < total {
		return nil, errs.New(errs.NotEnoughData, "lengthprefixed.Decode", nil)
	}

	if err := acc.Skip(headerSize); err != nil {
		return nil, errs.New(errs.NotEnoughData, "lengthprefixed.Decode", err)
	}
	metaBuf, err := acc.ReadRetainedSlice(int(metaSize))
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "lengthprefixed.Decode", err)
	}
	bodyBuf, err := acc.ReadRetainedSlice(int(bodySize) - int(metaSize))
	if err != nil {
		metaBuf.Release()
		return nil, errs.New(errs.SerializationFailure, "lengthprefixed.Decode", err)
	}

	return &wire.RawPacket{MetaBuf: metaBuf, BodyBuf: bodyBuf}, nil
}

func (c *Codec) DecodeRequest(raw *wire.RawPacket) (*wire.Request, error) {
	meta, err := metapb.UnmarshalRequest(raw.MetaBuf.Bytes())
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "lengthprefixed.DecodeRequest", err)
	}

	req := &wire.Request{
		LogID:        uint64(meta.LogID),
		ServiceName:  meta.ServiceName,
		Compress:     wire.CompressType(meta.CompressType),
		TraceID:      meta.TraceID,
		SpanID:       meta.SpanID,
		ParentSpanID: meta.ParentSpanID,
	}

	switch c.address {
	case ByIndex:
		idx := int(meta.MethodIndex)
		if idx < 0 {
			var n int
			if _, scanErr := fmt.Sscanf(meta.MethodName, "%d", &n); scanErr != nil {
				return nil, errs.New(errs.SerializationFailure, "lengthprefixed.DecodeRequest",
					fmt.Errorf("non-numeric method for index-addressed protocol: %q", meta.MethodName))
			}
			idx = n
		}
		req.MethodIndex = &idx
	default:
		req.MethodName = meta.MethodName
	}

	body := raw.BodyBuf.Bytes()
	msg := body
	if meta.UserMessageSize > 0 {
		k := int(meta.UserMessageSize)
		if k > len(body) {
			return nil, errs.New(errs.SerializationFailure, "lengthprefixed.DecodeRequest",
				fmt.Errorf("userMessageSize %d exceeds body length %d", k, len(body)))
		}
		msg = body[:k]
		raw.BodyBuf.Retain() // second owner: the attachment, carried uncompressed
		req.Attachment = body[k:]
		req.AttachmentOwner = raw.BodyBuf
	}

	codec, err := compress.Lookup(req.Compress)
	if err != nil {
		return nil, err
	}
	args, err := codec.Decompress(msg)
	if err != nil {
		if req.AttachmentOwner != nil {
			req.AttachmentOwner.Release()
		}
		return nil, err
	}
	req.Args = args
	return req, nil
}

func (c *Codec) DecodeResponse(raw *wire.RawPacket, _ protocol.ConnContext) (*wire.Response, error) {
	meta, err := metapb.UnmarshalResponse(raw.MetaBuf.Bytes())
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "lengthprefixed.DecodeResponse", err)
	}

	resp := &wire.Response{
		LogID:     uint64(meta.LogID),
		Compress:  wire.CompressType(meta.CompressType),
		ErrorCode: wire.ErrorCode(meta.ErrorCode),
		ErrorText: meta.ErrorText,
	}

	body := raw.BodyBuf.Bytes()
	msg := body
	if meta.UserMessageSize > 0 {
		k := int(meta.UserMessageSize)
		if k > len(body) {
			return nil, errs.New(errs.SerializationFailure, "lengthprefixed.DecodeResponse",
				fmt.Errorf("userMessageSize %d exceeds body length %d", k, len(body)))
		}
		msg = body[:k]
		raw.BodyBuf.Retain()
		resp.Attachment = body[k:]
		resp.AttachmentOwner = raw.BodyBuf
	}

	codec, err := compress.Lookup(resp.Compress)
	if err != nil {
		return nil, err
	}
	result, err := codec.Decompress(msg)
	if err != nil {
		if resp.AttachmentOwner != nil {
			resp.AttachmentOwner.Release()
		}
		return nil, err
	}
	resp.Result = result
	return resp, nil
}

func (c *Codec) EncodeRequest(req *wire.Request) ([]byte, error) {
	meta := &metapb.RequestMeta{
		CorrelationID: int64(req.LogID),
		CompressType:  int32(req.Compress),
		ServiceName:   req.ServiceName,
		MethodIndex:   -1,
		LogID:         int64(req.LogID),
		TraceID:       req.TraceID,
		SpanID:        req.SpanID,
		ParentSpanID:  req.ParentSpanID,
	}
	switch {
	case req.MethodIndex != nil:
		meta.MethodIndex = int32(*req.MethodIndex)
		meta.MethodName = fmt.Sprintf("%d", *req.MethodIndex)
	case c.address == ByIndex:
		// Mirror DecodeRequest's fallback: an index-addressed protocol
		// (Hulu) accepts a numeric MethodName in lieu of MethodIndex, but
		// rejects anything else before producing any bytes.
		var n int
		if _, scanErr := fmt.Sscanf(req.MethodName, "%d", &n); scanErr != nil {
			return nil, errs.New(errs.SerializationFailure, "lengthprefixed.EncodeRequest",
				fmt.Errorf("non-numeric method for index-addressed protocol: %q", req.MethodName))
		}
		meta.MethodIndex = int32(n)
		meta.MethodName = req.MethodName
	default:
		if req.MethodName == "" {
			return nil, errs.New(errs.SerializationFailure, "lengthprefixed.EncodeRequest",
				fmt.Errorf("missing method name for name-addressed protocol"))
		}
		meta.MethodName = req.MethodName
	}

	codec, err := compress.Lookup(req.Compress)
	if err != nil {
		return nil, err
	}
	args, err := codec.Compress(req.Args)
	if err != nil {
		return nil, err
	}

	if len(req.Attachment) > 0 {
		meta.UserMessageSize = int64(len(args))
	}
	metaBytes := metapb.MarshalRequest(meta)

	body := args
	if len(req.Attachment) > 0 {
		body = append(append([]byte{}, args...), req.Attachment...)
	}

	return c.frame(metaBytes, body), nil
}

func (c *Codec) EncodeResponse(resp *wire.Response) ([]byte, error) {
	meta := &metapb.ResponseMeta{
		CorrelationID: int64(resp.LogID),
		CompressType:  int32(resp.Compress),
		ErrorCode:     int32(resp.ErrorCode),
		ErrorText:     resp.ErrorText,
		LogID:         int64(resp.LogID),
	}

	codec, err := compress.Lookup(resp.Compress)
	if err != nil {
		return nil, err
	}
	result, err := codec.Compress(resp.Result)
	if err != nil {
		return nil, err
	}

	if len(resp.Attachment) > 0 {
		meta.UserMessageSize = int64(len(result))
	}
	metaBytes := metapb.MarshalResponse(meta)

	body := result
	if len(resp.Attachment) > 0 {
		body = append(append([]byte{}, result...), resp.Attachment...)
	}

	return c.frame(metaBytes, body), nil
}

// frame assembles [magic][bodySize][metaSize][meta][body] in this codec's
// byte order. bodySize is metaSize + len(body).
func (c *Codec) frame(meta, body []byte) []byte {
	bodySize := uint32(len(meta) + len(body))
	metaSize := uint32(len(meta))

	out := make([]byte, headerSize, headerSize+int(bodySize))
	copy(out[0:4], c.magic[:])
	c.order.PutUint32(out[4:8], bodySize)
	c.order.PutUint32(out[8:12], metaSize)
	out = append(out, meta...)
	out = append(out, body...)
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
