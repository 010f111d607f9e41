// Package grpcframe implements gRPC-over-HTTP/2 framing: HTTP/2 connection
// preface detection, HPACK-compressed HEADERS carrying pseudo-headers and
// gRPC metadata, and the 5-byte length-prefixed gRPC message envelope
// carried in DATA frames. Inbound SETTINGS frames are consumed and
// ignored; the codec neither sends its own SETTINGS nor acknowledges the
// peer's.
package grpcframe

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/nexrpc/nexrpc/pkg/buffer"
	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

// Preface is the fixed 24-byte client connection preface every HTTP/2
// connection opens with.
const Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// GRPCStatusHeader and GRPCMessageHeader carry the RPC-level outcome in the
// trailers frame, per the gRPC-over-HTTP/2 wire contract.
const (
	GRPCStatusHeader  = "grpc-status"
	GRPCMessageHeader = "grpc-message"
)

// frameBudget bounds a single decoded gRPC message; larger declared
// lengths are a fatal framing error, matching every other codec's guard.
const frameBudget = protocol.MaxBodySize

// streamState accumulates one in-flight HTTP/2 stream's HEADERS and DATA
// until END_STREAM completes it into a whole RawPacket.
type streamState struct {
	headers    []hpack.HeaderField
	body       bytes.Buffer
	headerDone bool
}

// Codec implements protocol.Codec for gRPC-over-HTTP/2.
//
// Unlike every other codec in this package tree, a Codec here is NOT safe
// to share across connections: HPACK's dynamic header table is a
// per-connection compression context mandated by RFC 7541, so the decoder
// that resolves indexed header references must live exactly as long as
// the TCP connection does. server.DefaultCodecFactory calls New() once per
// accepted connection instead of reusing a shared instance the way it does
// for every other protocol's codec.
type Codec struct {
	mu          sync.Mutex
	dec         *hpack.Decoder
	streams     map[uint32]*streamState
	prefaceDone bool

	// nextStreamID is the next client-initiated stream ID EncodeRequest
	// will use; HTTP/2 requires client streams to be odd and strictly
	// increasing on one connection.
	nextStreamID uint32

	// streamByLogID remembers which HTTP/2 stream a decoded request's
	// LogID arrived on, so EncodeResponse can reply on the same stream.
	streamByLogID map[uint64]uint32
}

// New returns a gRPC-over-HTTP/2 codec scoped to a single connection.
func New() *Codec {
	return &Codec{
		dec:           hpack.NewDecoder(4096, nil),
		streams:       make(map[uint32]*streamState),
		nextStreamID:  1,
		streamByLogID: make(map[uint64]uint32),
	}
}

func (c *Codec) ID() protocol.ID { return protocol.GRPC }

// Decode detects the connection preface (the unambiguous signature that
// latches this codec) and otherwise reads one HTTP/2 frame at a time,
// accumulating per-stream HEADERS/DATA until a stream's END_STREAM flag
// closes it into a RawPacket. Frames belonging to streams still open are
// fully consumed from acc but produce no RawPacket yet — the caller must
// call Decode again.
func (c *Codec) Decode(_ context.Context, acc *buffer.Store) (*wire.RawPacket, error) {
	// The connection preface is sent exactly once, before any HTTP/2
	// frame; checking for it on every call would misdetect any later
	// frame shorter than len(Preface) (PING, WINDOW_UPDATE, small DATA)
	// as a truncated preface.
	if !c.prefaceDone {
		if acc.ReadableBytes() >= len(Preface) {
			head, err := acc.Peek(len(Preface))
			if err == nil && string(head) == Preface {
				if err := acc.Skip(len(Preface)); err != nil {
					return nil, errs.New(errs.NotEnoughData, "grpcframe.Decode", err)
				}
				c.prefaceDone = true
				// Preface alone carries no packet; caller loops for the
				// SETTINGS frame and beyond.
				return nil, errs.New(errs.NotEnoughData, "grpcframe.Decode", nil)
			}
			return nil, errs.New(errs.BadSchema, "grpcframe.Decode",
				fmt.Errorf("not an HTTP/2 connection preface"))
		}
		head, err := acc.Peek(acc.ReadableBytes())
		if err != nil || !bytes.HasPrefix([]byte(Preface), head) {
			return nil, errs.New(errs.BadSchema, "grpcframe.Decode",
				fmt.Errorf("not an HTTP/2 connection preface"))
		}
		return nil, errs.New(errs.NotEnoughData, "grpcframe.Decode", nil)
	}

	const frameHeaderLen = 9
	if acc.ReadableBytes() < frameHeaderLen {
		return nil, errs.New(errs.NotEnoughData, "grpcframe.Decode", nil)
	}
	fh, err := acc.Peek(frameHeaderLen)
	if err != nil {
		return nil, errs.New(errs.NotEnoughData, "grpcframe.Decode", nil)
	}
	length := int(fh[0])<<16 | int(fh[1])<<8 | int(fh[2])
	if length > frameBudget {
		return nil, errs.New(errs.TooBigData, "grpcframe.Decode",
			fmt.Errorf("frame length %d exceeds max %d", length, frameBudget))
	}
	total := frameHeaderLen + length
	if acc.ReadableBytes() < total {
		return nil, errs.New(errs.NotEnoughData, "grpcframe.Decode", nil)
	}

	raw, err := acc.Peek(total)
	if err != nil {
		return nil, errs.New(errs.NotEnoughData, "grpcframe.Decode", nil)
	}
	framer := http2.NewFramer(nil, bytes.NewReader(raw))
	framer.ReadMetaHeaders = nil
	frame, err := framer.ReadFrame()
	if err != nil {
		return nil, errs.New(errs.BadSchema, "grpcframe.Decode", err)
	}
	if err := acc.Skip(total); err != nil {
		return nil, errs.New(errs.NotEnoughData, "grpcframe.Decode", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handleFrame(frame)
}

// handleFrame folds one HTTP/2 frame into the owning stream's state,
// returning a RawPacket once END_STREAM closes a request. Frame types the
// RPC-terminating server doesn't act on (SETTINGS acks, WINDOW_UPDATE,
// PING) are consumed and ignored rather than rejected, matching HTTP/2's
// requirement that unknown-but-valid frames not abort the connection.
// Callers hold c.mu for the duration.
func (c *Codec) handleFrame(frame http2.Frame) (*wire.RawPacket, error) {
	switch f := frame.(type) {
	case *http2.SettingsFrame:
		return nil, errs.New(errs.NotEnoughData, "grpcframe.handleFrame", nil)

	case *http2.WindowUpdateFrame, *http2.PingFrame, *http2.PriorityFrame, *http2.RSTStreamFrame, *http2.GoAwayFrame:
		return nil, errs.New(errs.NotEnoughData, "grpcframe.handleFrame", nil)

	case *http2.HeadersFrame:
		st := c.streams[f.StreamID]
		if st == nil {
			st = &streamState{}
			c.streams[f.StreamID] = st
		}
		hdrs, err := decodeHeaderBlock(c.dec, f.HeaderBlockFragment())
		if err != nil {
			return nil, errs.New(errs.BadSchema, "grpcframe.handleFrame", err)
		}
		st.headers = hdrs
		st.headerDone = true
		if f.StreamEnded() {
			return c.finish(f.StreamID, st)
		}
		return nil, errs.New(errs.NotEnoughData, "grpcframe.handleFrame", nil)

	case *http2.ContinuationFrame:
		st := c.streams[f.StreamID]
		if st == nil {
			return nil, errs.New(errs.BadSchema, "grpcframe.handleFrame",
				fmt.Errorf("continuation for unknown stream %d", f.StreamID))
		}
		hdrs, err := decodeHeaderBlock(c.dec, f.HeaderBlockFragment())
		if err != nil {
			return nil, errs.New(errs.BadSchema, "grpcframe.handleFrame", err)
		}
		st.headers = append(st.headers, hdrs...)
		if f.HeadersEnded() && f.StreamEnded() {
			return c.finish(f.StreamID, st)
		}
		return nil, errs.New(errs.NotEnoughData, "grpcframe.handleFrame", nil)

	case *http2.DataFrame:
		st := c.streams[f.StreamID]
		if st == nil {
			return nil, errs.New(errs.BadSchema, "grpcframe.handleFrame",
				fmt.Errorf("data for unknown stream %d", f.StreamID))
		}
		st.body.Write(f.Data())
		if f.StreamEnded() {
			return c.finish(f.StreamID, st)
		}
		return nil, errs.New(errs.NotEnoughData, "grpcframe.handleFrame", nil)

	case *http2.PushPromiseFrame:
		return nil, errs.New(errs.BadSchema, "grpcframe.handleFrame",
			fmt.Errorf("client-sent PUSH_PROMISE is invalid"))

	default:
		return nil, errs.New(errs.NotEnoughData, "grpcframe.handleFrame", nil)
	}
}

func (c *Codec) finish(streamID uint32, st *streamState) (*wire.RawPacket, error) {
	delete(c.streams, streamID)
	if !st.headerDone {
		return nil, errs.New(errs.BadSchema, "grpcframe.finish",
			fmt.Errorf("stream %d ended without headers", streamID))
	}
	headerBuf := buffer.New()
	headerBuf.AppendSlice(encodeHeaderFieldsAsMeta(st.headers, streamID))
	headerRetained, err := headerBuf.ReadRetainedSlice(headerBuf.ReadableBytes())
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "grpcframe.finish", err)
	}

	bodyStore := buffer.New()
	bodyStore.AppendSlice(st.body.Bytes())
	bodyRetained, err := bodyStore.ReadRetainedSlice(bodyStore.ReadableBytes())
	if err != nil {
		headerRetained.Release()
		return nil, errs.New(errs.SerializationFailure, "grpcframe.finish", err)
	}

	return &wire.RawPacket{MetaBuf: headerRetained, BodyBuf: bodyRetained}, nil
}

// decodeHeaderBlock decodes one HEADERS/CONTINUATION fragment against the
// connection's single running HPACK decoder, so references into the
// dynamic table the peer built up over earlier frames resolve correctly.
func decodeHeaderBlock(dec *hpack.Decoder, block []byte) ([]hpack.HeaderField, error) {
	var out []hpack.HeaderField
	dec.SetEmitFunc(func(f hpack.HeaderField) { out = append(out, f) })
	if _, err := dec.Write(block); err != nil {
		return nil, err
	}
	return out, nil
}

// encodeHeaderFieldsAsMeta serializes decoded HPACK fields into a simple
// newline-delimited "name\tvalue" block stashed as MetaBuf; stream id is
// prefixed so DecodeRequest/DecodeResponse can recover correlation even
// though HTTP/2 streams, not a LogID field, carry it on the wire.
func encodeHeaderFieldsAsMeta(fields []hpack.HeaderField, streamID uint32) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d\n", streamID)
	for _, f := range fields {
		fmt.Fprintf(&buf, "%s\t%s\n", f.Name, f.Value)
	}
	return buf.Bytes()
}

func parseMeta(meta []byte) (streamID uint32, headers map[string]string) {
	headers = make(map[string]string)
	lines := bytes.Split(meta, []byte("\n"))
	if len(lines) > 0 {
		if n, err := strconv.ParseUint(string(lines[0]), 10, 32); err == nil {
			streamID = uint32(n)
		}
		lines = lines[1:]
	}
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		parts := bytes.SplitN(line, []byte("\t"), 2)
		if len(parts) == 2 {
			headers[string(parts[0])] = string(parts[1])
		}
	}
	return streamID, headers
}

// unwrapLengthPrefixedMessage strips the 5-byte gRPC message envelope
// ([compressed flag(1)][length(4)]) a DATA frame carries exactly one of
// (unary calls never split a message across frames' prefix from its data).
func unwrapLengthPrefixedMessage(body []byte) (compressed bool, msg []byte, err error) {
	if len(body) < 5 {
		return false, nil, fmt.Errorf("grpc message envelope shorter than 5 bytes")
	}
	compressed = body[0] != 0
	length := uint32(body[1])<<24 | uint32(body[2])<<16 | uint32(body[3])<<8 | uint32(body[4])
	if int(length) > len(body)-5 {
		return false, nil, fmt.Errorf("grpc message length %d exceeds frame body", length)
	}
	return compressed, body[5 : 5+length], nil
}

func wrapLengthPrefixedMessage(compressed bool, msg []byte) []byte {
	out := make([]byte, 5+len(msg))
	if compressed {
		out[0] = 1
	}
	l := uint32(len(msg))
	out[1] = byte(l >> 24)
	out[2] = byte(l >> 16)
	out[3] = byte(l >> 8)
	out[4] = byte(l)
	copy(out[5:], msg)
	return out
}

func (c *Codec) DecodeRequest(raw *wire.RawPacket) (*wire.Request, error) {
	streamID, headers := parseMeta(raw.MetaBuf.Bytes())
	path := headers[":path"]
	p := bytes.TrimPrefix([]byte(path), []byte("/"))
	service, method, ok := cutByte(p, '/')
	if !ok {
		return nil, errs.New(errs.BadSchema, "grpcframe.DecodeRequest",
			fmt.Errorf("path %q is not /package.Service/Method", path))
	}

	_, msg, err := unwrapLengthPrefixedMessage(raw.BodyBuf.Bytes())
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "grpcframe.DecodeRequest", err)
	}

	req := &wire.Request{
		ServiceName: string(service),
		MethodName:  string(method),
		Args:        msg,
	}
	if v, ok := headers["x-nexrpc-log-id"]; ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			req.LogID = n
		}
	}

	c.mu.Lock()
	c.streamByLogID[req.LogID] = streamID
	c.mu.Unlock()

	return req, nil
}

func cutByte(s []byte, sep byte) (before, after []byte, found bool) {
	if i := bytes.IndexByte(s, sep); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, nil, false
}

func (c *Codec) DecodeResponse(raw *wire.RawPacket, _ protocol.ConnContext) (*wire.Response, error) {
	_, headers := parseMeta(raw.MetaBuf.Bytes())
	resp := &wire.Response{}
	if status, ok := headers[GRPCStatusHeader]; ok {
		if n, err := strconv.Atoi(status); err == nil && n != 0 {
			resp.ErrorCode = wire.ErrorCodeServiceException
			resp.ErrorText = headers[GRPCMessageHeader]
		}
	}
	if len(raw.BodyBuf.Bytes()) > 0 {
		_, msg, err := unwrapLengthPrefixedMessage(raw.BodyBuf.Bytes())
		if err != nil {
			return nil, errs.New(errs.SerializationFailure, "grpcframe.DecodeResponse", err)
		}
		resp.Result = msg
	}
	return resp, nil
}

// EncodeRequest and EncodeResponse wrap their HPACK-compressed header
// blocks and length-prefixed gRPC messages in real HTTP/2 frames via
// http2.Framer, so the bytes they produce are what Decode above (or any
// real gRPC peer) expects to read off the wire — this codec's own
// round-trip law holds against itself.
func (c *Codec) EncodeRequest(req *wire.Request) ([]byte, error) {
	var hbuf bytes.Buffer
	enc := hpack.NewEncoder(&hbuf)
	enc.WriteField(hpack.HeaderField{Name: ":method", Value: "POST"})
	enc.WriteField(hpack.HeaderField{Name: ":path", Value: fmt.Sprintf("/%s/%s", req.ServiceName, req.MethodName)})
	enc.WriteField(hpack.HeaderField{Name: "content-type", Value: "application/grpc+proto"})
	enc.WriteField(hpack.HeaderField{Name: "x-nexrpc-log-id", Value: strconv.FormatUint(req.LogID, 10)})

	c.mu.Lock()
	streamID := c.nextStreamID
	c.nextStreamID += 2
	c.mu.Unlock()

	var out bytes.Buffer
	framer := http2.NewFramer(&out, nil)
	if err := framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: hbuf.Bytes(),
		EndHeaders:    true,
	}); err != nil {
		return nil, errs.New(errs.SerializationFailure, "grpcframe.EncodeRequest", err)
	}
	// Unary: one DATA frame carries the whole message and closes the
	// stream from the client's side.
	if err := framer.WriteData(streamID, true, wrapLengthPrefixedMessage(false, req.Args)); err != nil {
		return nil, errs.New(errs.SerializationFailure, "grpcframe.EncodeRequest", err)
	}
	return out.Bytes(), nil
}

func (c *Codec) EncodeResponse(resp *wire.Response) ([]byte, error) {
	c.mu.Lock()
	streamID, ok := c.streamByLogID[resp.LogID]
	if ok {
		delete(c.streamByLogID, resp.LogID)
	}
	c.mu.Unlock()
	if !ok {
		// No matching decoded request on this connection (e.g. a
		// hand-built Response in a test); fall back to stream 1 rather
		// than produce an invalid stream ID of 0.
		streamID = 1
	}

	var hbuf bytes.Buffer
	enc := hpack.NewEncoder(&hbuf)
	enc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
	enc.WriteField(hpack.HeaderField{Name: "content-type", Value: "application/grpc+proto"})

	var tbuf bytes.Buffer
	tenc := hpack.NewEncoder(&tbuf)
	status := "0"
	if !resp.Succeeded() {
		status = "2" // UNKNOWN
	}
	tenc.WriteField(hpack.HeaderField{Name: GRPCStatusHeader, Value: status})
	tenc.WriteField(hpack.HeaderField{Name: GRPCMessageHeader, Value: resp.ErrorText})

	var out bytes.Buffer
	framer := http2.NewFramer(&out, nil)
	if err := framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: hbuf.Bytes(),
		EndHeaders:    true,
	}); err != nil {
		return nil, errs.New(errs.SerializationFailure, "grpcframe.EncodeResponse", err)
	}
	if err := framer.WriteData(streamID, false, wrapLengthPrefixedMessage(false, resp.Result)); err != nil {
		return nil, errs.New(errs.SerializationFailure, "grpcframe.EncodeResponse", err)
	}
	if err := framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: tbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     true,
	}); err != nil {
		return nil, errs.New(errs.SerializationFailure, "grpcframe.EncodeResponse", err)
	}
	return out.Bytes(), nil
}
