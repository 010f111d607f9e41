package grpcframe

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/nexrpc/nexrpc/pkg/buffer"
	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

// buildHeadersAndDataFrames assembles one HTTP/2 stream's HEADERS (not
// END_STREAM) followed by one DATA frame (END_STREAM) carrying a
// gRPC-enveloped message, mirroring what a real client would send for a
// unary call.
func buildHeadersAndDataFrames(t *testing.T, streamID uint32, fields []hpack.HeaderField, msg []byte) []byte {
	t.Helper()
	var hbuf bytes.Buffer
	enc := hpack.NewEncoder(&hbuf)
	for _, f := range fields {
		require.NoError(t, enc.WriteField(f))
	}

	var out bytes.Buffer
	framer := http2.NewFramer(&out, nil)
	require.NoError(t, framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     false,
	}))
	require.NoError(t, framer.WriteData(streamID, true, wrapLengthPrefixedMessage(false, msg)))
	return out.Bytes()
}

func TestDecode_PrefaceIsConsumedWithoutProducingAPacket(t *testing.T) {
	// Arrange
	c := New()
	acc := buffer.New()
	acc.AppendSlice([]byte(Preface))

	// Act
	_, err := c.Decode(context.Background(), acc)

	// Assert
	assert.True(t, errs.Is(err, errs.NotEnoughData))
	assert.Equal(t, 0, acc.ReadableBytes())
}

func TestDecode_FullRequestStreamRoundTrip(t *testing.T) {
	// Arrange
	c := New()
	acc := buffer.New()
	acc.AppendSlice([]byte(Preface))
	frames := buildHeadersAndDataFrames(t, 1, []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/Greeter/SayHello"},
		{Name: "x-nexrpc-log-id", Value: "99"},
	}, []byte("hello"))
	acc.AppendSlice(frames)

	// Act: preface, then HEADERS (not yet a packet), then DATA (closes it).
	_, err := c.Decode(context.Background(), acc)
	require.True(t, errs.Is(err, errs.NotEnoughData))

	_, err = c.Decode(context.Background(), acc)
	require.True(t, errs.Is(err, errs.NotEnoughData), "HEADERS without END_STREAM produces no packet yet")

	raw, err := c.Decode(context.Background(), acc)
	require.NoError(t, err)
	defer raw.Release()

	req, err := c.DecodeRequest(raw)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "Greeter", req.ServiceName)
	assert.Equal(t, "SayHello", req.MethodName)
	assert.Equal(t, []byte("hello"), req.Args)
	assert.Equal(t, uint64(99), req.LogID)
}

func TestDecode_NotAnHTTP2PrefaceIsBadSchema(t *testing.T) {
	// Arrange
	c := New()
	acc := buffer.New()
	acc.AppendSlice([]byte("this is definitely not HTTP/2 at all, no way"))

	// Act
	_, err := c.Decode(context.Background(), acc)

	// Assert
	assert.True(t, errs.Is(err, errs.BadSchema))
}

func TestDecode_DataForUnknownStreamIsBadSchema(t *testing.T) {
	// Arrange
	c := New()
	acc := buffer.New()
	acc.AppendSlice([]byte(Preface))
	_, err := c.Decode(context.Background(), acc)
	require.True(t, errs.Is(err, errs.NotEnoughData))

	var out bytes.Buffer
	framer := http2.NewFramer(&out, nil)
	require.NoError(t, framer.WriteData(7, true, wrapLengthPrefixedMessage(false, []byte("orphan"))))
	acc.AppendSlice(out.Bytes())

	// Act
	_, decErr := c.Decode(context.Background(), acc)

	// Assert
	assert.True(t, errs.Is(decErr, errs.BadSchema))
}

func TestWrapUnwrapLengthPrefixedMessage_RoundTrip(t *testing.T) {
	// Arrange
	msg := []byte("grpc payload")

	// Act
	wrapped := wrapLengthPrefixedMessage(false, msg)
	compressed, got, err := unwrapLengthPrefixedMessage(wrapped)

	// Assert
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, msg, got)
}

func TestEncodeRequest_ProducesFramesDecodableByOwnDecode(t *testing.T) {
	// Arrange: EncodeRequest must emit real HTTP/2 frames, not bare
	// HPACK+envelope bytes, so a peer's Decode (including this same
	// Codec's) can read them back.
	c := New()
	req := &wire.Request{LogID: 42, ServiceName: "Greeter", MethodName: "SayHello", Args: []byte("hi")}

	// Act
	encoded, err := c.EncodeRequest(req)
	require.NoError(t, err)

	// The connection preface precedes any frame on a real connection, and
	// Decode yields one frame per call: preface, HEADERS, then DATA.
	acc := buffer.New()
	acc.AppendSlice([]byte(Preface))
	acc.AppendSlice(encoded)
	_, err = c.Decode(context.Background(), acc)
	require.True(t, errs.Is(err, errs.NotEnoughData))
	_, err = c.Decode(context.Background(), acc)
	require.True(t, errs.Is(err, errs.NotEnoughData), "HEADERS without END_STREAM produces no packet yet")
	raw, err := c.Decode(context.Background(), acc)

	// Assert
	require.NoError(t, err)
	defer raw.Release()
	got, err := c.DecodeRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "Greeter", got.ServiceName)
	assert.Equal(t, "SayHello", got.MethodName)
	assert.Equal(t, []byte("hi"), got.Args)
	assert.Equal(t, uint64(42), got.LogID)
}

func TestEncodeResponse_RepliesOnTheSameStreamAsTheDecodedRequest(t *testing.T) {
	// Arrange: decode a request (which latches its stream ID against its
	// LogID), then encode a response for that LogID and confirm the
	// resulting frames open on that same stream ID.
	server := New()
	acc := buffer.New()
	acc.AppendSlice([]byte(Preface))
	frames := buildHeadersAndDataFrames(t, 3, []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/Greeter/SayHello"},
		{Name: "x-nexrpc-log-id", Value: "7"},
	}, []byte("hello"))
	acc.AppendSlice(frames)
	_, err := server.Decode(context.Background(), acc)
	require.True(t, errs.Is(err, errs.NotEnoughData))
	_, err = server.Decode(context.Background(), acc)
	require.True(t, errs.Is(err, errs.NotEnoughData), "HEADERS without END_STREAM produces no packet yet")
	raw, err := server.Decode(context.Background(), acc)
	require.NoError(t, err)
	req, err := server.DecodeRequest(raw)
	require.NoError(t, err)
	raw.Release()

	// Act
	resp := &wire.Response{LogID: req.LogID, Result: []byte("world"), ErrorCode: wire.ErrorCodeSuccess}
	encoded, err := server.EncodeResponse(resp)
	require.NoError(t, err)

	readBack := http2.NewFramer(nil, bytes.NewReader(encoded))
	frame, err := readBack.ReadFrame()

	// Assert
	require.NoError(t, err)
	hf, ok := frame.(*http2.HeadersFrame)
	require.True(t, ok, "expected a real HEADERS frame, got %T", frame)
	assert.Equal(t, uint32(3), hf.StreamID)
}

func TestEncodeResponse_FailureCarriesNonZeroGRPCStatus(t *testing.T) {
	// Arrange
	c := New()
	resp := &wire.Response{ErrorCode: wire.ErrorCodeServiceException, ErrorText: "boom"}

	// Act
	encoded, err := c.EncodeResponse(resp)

	// Assert
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)
}
