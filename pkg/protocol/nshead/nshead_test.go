package nshead

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexrpc/nexrpc/pkg/buffer"
	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

func TestEncodeDecodeRequest_RoundTrip(t *testing.T) {
	// Arrange
	c := New()
	req := &wire.Request{LogID: 123, ServiceName: "Echo", MethodName: "Call", Args: []byte("payload")}

	// Act
	encoded, err := c.EncodeRequest(req)
	require.NoError(t, err)

	acc := buffer.New()
	acc.AppendSlice(encoded)
	raw, err := c.Decode(context.Background(), acc)
	require.NoError(t, err)
	defer raw.Release()

	got, err := c.DecodeRequest(raw)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, req.LogID, got.LogID)
	assert.Equal(t, req.ServiceName, got.ServiceName)
	assert.Equal(t, req.MethodName, got.MethodName)
	assert.Equal(t, req.Args, got.Args)
}

func TestEncodeDecodeRequest_CarriesProviderIDThroughKVAttachment(t *testing.T) {
	// Arrange: a caller that knows its NSHead providerID publishes it via
	// the same KVAttachment side channel DecodeRequest recovers it into.
	c := New()
	req := &wire.Request{
		LogID: 5, ServiceName: "Echo", MethodName: "Call", Args: []byte("x"),
		KVAttachment: map[string]string{ProviderIDAttachment: "9"},
	}

	// Act
	encoded, err := c.EncodeRequest(req)
	require.NoError(t, err)

	acc := buffer.New()
	acc.AppendSlice(encoded)
	raw, err := c.Decode(context.Background(), acc)
	require.NoError(t, err)
	defer raw.Release()

	got, err := c.DecodeRequest(raw)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, "9", got.KVAttachment[ProviderIDAttachment])
}

func TestEncodeDecodeRequest_ByIndexRoundTrips(t *testing.T) {
	// Arrange
	c := New()
	idx := 4
	req := &wire.Request{LogID: 1, ServiceName: "Echo", MethodIndex: &idx, Args: []byte("x")}

	// Act
	encoded, err := c.EncodeRequest(req)
	require.NoError(t, err)

	acc := buffer.New()
	acc.AppendSlice(encoded)
	raw, err := c.Decode(context.Background(), acc)
	require.NoError(t, err)
	defer raw.Release()

	got, err := c.DecodeRequest(raw)
	require.NoError(t, err)

	// Assert
	require.NotNil(t, got.MethodIndex)
	assert.Equal(t, idx, *got.MethodIndex)
}

func TestEncodeDecodeResponse_RoundTrip(t *testing.T) {
	// Arrange
	c := New()
	resp := &wire.Response{LogID: 77, Result: []byte("result-bytes")}

	// Act
	encoded, err := c.EncodeResponse(resp)
	require.NoError(t, err)

	acc := buffer.New()
	acc.AppendSlice(encoded)
	raw, err := c.Decode(context.Background(), acc)
	require.NoError(t, err)
	defer raw.Release()

	got, err := c.DecodeResponse(raw, protocol.ConnContext{})
	require.NoError(t, err)

	// Assert
	assert.Equal(t, resp.LogID, got.LogID)
	assert.Equal(t, resp.Result, got.Result)
}

func TestEncodeDecodeResponse_FailurePropagatesErrorCodeAndText(t *testing.T) {
	// Arrange
	c := New()
	resp := &wire.Response{LogID: 3, ErrorCode: wire.ErrorCodeServiceException, ErrorText: "boom"}

	// Act
	encoded, err := c.EncodeResponse(resp)
	require.NoError(t, err)

	acc := buffer.New()
	acc.AppendSlice(encoded)
	raw, err := c.Decode(context.Background(), acc)
	require.NoError(t, err)
	defer raw.Release()

	got, err := c.DecodeResponse(raw, protocol.ConnContext{})
	require.NoError(t, err)

	// Assert
	assert.False(t, got.Succeeded())
	assert.Equal(t, wire.ErrorCodeServiceException, got.ErrorCode)
	assert.Equal(t, "boom", got.ErrorText)
}

func TestDecode_IDMarkerMismatchIsBadSchema(t *testing.T) {
	// Arrange
	c := New()
	acc := buffer.New()
	acc.AppendSlice([]byte{0x00, 0x00})
	acc.AppendSlice(make([]byte, 40))

	// Act
	_, err := c.Decode(context.Background(), acc)

	// Assert
	assert.True(t, errs.Is(err, errs.BadSchema))
}

func TestDecode_MagicNumberMismatchIsBadSchema(t *testing.T) {
	// Arrange
	c := New()
	header := make([]byte, headerSize)
	header[0], header[1] = 0xfb, 0xfb
	// leave magicMarker bytes at offset 20:24 as zero, which is wrong.
	acc := buffer.New()
	acc.AppendSlice(header)

	// Act
	_, err := c.Decode(context.Background(), acc)

	// Assert
	assert.True(t, errs.Is(err, errs.BadSchema))
}

func TestDecode_PartialHeaderReturnsNotEnoughData(t *testing.T) {
	// Arrange
	c := New()
	acc := buffer.New()
	acc.AppendSlice([]byte{0xfb, 0xfb})
	acc.AppendSlice(make([]byte, 10)) // well short of headerSize

	// Act
	_, err := c.Decode(context.Background(), acc)

	// Assert
	assert.True(t, errs.Is(err, errs.NotEnoughData))
}

func TestDecode_OversizeBodyLenIsTooBigData(t *testing.T) {
	// Arrange
	c := New()
	header := make([]byte, headerSize)
	header[0], header[1] = 0xfb, 0xfb
	header[20], header[21], header[22], header[23] = 0xfe, 0xfe, 0xfe, 0xfe
	binary.BigEndian.PutUint32(header[32:36], protocol.MaxBodySize+1)
	acc := buffer.New()
	acc.AppendSlice(header)

	// Act
	_, err := c.Decode(context.Background(), acc)

	// Assert
	assert.True(t, errs.Is(err, errs.TooBigData))
}

func TestEncodeDecodePush_RoundTrip(t *testing.T) {
	// Arrange
	args := []byte("push-args")

	// Act
	framed := EncodePush(42, 9, SPHeadCall, args)
	c := New()
	acc := buffer.New()
	acc.AppendSlice(framed)
	raw, err := c.Decode(context.Background(), acc)
	require.NoError(t, err)
	defer raw.Release()

	spType, gotArgs, err := DecodePush(raw.BodyBuf.Bytes())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, SPHeadCall, spType)
	assert.Equal(t, args, gotArgs)
}

func TestDecodePush_BodyShorterThanSPHeadSizeErrors(t *testing.T) {
	// Act
	_, _, err := DecodePush([]byte{0x01})

	// Assert
	assert.Error(t, err)
}
