package httpjson

import (
	"context"
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
	req := &wire.Request{LogID: 9, ServiceName: "Echo", MethodName: "Call", Args: []byte(`{"msg":"hi"}`)}

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
	assert.Equal(t, req.ServiceName, got.ServiceName)
	assert.Equal(t, req.MethodName, got.MethodName)
	assert.Equal(t, req.Args, got.Args)
	assert.Equal(t, req.LogID, got.LogID)
}

func TestEncodeDecodeResponse_RoundTrip(t *testing.T) {
	// Arrange
	c := New()
	resp := &wire.Response{LogID: 5, Result: []byte(`{"ok":true}`)}

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
	assert.True(t, got.Succeeded())
	assert.Equal(t, resp.Result, got.Result)
	assert.Equal(t, resp.LogID, got.LogID)
}

func TestEncodeDecodeRequest_ProtobufContentTypeRoundTrips(t *testing.T) {
	// Arrange: a caller that sets ContentType to the Protobuf-over-HTTP
	// variant must see that header survive encode, and a peer decoding it
	// must recover the same ContentType rather than assume JSON.
	c := New()
	req := &wire.Request{ServiceName: "Echo", MethodName: "Call", Args: []byte{0x0a, 0x02, 0x68, 0x69}, ContentType: ContentTypeProtobuf}

	// Act
	encoded, err := c.EncodeRequest(req)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "Content-Type: "+ContentTypeProtobuf)

	acc := buffer.New()
	acc.AppendSlice(encoded)
	raw, err := c.Decode(context.Background(), acc)
	require.NoError(t, err)
	defer raw.Release()
	got, err := c.DecodeRequest(raw)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProtobuf, got.ContentType)
	assert.Equal(t, req.Args, got.Args)
}

func TestEncodeRequest_EmptyContentTypeDefaultsToJSON(t *testing.T) {
	// Arrange
	c := New()
	req := &wire.Request{ServiceName: "Echo", MethodName: "Call", Args: []byte("{}")}

	// Act
	encoded, err := c.EncodeRequest(req)

	// Assert
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "Content-Type: "+ContentTypeJSON)
}

func TestDecode_NonHTTPPrefixIsBadSchema(t *testing.T) {
	// Arrange
	c := New()
	acc := buffer.New()
	acc.AppendSlice([]byte("PRPCxxxxxxxxxxxxxxxx"))

	// Act
	_, err := c.Decode(context.Background(), acc)

	// Assert
	assert.True(t, errs.Is(err, errs.BadSchema))
}

func TestDecode_IncompleteRequestReturnsNotEnoughData(t *testing.T) {
	// Arrange
	c := New()
	req := &wire.Request{ServiceName: "Echo", MethodName: "Call", Args: []byte(`{"a":1}`)}
	encoded, err := c.EncodeRequest(req)
	require.NoError(t, err)

	acc := buffer.New()
	acc.AppendSlice(encoded[:len(encoded)-2])

	// Act
	_, decErr := c.Decode(context.Background(), acc)

	// Assert
	assert.True(t, errs.Is(decErr, errs.NotEnoughData))
}

func TestDecodeRequest_PathSplitsIntoServiceAndMethod(t *testing.T) {
	// Arrange
	c := New()
	req := &wire.Request{ServiceName: "Greeter", MethodName: "SayHello", Args: []byte("{}")}
	encoded, err := c.EncodeRequest(req)
	require.NoError(t, err)
	acc := buffer.New()
	acc.AppendSlice(encoded)
	raw, err := c.Decode(context.Background(), acc)
	require.NoError(t, err)
	defer raw.Release()

	// Act
	got, err := c.DecodeRequest(raw)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "Greeter", got.ServiceName)
	assert.Equal(t, "SayHello", got.MethodName)
}

func TestEncodeResponse_FailureSetsServerErrorStatus(t *testing.T) {
	// Arrange
	c := New()
	resp := &wire.Response{ErrorCode: wire.ErrorCodeServiceException, ErrorText: "boom"}

	// Act
	encoded, err := c.EncodeResponse(resp)

	// Assert
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "500 Internal Server Error")
}

func TestDecodeRequest_ExtractsKVAttachmentHeaders(t *testing.T) {
	// Arrange
	c := New()
	req := &wire.Request{
		ServiceName:  "Echo",
		MethodName:   "Call",
		Args:         []byte("{}"),
		KVAttachment: map[string]string{"Trace-Id": "abc123"},
	}
	encoded, err := c.EncodeRequest(req)
	require.NoError(t, err)
	acc := buffer.New()
	acc.AppendSlice(encoded)
	raw, err := c.Decode(context.Background(), acc)
	require.NoError(t, err)
	defer raw.Release()

	// Act
	got, err := c.DecodeRequest(raw)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.KVAttachment["Trace-Id"])
}
