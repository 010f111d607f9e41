package server

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexrpc/nexrpc/pkg/buffer"
	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/protocol/lengthprefixed/baidustd"
	"github.com/nexrpc/nexrpc/pkg/registry"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

func TestHandleConn_EchoesOneRequestOverBaiduStd(t *testing.T) {
	// Arrange
	reg := registry.New()
	require.NoError(t, reg.Register(wire.MethodDescriptor{
		ServiceName: "Echo", MethodName: "Call",
		Invoke: func(_ context.Context, args []byte, _ []byte) ([]byte, error) {
			return args, nil
		},
	}))
	reg.Freeze()

	codec := baidustd.New()
	factory := DefaultCodecFactory([]protocol.Codec{codec}, nil, nil)
	srv := New(reg, zap.NewNop(), factory, time.Second)

	srvConn, cliConn := net.Pipe()
	defer cliConn.Close()
	done := make(chan struct{})
	go func() {
		srv.handleConn(context.Background(), srvConn)
		close(done)
	}()

	encoded, err := codec.EncodeRequest(&wire.Request{LogID: 1, ServiceName: "Echo", MethodName: "Call", Args: []byte("ping")})
	require.NoError(t, err)

	// Act
	writeErrCh := make(chan error, 1)
	go func() {
		_, werr := cliConn.Write(encoded)
		writeErrCh <- werr
	}()

	header := make([]byte, 12)
	_, err = readFull(cliConn, header)
	require.NoError(t, err)
	bodySize := binary.BigEndian.Uint32(header[4:8])
	rest := make([]byte, bodySize)
	_, err = readFull(cliConn, rest)
	require.NoError(t, err)
	require.NoError(t, <-writeErrCh)

	full := append(header, rest...)
	acc := buffer.New()
	acc.AppendSlice(full)
	raw, err := codec.Decode(context.Background(), acc)
	require.NoError(t, err)
	resp, err := codec.DecodeResponse(raw, protocol.ConnContext{})
	raw.Release()

	// Assert
	require.NoError(t, err)
	assert.True(t, resp.Succeeded())
	assert.Equal(t, []byte("ping"), resp.Result)

	cliConn.Close()
	<-done
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
