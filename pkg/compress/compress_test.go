package compress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

func TestLookup_UnknownCompressType(t *testing.T) {
	// Act
	_, err := Lookup(wire.CompressType(99))

	// Assert
	assert.True(t, errs.Is(err, errs.SerializationFailure))
}

func TestRoundTrip_AllRegisteredCodecs(t *testing.T) {
	msg := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, repeated for compressibility")

	for _, ct := range []wire.CompressType{wire.CompressNone, wire.CompressSnappy, wire.CompressGzip, wire.CompressZlib} {
		ct := ct
		t.Run(string(rune(ct)), func(t *testing.T) {
			// Arrange
			codec, err := Lookup(ct)
			require.NoError(t, err)

			// Act
			compressed, err := codec.Compress(msg)
			require.NoError(t, err)
			decompressed, err := codec.Decompress(compressed)
			require.NoError(t, err)

			// Assert
			assert.Equal(t, msg, decompressed)
		})
	}
}

func TestNoneCodec_IsPassthrough(t *testing.T) {
	// Arrange
	codec, err := Lookup(wire.CompressNone)
	require.NoError(t, err)
	msg := []byte("unchanged")

	// Act
	out, err := codec.Compress(msg)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}
