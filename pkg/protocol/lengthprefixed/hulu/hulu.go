// Package hulu instantiates the length-prefixed codec family for the Hulu
// wire format: magic "HULU", little-endian size fields, methods addressed
// by numeric index.
package hulu

import (
	"encoding/binary"

	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/protocol/lengthprefixed"
)

// Magic is the four-byte Hulu frame marker.
var Magic = [4]byte{'H', 'U', 'L', 'U'}

// New returns a codec implementing Hulu framing.
func New() *lengthprefixed.Codec {
	return lengthprefixed.New(protocol.Hulu, Magic, binary.LittleEndian, lengthprefixed.ByIndex)
}
