// Package sofa instantiates the length-prefixed codec family for the SoFa
// wire format: magic "SOFA", little-endian size fields, methods addressed
// by name.
package sofa

import (
	"encoding/binary"

	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/protocol/lengthprefixed"
)

// Magic is the four-byte SoFa frame marker.
var Magic = [4]byte{'S', 'O', 'F', 'A'}

// New returns a codec implementing SoFa framing.
func New() *lengthprefixed.Codec {
	return lengthprefixed.New(protocol.SoFa, Magic, binary.LittleEndian, lengthprefixed.ByName)
}
