// Package baidustd instantiates the length-prefixed codec family for the
// Baidu-std wire format: magic "PRPC", big-endian size fields, methods
// addressed by name.
package baidustd

import (
	"encoding/binary"

	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/protocol/lengthprefixed"
)

// Magic is the four-byte Baidu-std frame marker.
var Magic = [4]byte{'P', 'R', 'P', 'C'}

// New returns a codec implementing Baidu-std framing.
func New() *lengthprefixed.Codec {
	return lengthprefixed.New(protocol.BaiduStd, Magic, binary.BigEndian, lengthprefixed.ByName)
}
