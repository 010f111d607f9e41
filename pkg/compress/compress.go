// Package compress implements the compression adapter that sits between
// wire bytes and message objects: a registry from wire.CompressType to an
// (encode, decode) pair.
package compress

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"sync"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/golang/snappy"

	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

// Codec compresses and decompresses already-serialized message bytes. The
// schema serialization itself (proto.Marshal/Unmarshal) happens above this
// layer; NONE still passes through unchanged so every compress type sees
// the same shape of input.
type Codec interface {
	Compress(msg []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var registry = map[wire.CompressType]Codec{
	wire.CompressNone:   noneCodec{},
	wire.CompressSnappy: snappyCodec{},
	wire.CompressGzip:   gzipCodec{},
	wire.CompressZlib:   zlibCodec{},
}

// Lookup returns the Codec registered for ct, or a SERIALIZATION_FAILURE
// error if ct is not one of the known compression codes.
func Lookup(ct wire.CompressType) (Codec, error) {
	c, ok := registry[ct]
	if !ok {
		return nil, errs.New(errs.SerializationFailure, "compress.Lookup", fmt.Errorf("unknown compress type %d", ct))
	}
	return c, nil
}

type noneCodec struct{}

func (noneCodec) Compress(msg []byte) ([]byte, error)   { return msg, nil }
func (noneCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

type snappyCodec struct{}

func (snappyCodec) Compress(msg []byte) ([]byte, error) {
	return snappy.Encode(nil, msg), nil
}

func (snappyCodec) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "snappyCodec.Decompress", err)
	}
	return out, nil
}

// gzipCodec pools klauspost/compress's gzip writer, which the HTTP codec's
// response path favors for its lower allocation overhead versus stdlib.
type gzipCodec struct{}

var gzipWriterPool = sync.Pool{
	New: func() interface{} { return kgzip.NewWriter(io.Discard) },
}

func (gzipCodec) Compress(msg []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzipWriterPool.Get().(*kgzip.Writer)
	defer gzipWriterPool.Put(w)
	w.Reset(&buf)
	if _, err := w.Write(msg); err != nil {
		return nil, errs.New(errs.SerializationFailure, "gzipCodec.Compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.New(errs.SerializationFailure, "gzipCodec.Compress", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := kgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "gzipCodec.Decompress", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "gzipCodec.Decompress", err)
	}
	return out, nil
}

type zlibCodec struct{}

func (zlibCodec) Compress(msg []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(msg); err != nil {
		return nil, errs.New(errs.SerializationFailure, "zlibCodec.Compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.New(errs.SerializationFailure, "zlibCodec.Compress", err)
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "zlibCodec.Decompress", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "zlibCodec.Decompress", err)
	}
	return out, nil
}
