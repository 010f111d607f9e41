// Package httpjson implements the HTTP/1.1 JSON and Protobuf-over-HTTP
// codec: requests and responses are framed as ordinary HTTP/1.1 messages
// (status line or request line, headers, body), with the RPC call encoded
// as a path ("/ServiceName/MethodName") and a JSON or binary-protobuf body
// selected by Content-Type.
package httpjson

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/nexrpc/nexrpc/pkg/buffer"
	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

// ContentTypeJSON and ContentTypeProtobuf are the two body encodings this
// codec recognizes via the Content-Type header.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/proto"
)

// LogIDHeader carries the correlation id HTTP has no native slot for.
const LogIDHeader = "X-Nexrpc-Log-Id"

// Codec implements protocol.Codec for plain HTTP/1.1 requests.
type Codec struct{}

// New returns an HTTP/1.1 JSON/Protobuf codec.
func New() *Codec { return &Codec{} }

func (c *Codec) ID() protocol.ID { return protocol.HTTP }

// httpMethodPrefixes lists the request-line verbs that identify an HTTP/1.1
// stream; detection never needs to parse past the first line.
var httpMethodPrefixes = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("PATCH "), []byte("HEAD "), []byte("OPTIONS "),
}

// Decode reads one complete HTTP/1.1 request or response out of acc.
// Detection is by request-line verb prefix, or by the "HTTP/1." prefix of a
// status line; framing completeness is whatever http.ReadRequest's or
// http.ReadResponse's incremental reader reports as io.ErrUnexpectedEOF/EOF
// (in the header block or the body), which this codec maps to
// errs.NotEnoughData so the framing engine can keep waiting for more bytes
// on an otherwise-valid HTTP candidate.
func (c *Codec) Decode(_ context.Context, acc *buffer.Store) (*wire.RawPacket, error) {
	head, err := acc.Peek(min(acc.ReadableBytes(), 8))
	if err != nil || len(head) == 0 {
		return nil, errs.New(errs.NotEnoughData, "httpjson.Decode", nil)
	}
	isResponse := bytes.HasPrefix(head, []byte("HTTP/1."))
	matched := isResponse
	for _, p := range httpMethodPrefixes {
		if bytes.HasPrefix(head, p) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, errs.New(errs.BadSchema, "httpjson.Decode",
			fmt.Errorf("no recognized HTTP/1.1 request-line verb or status line"))
	}

	raw, err := acc.Peek(acc.ReadableBytes())
	if err != nil {
		return nil, errs.New(errs.NotEnoughData, "httpjson.Decode", nil)
	}

	br := bufio.NewReader(bytes.NewReader(raw))
	var bodyReader io.Reader
	if isResponse {
		var resp *http.Response
		if resp, err = http.ReadResponse(br, nil); err == nil {
			bodyReader = resp.Body
		}
	} else {
		var req *http.Request
		if req, err = http.ReadRequest(br); err == nil {
			bodyReader = req.Body
		}
	}
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errs.New(errs.NotEnoughData, "httpjson.Decode", nil)
		}
		return nil, errs.New(errs.BadSchema, "httpjson.Decode", err)
	}

	body, err := io.ReadAll(bodyReader)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errs.New(errs.NotEnoughData, "httpjson.Decode", nil)
		}
		return nil, errs.New(errs.BadSchema, "httpjson.Decode", err)
	}

	consumed := headerLen(raw) + len(body)
	if acc.ReadableBytes() < consumed {
		return nil, errs.New(errs.NotEnoughData, "httpjson.Decode", nil)
	}
	if consumed > protocol.MaxBodySize {
		return nil, errs.New(errs.TooBigData, "httpjson.Decode",
			fmt.Errorf("request size %d exceeds max %d", consumed, protocol.MaxBodySize))
	}

	headerBuf, err := acc.ReadRetainedSlice(headerLen(raw))
	if err != nil {
		return nil, errs.New(errs.NotEnoughData, "httpjson.Decode", err)
	}
	bodyBuf, err := acc.ReadRetainedSlice(len(body))
	if err != nil {
		headerBuf.Release()
		return nil, errs.New(errs.NotEnoughData, "httpjson.Decode", err)
	}

	return &wire.RawPacket{MetaBuf: headerBuf, BodyBuf: bodyBuf}, nil
}

// headerLen returns the byte offset of the blank line terminating the
// HTTP header block (CRLFCRLF), i.e. where the body begins.
func headerLen(raw []byte) int {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	return len(raw)
}

func (c *Codec) DecodeRequest(raw *wire.RawPacket) (*wire.Request, error) {
	header := raw.MetaBuf.Bytes()
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(header)))
	requestLine, err := tp.ReadLine()
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "httpjson.DecodeRequest", err)
	}
	parts := strings.SplitN(requestLine, " ", 3)
	if len(parts) < 2 {
		return nil, errs.New(errs.BadSchema, "httpjson.DecodeRequest",
			fmt.Errorf("malformed request line %q", requestLine))
	}
	path := strings.TrimPrefix(parts[1], "/")
	service, method, ok := strings.Cut(path, "/")
	if !ok {
		return nil, errs.New(errs.BadSchema, "httpjson.DecodeRequest",
			fmt.Errorf("path %q is not /Service/Method", parts[1]))
	}

	hdr, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, errs.New(errs.SerializationFailure, "httpjson.DecodeRequest", err)
	}

	req := &wire.Request{
		ServiceName: service,
		MethodName:  method,
		Args:        raw.BodyBuf.Bytes(),
		ContentType: firstContentType(hdr.Get("Content-Type")),
	}
	if v := hdr.Get(LogIDHeader); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			req.LogID = n
		}
	}
	if kv := extractKVAttachment(hdr); len(kv) > 0 {
		req.KVAttachment = kv
	}
	return req, nil
}

func (c *Codec) DecodeResponse(raw *wire.RawPacket, _ protocol.ConnContext) (*wire.Response, error) {
	header := raw.MetaBuf.Bytes()
	body := raw.BodyBuf.Bytes()
	full := make([]byte, 0, len(header)+len(body))
	full = append(full, header...)
	full = append(full, body...)
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(full)), nil)
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "httpjson.DecodeResponse", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.SerializationFailure, "httpjson.DecodeResponse", err)
	}

	out := &wire.Response{Result: respBody, ContentType: firstContentType(resp.Header.Get("Content-Type"))}
	if resp.StatusCode != http.StatusOK {
		out.ErrorCode = wire.ErrorCodeServiceException
		out.ErrorText = resp.Status
	}
	if v := resp.Header.Get(LogIDHeader); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			out.LogID = n
		}
	}
	return out, nil
}

// extractKVAttachment surfaces any X-Nexrpc-Kv-* headers as the request's
// key/value attachment, mirroring the length-prefixed protocols' side
// channel for metadata that doesn't belong in the method's argument type.
func extractKVAttachment(hdr textproto.MIMEHeader) map[string]string {
	const prefix = "X-Nexrpc-Kv-"
	kv := map[string]string{}
	for k, v := range hdr {
		if strings.HasPrefix(k, prefix) && len(v) > 0 {
			kv[strings.TrimPrefix(k, prefix)] = v[0]
		}
	}
	return kv
}

// contentTypeOrDefault returns ct unchanged unless it's empty, in which
// case the codec's default (JSON) applies; supports both the JSON and
// Protobuf-over-HTTP variants this codec advertises via ContentTypeJSON
// and ContentTypeProtobuf.
func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return ContentTypeJSON
	}
	return ct
}

// firstContentType strips any "; charset=..." parameter a peer's
// Content-Type header may carry, keeping only the media type httpjson
// itself cares about distinguishing (JSON vs Protobuf).
func firstContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

func (c *Codec) EncodeRequest(req *wire.Request) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "POST /%s/%s HTTP/1.1\r\n", req.ServiceName, req.MethodName)
	fmt.Fprintf(&buf, "Content-Type: %s\r\n", contentTypeOrDefault(req.ContentType))
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(req.Args))
	fmt.Fprintf(&buf, "%s: %d\r\n", LogIDHeader, req.LogID)
	for k, v := range req.KVAttachment {
		fmt.Fprintf(&buf, "X-Nexrpc-Kv-%s: %s\r\n", k, v)
	}
	buf.WriteString("\r\n")
	buf.Write(req.Args)
	return buf.Bytes(), nil
}

func (c *Codec) EncodeResponse(resp *wire.Response) ([]byte, error) {
	var buf bytes.Buffer
	status := "200 OK"
	if !resp.Succeeded() {
		status = "500 Internal Server Error"
	}
	fmt.Fprintf(&buf, "HTTP/1.1 %s\r\n", status)
	fmt.Fprintf(&buf, "Content-Type: %s\r\n", contentTypeOrDefault(resp.ContentType))
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(resp.Result))
	fmt.Fprintf(&buf, "%s: %d\r\n", LogIDHeader, resp.LogID)
	buf.WriteString("\r\n")
	buf.Write(resp.Result)
	return buf.Bytes(), nil
}
