// Package metapb encodes and decodes the protobuf meta block shared by the
// length-prefixed codec family (Baidu-std, Hulu, SoFa). The meta block is a
// small, stable message; rather than carry a generated *.pb.go (no protoc
// toolchain is available in this environment) it is hand-encoded against
// the wire format protoc-gen-go would produce, using the same low-level
// varint/tag primitives protobuf-go exposes for exactly this purpose.
package metapb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// RequestMeta is the request-side RpcMeta message.
//
//	message RpcRequestMeta {
//	  int64  correlation_id  = 1;
//	  int32  compress_type   = 2;
//	  string service_name    = 3;
//	  string method_name     = 4;  // Baidu-std
//	  int32  method_index    = 5;  // Hulu, -1 when unset
//	  int64  user_message_size = 6;
//	  uint64 trace_id        = 7;
//	  uint64 span_id         = 8;
//	  uint64 parent_span_id  = 9;
//	  int64  log_id          = 10;
type RequestMeta struct {
	CorrelationID   int64
	CompressType    int32
	ServiceName     string
	MethodName      string
	MethodIndex     int32 // -1 means "not set"
	UserMessageSize int64
	TraceID         uint64
	SpanID          uint64
	ParentSpanID    uint64
	LogID           int64
}

// ResponseMeta is the response-side RpcMeta message.
//
//	message RpcResponseMeta {
//	  int64  correlation_id = 1;
//	  int32  compress_type  = 2;
//	  int32  error_code     = 3;
//	  string error_text     = 4;
//	  int64  user_message_size = 5;
//	  int64  log_id         = 6;
type ResponseMeta struct {
	CorrelationID   int64
	CompressType    int32
	ErrorCode       int32
	ErrorText       string
	UserMessageSize int64
	LogID           int64
}

const (
	reqFieldCorrelationID = 1
	reqFieldCompressType  = 2
	reqFieldServiceName   = 3
	reqFieldMethodName    = 4
	reqFieldMethodIndex   = 5
	reqFieldUserMsgSize   = 6
	reqFieldTraceID       = 7
	reqFieldSpanID        = 8
	reqFieldParentSpanID  = 9
	reqFieldLogID         = 10
)

// MarshalRequest encodes m using protobuf's standard varint/length-delimited
// wire types.
func MarshalRequest(m *RequestMeta) []byte {
	var b []byte
	b = protowire.AppendTag(b, reqFieldCorrelationID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CorrelationID))
	b = protowire.AppendTag(b, reqFieldCompressType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CompressType))
	if m.ServiceName != "" {
		b = protowire.AppendTag(b, reqFieldServiceName, protowire.BytesType)
		b = protowire.AppendString(b, m.ServiceName)
	}
	if m.MethodName != "" {
		b = protowire.AppendTag(b, reqFieldMethodName, protowire.BytesType)
		b = protowire.AppendString(b, m.MethodName)
	}
	if m.MethodIndex >= 0 {
		b = protowire.AppendTag(b, reqFieldMethodIndex, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MethodIndex))
	}
	if m.UserMessageSize > 0 {
		b = protowire.AppendTag(b, reqFieldUserMsgSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.UserMessageSize))
	}
	if m.TraceID != 0 {
		b = protowire.AppendTag(b, reqFieldTraceID, protowire.VarintType)
		b = protowire.AppendVarint(b, m.TraceID)
	}
	if m.SpanID != 0 {
		b = protowire.AppendTag(b, reqFieldSpanID, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SpanID)
	}
	if m.ParentSpanID != 0 {
		b = protowire.AppendTag(b, reqFieldParentSpanID, protowire.VarintType)
		b = protowire.AppendVarint(b, m.ParentSpanID)
	}
	b = protowire.AppendTag(b, reqFieldLogID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.LogID))
	return b
}

// UnmarshalRequest decodes a RequestMeta from b.
func UnmarshalRequest(b []byte) (*RequestMeta, error) {
	m := &RequestMeta{MethodIndex: -1}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("metapb: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case reqFieldCorrelationID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad correlation_id")
			}
			m.CorrelationID = int64(v)
			b = b[n:]
		case reqFieldCompressType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad compress_type")
			}
			m.CompressType = int32(v)
			b = b[n:]
		case reqFieldServiceName:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad service_name")
			}
			m.ServiceName = string(v)
			b = b[n:]
		case reqFieldMethodName:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad method_name")
			}
			m.MethodName = string(v)
			b = b[n:]
		case reqFieldMethodIndex:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad method_index")
			}
			m.MethodIndex = int32(v)
			b = b[n:]
		case reqFieldUserMsgSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad user_message_size")
			}
			m.UserMessageSize = int64(v)
			b = b[n:]
		case reqFieldTraceID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad trace_id")
			}
			m.TraceID = v
			b = b[n:]
		case reqFieldSpanID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad span_id")
			}
			m.SpanID = v
			b = b[n:]
		case reqFieldParentSpanID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad parent_span_id")
			}
			m.ParentSpanID = v
			b = b[n:]
		case reqFieldLogID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad log_id")
			}
			m.LogID = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad unknown field %d", num)
			}
			b = b[n:]
		}
	}
	return m, nil
}

const (
	respFieldCorrelationID = 1
	respFieldCompressType  = 2
	respFieldErrorCode     = 3
	respFieldErrorText     = 4
	respFieldUserMsgSize   = 5
	respFieldLogID         = 6
)

// MarshalResponse encodes m.
func MarshalResponse(m *ResponseMeta) []byte {
	var b []byte
	b = protowire.AppendTag(b, respFieldCorrelationID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CorrelationID))
	b = protowire.AppendTag(b, respFieldCompressType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CompressType))
	b = protowire.AppendTag(b, respFieldErrorCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ErrorCode))
	if m.ErrorText != "" {
		b = protowire.AppendTag(b, respFieldErrorText, protowire.BytesType)
		b = protowire.AppendString(b, m.ErrorText)
	}
	if m.UserMessageSize > 0 {
		b = protowire.AppendTag(b, respFieldUserMsgSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.UserMessageSize))
	}
	b = protowire.AppendTag(b, respFieldLogID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.LogID))
	return b
}

// UnmarshalResponse decodes a ResponseMeta from b.
func UnmarshalResponse(b []byte) (*ResponseMeta, error) {
	m := &ResponseMeta{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("metapb: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case respFieldCorrelationID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad correlation_id")
			}
			m.CorrelationID = int64(v)
			b = b[n:]
		case respFieldCompressType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad compress_type")
			}
			m.CompressType = int32(v)
			b = b[n:]
		case respFieldErrorCode:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad error_code")
			}
			m.ErrorCode = int32(v)
			b = b[n:]
		case respFieldErrorText:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad error_text")
			}
			m.ErrorText = string(v)
			b = b[n:]
		case respFieldUserMsgSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad user_message_size")
			}
			m.UserMessageSize = int64(v)
			b = b[n:]
		case respFieldLogID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad log_id")
			}
			m.LogID = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("metapb: bad unknown field %d", num)
			}
			b = b[n:]
		}
	}
	return m, nil
}
