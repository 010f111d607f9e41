// Package dispatch implements the dispatch adapter: it turns a decoded
// wire.Request into an invocation against the registry, turns whatever
// comes back into a wire.Response, and owns the buffer lifecycle for
// exactly one request/response pair.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/registry"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

// kvAttachmentKey is the context key the attachment's key/value metadata
// is published under, for handlers that need out-of-band fields (trace
// headers, auth tokens) the method's argument type doesn't carry.
type kvAttachmentKey struct{}

// KVAttachment recovers the request's key/value attachment from ctx, if
// the inbound protocol carried one.
func KVAttachment(ctx context.Context) (map[string]string, bool) {
	kv, ok := ctx.Value(kvAttachmentKey{}).(map[string]string)
	return kv, ok
}

// Adapter resolves and invokes registered methods.
type Adapter struct {
	registry *registry.ServiceRegistry
	log      *zap.Logger

	// DefaultTimeout bounds a call's runtime when its request carries no
	// deadline of its own (req.Deadline == 0). Zero means unbounded.
	DefaultTimeout time.Duration
}

// New returns an Adapter backed by reg, using log for per-call
// diagnostics and defaultTimeout as the fallback bound for requests that
// carry no deadline of their own.
func New(reg *registry.ServiceRegistry, log *zap.Logger, defaultTimeout time.Duration) *Adapter {
	return &Adapter{registry: reg, log: log, DefaultTimeout: defaultTimeout}
}

// Session tracks per-connection dispatch state: the set of LogIDs already
// seen on this connection, so a duplicate is rejected as a protocol
// violation rather than invoked a second time. A Session must not be
// shared across connections.
type Session struct {
	adapter *Adapter
	seen    map[uint64]struct{}
}

// NewSession starts a fresh per-connection correlation table backed by a.
func (a *Adapter) NewSession() *Session {
	return &Session{adapter: a, seen: make(map[uint64]struct{})}
}

// Dispatch rejects a LogID already dispatched earlier on this session with
// wire.ErrorCodeLogIDConflict, then delegates to the underlying Adapter.
func (s *Session) Dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	if _, dup := s.seen[req.LogID]; dup {
		logID := req.LogID
		req.Release()
		s.adapter.log.Warn("dispatch: duplicate log id on connection", zap.Uint64("log_id", logID))
		return errorResponse(logID, wire.ErrorCodeLogIDConflict,
			fmt.Sprintf("duplicate log id %d on this connection", logID))
	}
	s.seen[req.LogID] = struct{}{}
	return s.adapter.Dispatch(ctx, req)
}

// Dispatch resolves req against the registry, invokes the method, and
// builds the matching wire.Response. It releases req's attachment
// ownership before returning, having either consumed it into the call's
// context or determined it will never be used (unknown method).
//
// Dispatch never returns a Go error: every failure mode becomes a
// wire.Response carrying the corresponding wire.ErrorCode, because the
// caller still owes the peer a framed reply even when the call itself
// failed.
func (a *Adapter) Dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	defer req.Release()

	desc, ok := a.resolve(req)
	if !ok {
		a.log.Warn("dispatch: unknown method",
			zap.String("service", req.ServiceName), zap.String("method", req.MethodName))
		return errorResponse(req.LogID, wire.ErrorCodeUnknownMethod,
			fmt.Sprintf("unknown method %s/%s", req.ServiceName, req.MethodName))
	}

	callCtx := ctx
	if len(req.KVAttachment) > 0 {
		callCtx = context.WithValue(callCtx, kvAttachmentKey{}, req.KVAttachment)
	}
	timeout := req.Deadline
	if timeout == 0 {
		timeout = a.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, timeout)
		defer cancel()
	}

	result, err := a.invoke(callCtx, desc, req)
	if err != nil {
		if errs.Is(err, errs.Timeout) {
			return errorResponse(req.LogID, wire.ErrorCodeNetwork, "deadline exceeded")
		}
		a.log.Warn("dispatch: service exception",
			zap.String("service", req.ServiceName), zap.String("method", req.MethodName), zap.Error(err))
		return errorResponse(req.LogID, wire.ErrorCodeServiceException, err.Error())
	}

	return &wire.Response{
		LogID:     req.LogID,
		Compress:  req.Compress,
		Result:    result,
		ErrorCode: wire.ErrorCodeSuccess,
	}
}

func (a *Adapter) resolve(req *wire.Request) (*wire.MethodDescriptor, bool) {
	if req.MethodIndex != nil {
		return a.registry.LookupByIndex(req.ServiceName, *req.MethodIndex)
	}
	return a.registry.LookupByName(req.ServiceName, req.MethodName)
}

func (a *Adapter) invoke(ctx context.Context, desc *wire.MethodDescriptor, req *wire.Request) (result []byte, err error) {
	done := make(chan struct{})
	var invokeErr error
	var invokeResult []byte

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				invokeErr = errs.New(errs.ServiceException, "dispatch.invoke", fmt.Errorf("panic: %v", r))
			}
		}()
		invokeResult, invokeErr = desc.Invoke(ctx, req.Args, req.Attachment)
	}()

	select {
	case <-done:
		return invokeResult, invokeErr
	case <-ctx.Done():
		<-done // always let the goroutine finish so invokeResult/invokeErr aren't a data race
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errs.New(errs.Timeout, "dispatch.invoke", ctx.Err())
		}
		return nil, invokeErr
	}
}

func errorResponse(logID uint64, code wire.ErrorCode, text string) *wire.Response {
	return &wire.Response{LogID: logID, ErrorCode: code, ErrorText: text}
}

// DeadlineFromMillis converts a millisecond deadline as carried by the
// length-prefixed protocols' meta block into a time.Duration the dispatch
// adapter understands; zero means "no deadline".
func DeadlineFromMillis(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
