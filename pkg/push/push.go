// Package push implements the server-push adapter: once a client
// connection is established, the server may itself originate calls back
// over that same connection. Roles are inverted relative to the ordinary
// call path, but the wire framing is unchanged, so push correlates calls
// to their replies with LogID-keyed futures instead of the
// bytecode-synthesized proxy classes a reflection-based RPC stack would
// use for this.
package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

// Caller lets server-side code originate a push call against a specific
// connected client and await its reply.
type Caller struct {
	mu      sync.Mutex
	pending map[uint64]chan *wire.Response
	send    func(req *wire.PushRequest) error
	nextID  func() uint64
}

// NewCaller returns a Caller that sends outbound push frames via send.
// send is expected to serialize and write req.PushRequest onto the
// connection the Caller is bound to.
func NewCaller(send func(req *wire.PushRequest) error) *Caller {
	return &Caller{
		pending: make(map[uint64]chan *wire.Response),
		send:    send,
		nextID:  correlationIDGenerator(),
	}
}

// correlationIDGenerator returns a closure producing collision-resistant
// 64-bit correlation ids derived from a UUID, rather than a simple
// incrementing counter a reconnect could replay.
func correlationIDGenerator() func() uint64 {
	return func() uint64 {
		u := uuid.New()
		var v uint64
		for _, b := range u[:8] {
			v = v<<8 | uint64(b)
		}
		return v
	}
}

// Call sends a push request and blocks until the matching response
// arrives or ctx is done.
func (c *Caller) Call(ctx context.Context, methodName string, args []byte) (*wire.Response, error) {
	logID := c.nextID()
	ch := make(chan *wire.Response, 1)

	c.mu.Lock()
	c.pending[logID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, logID)
		c.mu.Unlock()
	}()

	req := &wire.PushRequest{LogID: logID, MethodName: methodName, Args: args}
	if err := c.send(req); err != nil {
		return nil, errs.New(errs.NetworkError, "push.Call", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, errs.New(errs.Timeout, "push.Call", ctx.Err())
	}
}

// Deliver routes a decoded response back to the Call that is waiting on
// its LogID. It reports false if no call is pending for that id — a
// delivery the connection loop should log and drop, not treat as fatal.
func (c *Caller) Deliver(resp *wire.Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.LogID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
		// Slow or abandoned waiter; the buffered slot is already full,
		// meaning a duplicate delivery for the same LogID. Drop it.
	}
	return true
}

// Handler processes an inbound server-push call delivered to the client
// side of a connection.
type Handler func(ctx context.Context, req *wire.PushRequest) (*wire.Response, error)

// Registry maps a push method name to its client-side Handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty push Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under methodName, rejecting a duplicate registration.
func (r *Registry) Register(methodName string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[methodName]; exists {
		return errs.New(errs.BadSchema, "push.Registry.Register",
			fmt.Errorf("duplicate push method %q", methodName))
	}
	r.handlers[methodName] = h
	return nil
}

// Dispatch invokes the handler registered for req.MethodName.
func (r *Registry) Dispatch(ctx context.Context, req *wire.PushRequest) (*wire.Response, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.MethodName]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.BadSchema, "push.Registry.Dispatch",
			fmt.Errorf("unknown push method %q", req.MethodName))
	}
	return h(ctx, req)
}
