// Package framing implements the per-connection framing engine: it feeds
// bytes into a buffer.Store, tries each candidate protocol.Codec in turn
// until one succeeds, and latches the connection onto that codec for
// every subsequent packet (protocol auto-detection is a one-shot decision
// per connection, never re-evaluated after the first successful decode).
package framing

import (
	"context"

	"github.com/nexrpc/nexrpc/pkg/buffer"
	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/protocol"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

// bindState is the connection's detection state machine position.
type bindState int

const (
	unbound bindState = iota
	bound
	fatal
)

// Engine drives protocol detection and packet extraction for one
// connection. It is not safe for concurrent use; a connection is read by
// exactly one goroutine.
type Engine struct {
	acc        *buffer.Store
	candidates []protocol.Codec
	state      bindState
	codec      protocol.Codec
}

// New builds an Engine that will try candidates, in order, against the
// first bytes it sees, and latch onto whichever one first returns a
// packet instead of errs.NotEnoughData or errs.BadSchema.
func New(candidates []protocol.Codec) *Engine {
	return &Engine{acc: buffer.New(), candidates: candidates, state: unbound}
}

// Feed appends newly-read bytes from the connection.
func (e *Engine) Feed(data []byte) {
	e.acc.AppendSlice(data)
}

// Next attempts to extract one decoded packet from the accumulated bytes.
// It returns (nil, nil, errs.NotEnoughData) when more bytes are needed —
// not a real error, just "call Feed and try again" — and a fatal error of
// any other kind if the connection can no longer be framed at all (e.g.
// every candidate rejected the bytes, or the bound codec hit a schema
// error after latching).
func (e *Engine) Next(ctx context.Context) (*wire.RawPacket, protocol.Codec, error) {
	switch e.state {
	case fatal:
		return nil, nil, errs.New(errs.BadSchema, "framing.Next", nil)

	case bound:
		raw, err := e.codec.Decode(ctx, e.acc)
		if err != nil {
			if errs.Is(err, errs.NotEnoughData) {
				return nil, nil, err
			}
			e.state = fatal
			return nil, nil, err
		}
		return raw, e.codec, nil

	default: // unbound
		return e.tryCandidates(ctx)
	}
}

// tryCandidates runs every still-live candidate against the accumulated
// bytes. A candidate that returns errs.BadSchema is permanently eliminated
// (the connection's first bytes can never match it, however many more
// bytes arrive); one that returns errs.NotEnoughData stays live. The
// first candidate to succeed wins and latches the connection.
func (e *Engine) tryCandidates(ctx context.Context) (*wire.RawPacket, protocol.Codec, error) {
	live := e.candidates[:0:0]
	var raw *wire.RawPacket
	var winner protocol.Codec

	for _, cand := range e.candidates {
		r, err := cand.Decode(ctx, e.acc)
		if err == nil {
			raw, winner = r, cand
			break
		}
		if errs.Is(err, errs.TooBigData) {
			// Unconditionally fatal, even while still unbound: an oversize
			// declared size is a protocol violation regardless of which
			// candidate reported it.
			e.state = fatal
			return nil, nil, err
		}
		if errs.Is(err, errs.NotEnoughData) {
			live = append(live, cand)
			continue
		}
		// BadSchema or anything else: this candidate is dead for the life
		// of the connection.
	}

	if winner != nil {
		e.codec = winner
		e.state = bound
		e.candidates = nil
		return raw, winner, nil
	}

	e.candidates = live
	if len(live) == 0 {
		e.state = fatal
		return nil, nil, errs.New(errs.BadSchema, "framing.Next",
			errNoCandidateMatched)
	}
	return nil, nil, errs.New(errs.NotEnoughData, "framing.Next", nil)
}

var errNoCandidateMatched = errNoMatch{}

type errNoMatch struct{}

func (errNoMatch) Error() string { return "framing: no candidate protocol matched the connection" }

// BoundProtocol reports the protocol this connection latched onto, or
// ("", false) if detection hasn't completed yet.
func (e *Engine) BoundProtocol() (protocol.ID, bool) {
	if e.state != bound {
		return "", false
	}
	return e.codec.ID(), true
}
