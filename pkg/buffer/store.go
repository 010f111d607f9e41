// Package buffer implements the zero-copy composite byte buffer shared by
// every protocol codec and the framing engine. A Store accumulates bytes
// appended from a connection and hands out slices of its own backing
// arrays — never copies — tracking ownership with reference counts so a
// slice can be handed to user code (e.g. an attachment) without the codec
// needing to know when it's safe to reuse the memory.
package buffer

import (
	"errors"
	"sync/atomic"
)

// ErrNotEnoughData is returned by any read that requests more bytes than
// are currently readable. It never advances the Store's cursor.
var ErrNotEnoughData = errors.New("buffer: not enough data")

// chunk is one appended slice plus its shared refcount.
type chunk struct {
	data []byte
	refs *int32
}

// Store is a composite buffer: a queue of chunks plus a read cursor into
// the first chunk. It is not safe for concurrent use — per spec, the
// framing engine that owns a Store is driven single-threaded per
// connection.
type Store struct {
	chunks []chunk
	cursor int // offset into chunks[0].data already consumed
	size   int // total readable bytes across all chunks
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// AppendSlice appends data (not copied) as a new chunk with an initial
// refcount of 1.
func (s *Store) AppendSlice(data []byte) {
	if len(data) == 0 {
		return
	}
	refs := int32(1)
	s.chunks = append(s.chunks, chunk{data: data, refs: &refs})
	s.size += len(data)
}

// ReadableBytes returns the number of bytes currently available to read.
func (s *Store) ReadableBytes() int { return s.size }

// Peek returns the next n bytes without consuming them. The returned slice
// is only valid until the next mutating call on s (it may span multiple
// chunks, in which case it is copied into a fresh slice); callers that need
// a stable, long-lived reference should use ReadRetainedSlice instead.
func (s *Store) Peek(n int) ([]byte, error) {
	if n > s.size {
		return nil, ErrNotEnoughData
	}
	if n == 0 {
		return nil, nil
	}
	// Fast path: entirely within the first chunk.
	if len(s.chunks) > 0 {
		first := s.chunks[0].data[s.cursor:]
		if len(first) >= n {
			return first[:n], nil
		}
	}
	out := make([]byte, 0, n)
	remaining := n
	cursor := s.cursor
	for _, c := range s.chunks {
		avail := c.data[cursor:]
		cursor = 0
		if remaining <= len(avail) {
			out = append(out, avail[:remaining]...)
			break
		}
		out = append(out, avail...)
		remaining -= len(avail)
	}
	return out, nil
}

// Skip discards n readable bytes without returning them, dropping
// refcounts on any chunk fully consumed.
func (s *Store) Skip(n int) error {
	if n > s.size {
		return ErrNotEnoughData
	}
	s.size -= n
	for n > 0 {
		c := &s.chunks[0]
		avail := len(c.data) - s.cursor
		if n < avail {
			s.cursor += n
			return nil
		}
		n -= avail
		s.release(0)
		s.chunks = s.chunks[1:]
		s.cursor = 0
	}
	return nil
}

// ReadRetainedSlice consumes n bytes and returns them as a Retained slice
// whose backing array is never copied (unless the run spans multiple
// chunks, in which case one copy is unavoidable to present a contiguous
// view). The returned Retained's refcount starts at 1; Release must be
// called exactly once.
func (s *Store) ReadRetainedSlice(n int) (Retained, error) {
	r, err := s.retainedSliceAt(0, n, true)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RetainedSlice returns a Retained view of n bytes starting offset bytes
// into the readable region, without consuming anything. Use ReadRetainedSlice
// to consume, or follow this with Skip(offset+n).
func (s *Store) RetainedSlice(offset, n int) (Retained, error) {
	return s.retainedSliceAt(offset, n, false)
}

func (s *Store) retainedSliceAt(offset, n int, consume bool) (Retained, error) {
	if offset+n > s.size {
		return nil, ErrNotEnoughData
	}
	if n == 0 {
		if consume {
			if err := s.Skip(offset); err != nil {
				return nil, err
			}
		}
		return &retained{}, nil
	}

	// Locate the chunk containing the start of the requested window.
	cursor := s.cursor
	idx := 0
	skip := offset
	for skip > 0 {
		avail := len(s.chunks[idx].data) - cursor
		if skip < avail {
			cursor += skip
			break
		}
		skip -= avail
		idx++
		cursor = 0
	}

	first := s.chunks[idx]
	avail := first.data[cursor:]
	var out []byte
	var owner *chunk
	if len(avail) >= n {
		out = avail[:n]
		owner = &first
	} else {
		buf := make([]byte, 0, n)
		remaining := n
		c := cursor
		for i := idx; remaining > 0; i++ {
			chAvail := s.chunks[i].data[c:]
			c = 0
			if remaining <= len(chAvail) {
				buf = append(buf, chAvail[:remaining]...)
				break
			}
			buf = append(buf, chAvail...)
			remaining -= len(chAvail)
		}
		out = buf
	}

	var r *retained
	if owner != nil {
		atomic.AddInt32(owner.refs, 1)
		r = &retained{data: out, refs: owner.refs}
	} else {
		// Copied buffer: owns its own independent refcount.
		refs := int32(1)
		r = &retained{data: out, refs: &refs}
	}

	if consume {
		if err := s.Skip(offset + n); err != nil {
			r.Release()
			return nil, err
		}
	}
	return r, nil
}

func (s *Store) release(i int) {
	if atomic.AddInt32(s.chunks[i].refs, -1) < 0 {
		panic("buffer: refcount released more than once")
	}
}

// retained is the concrete Retained implementation: a byte slice plus a
// shared refcount pointer.
type retained struct {
	data []byte
	refs *int32
}

func (r *retained) Bytes() []byte { return r.data }

func (r *retained) Retain() {
	if r.refs != nil {
		atomic.AddInt32(r.refs, 1)
	}
}

func (r *retained) Release() {
	if r.refs == nil {
		return
	}
	if atomic.AddInt32(r.refs, -1) < 0 {
		panic("buffer: refcount released more than once")
	}
}

// Retained is the ownership contract codecs use to hand slices to callers
// without copying: Bytes returns the backing slice, Retain bumps the
// refcount (e.g. when handing ownership to two consumers), Release drops
// it. A reference count must reach zero exactly once per packet.
type Retained interface {
	Bytes() []byte
	Retain()
	Release()
}
