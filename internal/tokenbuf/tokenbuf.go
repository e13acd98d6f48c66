// Package tokenbuf implements the bounded retired-token buffer (§4.3): a
// single-writer, single-reader FIFO that both delays resolution (so the
// matcher can consult following tokens) and serves as the substrate for
// back-propagation, which mutates buffered tokens in place rather than
// through external references (§9 "Cyclic ownership").
package tokenbuf

import "github.com/fireperf/tracerv/internal/token"

// Buffer is a bounded-intent FIFO of *token.Token. Tokens are stored by
// pointer so that back-propagation can stamp a buffered token's resolution
// fields without the caller re-inserting it.
//
// Buffer is not safe for concurrent use; the pipeline is single-threaded
// cooperative (§5).
type Buffer struct {
	capacity int
	data     []*token.Token
	head     int // index of the oldest element within data
}

// New creates a Buffer with the given target capacity (BUFFER_SIZE, design
// default 2048). Capacity is advisory: Push never refuses a token; it is the
// caller's responsibility (the dispatcher/matcher loop) to pop once Len
// reaches capacity, per §4.4's "called after the token is appended ... and
// the buffer has reached BUFFER_SIZE".
func New(capacity int) *Buffer {
	return &Buffer{capacity: capacity, data: make([]*token.Token, 0, capacity)}
}

// Capacity returns the configured BUFFER_SIZE.
func (b *Buffer) Capacity() int { return b.capacity }

// Len returns the number of tokens currently buffered.
func (b *Buffer) Len() int { return len(b.data) - b.head }

// Push appends t to the back of the buffer.
func (b *Buffer) Push(t *token.Token) {
	b.data = append(b.data, t)
	// Reclaim the dead prefix once it dominates the live region, so a
	// long-running pipeline does not grow its backing array unboundedly.
	if b.head > 0 && b.head >= len(b.data)/2 {
		b.compact()
	}
}

// Front returns the oldest buffered token without removing it, or nil if
// the buffer is empty.
func (b *Buffer) Front() *token.Token {
	if b.Len() == 0 {
		return nil
	}
	return b.data[b.head]
}

// Pop removes and returns the oldest buffered token, or nil if empty.
func (b *Buffer) Pop() *token.Token {
	if b.Len() == 0 {
		return nil
	}
	t := b.data[b.head]
	b.data[b.head] = nil
	b.head++
	return t
}

// compact discards the already-popped prefix of the backing array.
func (b *Buffer) compact() {
	remaining := copy(b.data, b.data[b.head:])
	b.data = b.data[:remaining]
	b.head = 0
}

// Neighbors returns up to limit buffered tokens, oldest-first, for which
// filter returns true. It never returns more than the buffer currently
// holds. Used by the matcher's multi-instruction disambiguation (§4.4 step
// 5) to gather corroborating tokens after the token under resolution has
// already been popped.
func (b *Buffer) Neighbors(limit int, filter func(*token.Token) bool) []*token.Token {
	var out []*token.Token
	for i := b.head; i < len(b.data) && len(out) < limit; i++ {
		if filter(b.data[i]) {
			out = append(out, b.data[i])
		}
	}
	return out
}

// ScanMutate calls fn for every currently buffered token, in FIFO order. fn
// may mutate the token in place (it holds the same pointer stored in the
// buffer); this is the back-propagation primitive (§4.4 step 6, §9).
func (b *Buffer) ScanMutate(fn func(*token.Token)) {
	for i := b.head; i < len(b.data); i++ {
		fn(b.data[i])
	}
}

// Drain pops every remaining token and returns them in FIFO order, without
// resolving them.
func (b *Buffer) Drain() []*token.Token {
	out := make([]*token.Token, 0, b.Len())
	for t := b.Pop(); t != nil; t = b.Pop() {
		out = append(out, t)
	}
	return out
}
