package client

import "github.com/rismo/queryline/protocol"

type result struct {
	resp *protocol.Response
	err  error
}

// pending is one outstanding request awaiting its response: the shape the
// caller expects, a single-slot result channel the caller blocks on, and a
// delivered flag.
//
// The slot is written at most once. The buffered channel means delivery
// never blocks the read loop, and a result delivered after the caller
// abandoned its wait is simply discarded with the pending itself.
type pending struct {
	shape     protocol.Shape
	done      chan result
	delivered bool
}

func newPending(shape protocol.Shape) *pending {
	return &pending{
		shape: shape,
		done:  make(chan result, 1),
	}
}

// deliver fills the result slot and unblocks the waiting caller. The
// connection mutex must be held.
//
// A second delivery means the FIFO correlation invariant broke, which is a
// programming error rather than a protocol error, so it panics instead of
// being ignored.
func (p *pending) deliver(res result) {
	if p.delivered {
		panic("queryline: response delivered twice into the same pending request")
	}

	p.delivered = true
	p.done <- res
}
