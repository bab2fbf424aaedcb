package audio

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
)

var (
	// ErrQueueEnded is returned by [Queue.Push] once [Queue.End] has been called.
	ErrQueueEnded = errors.New("audio: queue already ended")

	// ErrDrained is returned by [Queue.Pull] after the end-of-stream marker has
	// been observed. The queue is never read again once drained.
	ErrDrained = errors.New("audio: queue already drained")
)

// Queue is an unbounded FIFO of raw PCM chunks terminated by a single
// end-of-stream marker. It has one producer (an ingress adapter) and one
// consumer (the relay send direction). Push never blocks and never drops.
//
// A Queue serves exactly one session and must be discarded with it.
type Queue struct {
	mu      sync.Mutex
	items   [][]byte
	ended   bool
	drained bool

	// wake holds at most one pending notification for the consumer.
	wake chan struct{}
}

// NewQueue returns an empty [Queue].
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push appends chunk to the queue. Zero-length chunks are valid and are
// delivered like any other chunk. Push returns [ErrQueueEnded] if the
// end-of-stream marker has already been enqueued.
func (q *Queue) Push(chunk []byte) error {
	q.mu.Lock()
	if q.ended {
		q.mu.Unlock()
		return ErrQueueEnded
	}
	q.items = append(q.items, chunk)
	q.mu.Unlock()
	q.notify()
	return nil
}

// End enqueues the end-of-stream marker. Only the first call has an effect;
// End reports whether this call was the one that enqueued it.
func (q *Queue) End() bool {
	q.mu.Lock()
	if q.ended {
		q.mu.Unlock()
		return false
	}
	q.ended = true
	q.mu.Unlock()
	q.notify()
	return true
}

// Pull removes and returns the oldest chunk, blocking until one is available.
// It returns io.EOF when the end-of-stream marker is reached, [ErrDrained] on
// every call after that, and ctx.Err() if ctx is done first.
func (q *Queue) Pull(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if q.drained {
			q.mu.Unlock()
			return nil, ErrDrained
		}
		if len(q.items) > 0 {
			chunk := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return chunk, nil
		}
		if q.ended {
			q.drained = true
			q.mu.Unlock()
			return nil, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Chunks returns a lazy, single-pass view of the queue. The sequence ends at
// the end-of-stream marker or when ctx is done; callers distinguish the two by
// checking ctx.Err() after ranging. A queue whose marker was already consumed
// yields an empty sequence.
func (q *Queue) Chunks(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			chunk, err := q.Pull(ctx)
			if err != nil {
				return
			}
			if !yield(chunk) {
				return
			}
		}
	}
}

// Len returns the number of chunks waiting to be pulled.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ended reports whether the end-of-stream marker has been enqueued.
func (q *Queue) Ended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ended
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
