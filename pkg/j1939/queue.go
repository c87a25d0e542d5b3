// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

// node is one link of the append-only list. ready is closed once next is set,
// so a reader that observed the close may read next without locking.
type node[T any] struct {
	item  T
	next  *node[T]
	ready chan struct{}
}

func newNode[T any](item T) *node[T] {
	return &node[T]{item: item, ready: make(chan struct{})}
}

// Queue is a single-producer, multi-reader broadcast queue. Every Stream sees
// the items added after its creation, in append order, independently of every
// other stream. The queue only references its tail, so nodes behind the
// slowest live stream are garbage collected.
type Queue[T any] struct {
	mu     sync.Mutex
	tail   *node[T]
	done   chan struct{}
	closed bool
}

// NewQueue creates an empty, open queue
func NewQueue[T any]() *Queue[T] {
	var zero T
	return &Queue[T]{
		tail: newNode(zero),
		done: make(chan struct{}),
	}
}

// Add appends an item and wakes every stream waiting at the old tail.
// It never blocks. Items added after Close are discarded.
func (q *Queue[T]) Add(item T) {
	n := newNode(item)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.tail.next = n
	close(q.tail.ready)
	q.tail = n
}

// Close terminates the queue. Every existing and future stream ends.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close has been called
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Stream returns a stream starting at the current tail whose deadline may be
// extended with ResetTimeout.
func (q *Queue[T]) Stream(timeout time.Duration) *Stream[T] {
	return q.newStream(timeout, true)
}

// FixedStream returns a stream whose deadline cannot be extended
func (q *Queue[T]) FixedStream(timeout time.Duration) *Stream[T] {
	return q.newStream(timeout, false)
}

func (q *Queue[T]) newStream(timeout time.Duration, extendable bool) *Stream[T] {
	q.mu.Lock()
	pos := q.tail
	q.mu.Unlock()

	s := &Stream[T]{
		queue:      q,
		pos:        pos,
		extendable: extendable,
	}
	s.deadline.Store(time.Now().Add(timeout).UnixNano())
	return s
}

// Stream is a lazy, finite, non-restartable view of a Queue. Next must be
// called from one goroutine at a time; ResetTimeout may be called from any.
type Stream[T any] struct {
	queue      *Queue[T]
	pos        *node[T]
	deadline   atomic.Int64 // unix nanoseconds
	extendable bool
	ended      bool
	timer      *time.Timer
}

// Next returns the next item. It blocks until an item is available, the
// deadline passes or the queue is closed; in the last two cases it returns
// false and the stream stays ended.
func (s *Stream[T]) Next() (T, bool) {
	var zero T
	for {
		if s.ended {
			return zero, false
		}

		select {
		case <-s.queue.done:
			s.end()
			return zero, false
		default:
		}

		select {
		case <-s.pos.ready:
			s.pos = s.pos.next
			return s.pos.item, true
		default:
		}

		remaining := time.Until(time.Unix(0, s.deadline.Load()))
		if remaining <= 0 {
			s.end()
			return zero, false
		}

		// Wake at least every PollInterval to observe ResetTimeout
		s.wait(min(remaining, PollInterval))
	}
}

func (s *Stream[T]) wait(d time.Duration) {
	if s.timer == nil {
		s.timer = time.NewTimer(d)
	} else {
		s.timer.Reset(d)
	}
	select {
	case <-s.pos.ready:
	case <-s.queue.done:
	case <-s.timer.C:
	}
	s.timer.Stop()
}

func (s *Stream[T]) end() {
	s.ended = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

// ResetTimeout moves the deadline to now + d. It has no effect on streams
// created with FixedStream or on streams that already ended.
func (s *Stream[T]) ResetTimeout(d time.Duration) {
	if !s.extendable {
		return
	}
	s.deadline.Store(time.Now().Add(d).UnixNano())
}

// Deadline returns the current absolute deadline
func (s *Stream[T]) Deadline() time.Time {
	return time.Unix(0, s.deadline.Load())
}

// All returns the remaining items as a sequence. Breaking out of the range
// loop leaves the stream positioned after the last yielded item.
func (s *Stream[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			item, ok := s.Next()
			if !ok || !yield(item) {
				return
			}
		}
	}
}

// Filter yields only the items for which keep returns true
func Filter[T any](seq iter.Seq[T], keep func(T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		for item := range seq {
			if keep(item) && !yield(item) {
				return
			}
		}
	}
}

// Until yields items up to and including the first one for which stop
// returns true, then ends the sequence.
func Until[T any](seq iter.Seq[T], stop func(T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		for item := range seq {
			if !yield(item) || stop(item) {
				return
			}
		}
	}
}

// UntilCount ends the sequence after n items satisfied match
func UntilCount[T any](seq iter.Seq[T], n int, match func(T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		seen := 0
		stop := func(item T) bool {
			if match(item) {
				seen++
			}
			return seen >= n
		}
		for item := range Until(seq, stop) {
			if !yield(item) {
				return
			}
		}
	}
}
