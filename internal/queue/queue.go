// Package queue provides the bounded FIFO hand-off used between pipeline stages.
package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Policy decides what a full queue gives up when a new item arrives.
type Policy string

const (
	DropOldest Policy = "drop_oldest"
	DropNewest Policy = "drop_newest"
)

// ParsePolicy maps a configuration value onto a Policy.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(value) {
	case DropOldest, DropNewest:
		return Policy(value), nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", value)
	}
}

// Queue is a bounded, order-preserving buffer for one producer and one
// consumer. Push never blocks; Poll waits at most the given timeout.
type Queue[T any] struct {
	items   chan T
	policy  Policy
	dropped atomic.Uint64
}

func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	if policy == "" {
		policy = DropOldest
	}
	return &Queue[T]{
		items:  make(chan T, capacity),
		policy: policy,
	}
}

// Push enqueues item. It returns false when the queue was full and an item
// was discarded to honour the overflow policy: the oldest queued item for
// DropOldest, item itself for DropNewest.
func (q *Queue[T]) Push(item T) bool {
	evicted := false
	for {
		select {
		case q.items <- item:
			return !evicted
		default:
		}
		if q.policy == DropNewest {
			q.dropped.Add(1)
			return false
		}
		select {
		case <-q.items:
			q.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

// Poll returns the next item, waiting up to timeout. ok is false when the
// wait timed out or ctx ended with nothing available.
func (q *Queue[T]) Poll(ctx context.Context, timeout time.Duration) (item T, ok bool) {
	select {
	case item = <-q.items:
		return item, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item = <-q.items:
		return item, true
	case <-timer.C:
	case <-ctx.Done():
	}
	return item, false
}

func (q *Queue[T]) Len() int { return len(q.items) }

func (q *Queue[T]) Cap() int { return cap(q.items) }

// Dropped reports how many items overflow has discarded so far.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }
