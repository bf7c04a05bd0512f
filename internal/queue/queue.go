// Package queue defines the work queue contract shared by the dispatcher and
// its backends.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Dequeue once a closed queue is drained, and by
// Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue moves work items between producers and workers.
type Queue[T any] interface {
	Enqueue(ctx context.Context, item T) error
	Dequeue(ctx context.Context) (T, error)
}
