package retry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler processes one payload. A non-nil error puts the item back at the
// head of the queue until MaxAttempts is reached.
type Handler[T any] func(ctx context.Context, payload T) error

// Item is a payload plus its retry state. Items are owned by the queue
// while queued and by exactly one worker while being handled.
type Item[T any] struct {
	ID      uuid.UUID
	Payload T

	// Attempt counts handler calls made so far.
	Attempt int

	// NotBefore is the earliest time the item may be handled again.
	NotBefore time.Time

	// LastErr is the error from the most recent failed attempt.
	LastErr error
}

// NewItem wraps payload in an Item with a fresh ID.
func NewItem[T any](payload T) *Item[T] {
	return &Item[T]{ID: uuid.New(), Payload: payload}
}

func (it *Item[T]) due(now time.Time) bool {
	return !it.NotBefore.After(now)
}
