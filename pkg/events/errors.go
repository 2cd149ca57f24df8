package events

import "errors"

var (
	// ErrBadEvent indicates a serialized event that does not match the
	// expected wire form.
	ErrBadEvent = errors.New("events: malformed event")

	// ErrQueueClosed is returned by Add after the queue has been closed.
	ErrQueueClosed = errors.New("events: queue closed")
)
