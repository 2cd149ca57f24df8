package channel

import "errors"

var (
	// ErrClosed is returned by operations on a channel that has been
	// closed or rendered unusable by a prior I/O failure.
	ErrClosed = errors.New("channel: closed")

	// ErrWrite wraps I/O failures while flushing buffered output.
	ErrWrite = errors.New("channel: write")

	// ErrRead wraps I/O failures while filling the read buffer.
	ErrRead = errors.New("channel: read")
)
