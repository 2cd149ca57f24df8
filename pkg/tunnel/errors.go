package tunnel

import "errors"

var (
	// ErrBackendUnreachable wraps dial failures to the backend proxy
	// daemon.
	ErrBackendUnreachable = errors.New("tunnel: backend unreachable")

	// ErrHandshake indicates the backend rejected the connection
	// parameters during the select/connect exchange. No tunnel is
	// registered when Connect fails with this error.
	ErrHandshake = errors.New("tunnel: backend rejected handshake")

	// ErrNotFound is returned by session lookups for unknown tunnel
	// UUIDs.
	ErrNotFound = errors.New("tunnel: no such tunnel")
)
