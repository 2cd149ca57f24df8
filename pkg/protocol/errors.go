package protocol

import "errors"

var (
	// ErrFraming indicates the byte stream is no longer aligned to
	// instruction boundaries (for example a dangling escape character at
	// end of input). The connection carrying the stream must be closed.
	ErrFraming = errors.New("protocol: malformed instruction framing")
)
