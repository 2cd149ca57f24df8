// Package channel turns a raw byte-oriented connection into
// instruction-boundary-aware, rate-limited, base64-capable I/O.
//
// Each channel is owned by exactly one tunnel. Writes are buffered and
// flushed on instruction boundaries; reads reassemble partial frames
// until a full instruction is available.
package channel

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/deskgate/deskgate/internal/errx"
	"github.com/deskgate/deskgate/pkg/protocol"
)

const (
	// outputBufferSize is the capacity of the main output buffer. A
	// write that would overflow it flushes first; writes larger than
	// the buffer are flushed through in chunks, never truncated.
	outputBufferSize = 8192

	// readChunkSize is the granularity of reads from the underlying
	// connection into the reassembly buffer.
	readChunkSize = 8192
)

// Readiness is the result of a Select call.
type Readiness int

const (
	// Ready means the channel has data available to decode.
	Ready Readiness = iota

	// TimedOut means the timeout elapsed with no data arriving.
	TimedOut
)

// Config carries per-channel tuning.
type Config struct {
	// RateLimit caps outbound transfer in bytes per second. Zero means
	// unlimited.
	RateLimit int
}

// Channel wraps a net.Conn with buffered, rate-limited writes and
// instruction-boundary reads. Writes and reads are independently
// serialized; a Channel may be used concurrently by one reader and
// multiple writers.
type Channel struct {
	conn net.Conn

	wmu     sync.Mutex
	out     []byte
	b64     [3]byte
	b64n    int
	limiter *rate.Limiter
	werr    error

	rmu  sync.Mutex
	rbuf []byte
	rerr error

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps conn. The caller retains no right to use conn directly.
func New(conn net.Conn, cfg Config) *Channel {
	c := &Channel{
		conn:   conn,
		out:    make([]byte, 0, outputBufferSize),
		closed: make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	return c
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// WriteString appends s to the output buffer, flushing as needed.
func (c *Channel) WriteString(s string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeLocked([]byte(s))
}

// WriteInt appends the decimal representation of v.
func (c *Channel) WriteInt(v int) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeLocked([]byte(strconv.Itoa(v)))
}

// WriteInstruction serializes inst into the output buffer and flushes.
// The flush on the instruction boundary keeps concurrent writers from
// interleaving partial instructions.
func (c *Channel) WriteInstruction(inst *protocol.Instruction) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.writeLocked([]byte(inst.String())); err != nil {
		return err
	}
	return c.flushLocked()
}

// WriteBase64 accumulates p into the 3-byte-aligned base64 sub-buffer,
// emitting 4 output characters for every 3 input bytes.
func (c *Channel) WriteBase64(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	for len(p) > 0 {
		n := copy(c.b64[c.b64n:], p)
		c.b64n += n
		p = p[n:]

		if c.b64n == 3 {
			var quad [4]byte
			base64.StdEncoding.Encode(quad[:], c.b64[:])
			c.b64n = 0
			if err := c.writeLocked(quad[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushBase64 pads and emits any partial base64 group, then flushes the
// output buffer. Safe to call with an empty sub-buffer.
func (c *Channel) FlushBase64() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.b64n > 0 {
		quad := make([]byte, 4)
		base64.StdEncoding.Encode(quad, c.b64[:c.b64n])
		c.b64n = 0
		if err := c.writeLocked(quad); err != nil {
			return err
		}
	}
	return c.flushLocked()
}

// Flush writes the full contents of the output buffer to the underlying
// connection, honoring the configured transfer-rate limit. A flush of an
// empty buffer is a no-op.
func (c *Channel) Flush() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.flushLocked()
}

func (c *Channel) writeLocked(p []byte) error {
	if err := c.writableLocked(); err != nil {
		return err
	}
	for len(p) > 0 {
		if len(c.out) == cap(c.out) {
			if err := c.flushLocked(); err != nil {
				return err
			}
		}
		n := copy(c.out[len(c.out):cap(c.out)], p)
		c.out = c.out[:len(c.out)+n]
		p = p[n:]
	}
	return nil
}

func (c *Channel) flushLocked() error {
	if err := c.writableLocked(); err != nil {
		return err
	}
	if len(c.out) == 0 {
		return nil
	}

	p := c.out
	for len(p) > 0 {
		n := len(p)
		if c.limiter != nil {
			if n > c.limiter.Burst() {
				n = c.limiter.Burst()
			}
			// Sleeps proportionally to bytes already sent this interval.
			if err := c.limiter.WaitN(context.Background(), n); err != nil {
				c.werr = errx.Wrap(ErrWrite, err)
				return c.werr
			}
		}
		written, err := c.conn.Write(p[:n])
		if err != nil {
			c.werr = errx.Wrap(ErrWrite, err)
			c.out = c.out[:0]
			return c.werr
		}
		p = p[written:]
	}
	c.out = c.out[:0]
	return nil
}

func (c *Channel) writableLocked() error {
	if c.werr != nil {
		return c.werr
	}
	if c.isClosed() {
		return ErrClosed
	}
	return nil
}

// Select blocks until the channel has data to decode or the timeout
// elapses. Buffered but not yet decoded bytes count as readiness.
func (c *Channel) Select(timeout time.Duration) (Readiness, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.selectLocked(timeout)
}

func (c *Channel) selectLocked(timeout time.Duration) (Readiness, error) {
	if len(c.rbuf) > 0 {
		return Ready, nil
	}
	return c.fillLocked(timeout)
}

// fillLocked performs one deadline-bounded read into the reassembly
// buffer.
func (c *Channel) fillLocked(timeout time.Duration) (Readiness, error) {
	if c.rerr != nil {
		return TimedOut, c.rerr
	}
	if c.isClosed() {
		return TimedOut, ErrClosed
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.rerr = errx.Wrap(ErrRead, err)
		return TimedOut, c.rerr
	}

	chunk := make([]byte, readChunkSize)
	n, err := c.conn.Read(chunk)
	if n > 0 {
		c.rbuf = append(c.rbuf, chunk[:n]...)
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if n > 0 {
				return Ready, nil
			}
			return TimedOut, nil
		}
		if errors.Is(err, io.EOF) && n > 0 {
			// Deliver what arrived; the EOF resurfaces on the next read.
			return Ready, nil
		}
		c.rerr = errx.Wrap(ErrRead, err)
		return TimedOut, c.rerr
	}
	return Ready, nil
}

// ReadInstruction returns the next fully-decoded instruction, waiting up
// to timeout for its final byte. It returns (nil, nil) if the timeout
// elapses before a complete instruction is available — a soft failure:
// partial data remains buffered for the next call.
func (c *Channel) ReadInstruction(timeout time.Duration) (*protocol.Instruction, error) {
	deadline := time.Now().Add(timeout)

	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		inst, consumed, err := protocol.Decode(c.rbuf)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			c.rbuf = c.rbuf[consumed:]
			return inst, nil
		}

		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		ready, err := c.fillLocked(remaining)
		if err != nil {
			if len(c.rbuf) > 0 {
				// The stream ended mid-instruction.
				return nil, errx.With(protocol.ErrFraming, ": connection closed mid-instruction: %w", err)
			}
			return nil, err
		}
		if ready == TimedOut || remaining == 0 {
			return nil, nil
		}
	}
}

// InstructionAvailable reports whether a complete instruction can be
// decoded without blocking.
func (c *Channel) InstructionAvailable() bool {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	inst, _, err := protocol.Decode(c.rbuf)
	if err == nil && inst != nil {
		return true
	}
	if ready, err := c.fillLocked(0); err != nil || ready == TimedOut {
		return false
	}
	inst, _, err = protocol.Decode(c.rbuf)
	return err == nil && inst != nil
}

// Close releases the underlying descriptor, unblocking any pending
// Select or read.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// CloseFinal flushes pending output and sends a best-effort protocol
// termination notice before closing. Failures during the notice never
// prevent descriptor release.
func (c *Channel) CloseFinal() error {
	c.wmu.Lock()
	if c.werr == nil && !c.isClosed() {
		_ = c.writeLocked([]byte(protocol.New("disconnect").String()))
		_ = c.flushLocked()
	}
	c.wmu.Unlock()
	return c.Close()
}
