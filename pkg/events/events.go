// Package events models browser input events and their ordered delivery.
//
// Input events arrive over independent HTTP requests (or unordered
// WebSocket frames under proxying) and carry a client-assigned sequence
// index. The Queue reorders them into strict index order before they are
// dispatched toward the backend.
package events

import (
	"strconv"
	"strings"
	"time"

	"github.com/deskgate/deskgate/internal/errx"
	"github.com/deskgate/deskgate/pkg/protocol"
)

// Pointer button-mask bits, matching the wire protocol's mouse
// instruction.
const (
	ButtonLeft   = 1 << 0
	ButtonMiddle = 1 << 1
	ButtonRight  = 1 << 2
	ScrollUp     = 1 << 3
	ScrollDown   = 1 << 4
)

// Event is a single user-input event with a client-assigned sequence
// index. Events are owned by the Queue from Add until dispatch or drop.
type Event interface {
	// Index is the strictly increasing, non-negative sequence number
	// assigned by the client.
	Index() int

	// Time is when the gateway received the event.
	Time() time.Time

	// Instruction is the wire form delivered to the backend.
	Instruction() *protocol.Instruction
}

// KeyEvent is a key press or release.
type KeyEvent struct {
	Seq      int
	Keysym   int
	Pressed  bool
	Received time.Time
}

func (e *KeyEvent) Index() int      { return e.Seq }
func (e *KeyEvent) Time() time.Time { return e.Received }

func (e *KeyEvent) Instruction() *protocol.Instruction {
	return protocol.New("key", strconv.Itoa(e.Keysym), boolArg(e.Pressed))
}

// PointerEvent is a mouse move, click, or scroll. Mask carries the
// button-mask bits.
type PointerEvent struct {
	Seq      int
	X, Y     int
	Mask     int
	Received time.Time
}

func (e *PointerEvent) Index() int      { return e.Seq }
func (e *PointerEvent) Time() time.Time { return e.Received }

func (e *PointerEvent) Instruction() *protocol.Instruction {
	return protocol.New("mouse", strconv.Itoa(e.X), strconv.Itoa(e.Y), strconv.Itoa(e.Mask))
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ParseKeyBatch parses one key event per line in the form
// "index,pressed,keysym". Blank lines are ignored.
func ParseKeyBatch(body string) ([]*KeyEvent, error) {
	now := time.Now()
	var out []*KeyEvent
	for _, line := range nonEmptyLines(body) {
		f := strings.Split(line, ",")
		if len(f) != 3 {
			return nil, errx.With(ErrBadEvent, ": key event %q", line)
		}
		seq, err1 := strconv.Atoi(f[0])
		pressed, err2 := strconv.Atoi(f[1])
		keysym, err3 := strconv.Atoi(f[2])
		if err1 != nil || err2 != nil || err3 != nil || seq < 0 {
			return nil, errx.With(ErrBadEvent, ": key event %q", line)
		}
		out = append(out, &KeyEvent{
			Seq:      seq,
			Keysym:   keysym,
			Pressed:  pressed != 0,
			Received: now,
		})
	}
	return out, nil
}

// ParsePointerBatch parses one pointer event per line in the form
// "index,x,y,left,middle,right,up,down". Blank lines are ignored.
func ParsePointerBatch(body string) ([]*PointerEvent, error) {
	now := time.Now()
	var out []*PointerEvent
	for _, line := range nonEmptyLines(body) {
		f := strings.Split(line, ",")
		if len(f) != 8 {
			return nil, errx.With(ErrBadEvent, ": pointer event %q", line)
		}
		vals := make([]int, 8)
		for n, s := range f {
			v, err := strconv.Atoi(s)
			if err != nil {
				return nil, errx.With(ErrBadEvent, ": pointer event %q", line)
			}
			vals[n] = v
		}
		if vals[0] < 0 {
			return nil, errx.With(ErrBadEvent, ": pointer event %q", line)
		}
		mask := 0
		for n, bit := range []int{ButtonLeft, ButtonMiddle, ButtonRight, ScrollUp, ScrollDown} {
			if vals[3+n] != 0 {
				mask |= bit
			}
		}
		out = append(out, &PointerEvent{
			Seq:      vals[0],
			X:        vals[1],
			Y:        vals[2],
			Mask:     mask,
			Received: now,
		})
	}
	return out, nil
}

func nonEmptyLines(body string) []string {
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
