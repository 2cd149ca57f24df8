// Package protocol implements the line-oriented text instruction format
// spoken between the gateway and the backend proxy daemon.
//
// An instruction is an opcode followed by zero or more arguments:
//
//	opcode:arg1,arg2,...,argN;
//
// Arguments are escaped so that the separator characters never appear
// unescaped inside an argument: ',' becomes `\c`, ';' becomes `\s`, and
// '\' becomes `\\`.
package protocol

import (
	"strconv"
	"strings"

	"github.com/deskgate/deskgate/internal/errx"
)

// Instruction is a single decoded protocol instruction. Instructions are
// immutable once constructed.
type Instruction struct {
	Opcode string
	Args   []string
}

// New constructs an instruction from an opcode and arguments.
func New(opcode string, args ...string) *Instruction {
	return &Instruction{Opcode: opcode, Args: args}
}

// String returns the serialized wire form of the instruction, with each
// argument escaped independently. An instruction with no arguments
// serializes as "opcode:;".
func (i *Instruction) String() string {
	var sb strings.Builder
	sb.WriteString(i.Opcode)
	sb.WriteByte(':')
	for n, arg := range i.Args {
		if n > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(Escape(arg))
	}
	sb.WriteByte(';')
	return sb.String()
}

// Arg returns the nth argument, or the empty string if absent. Backend
// instructions frequently omit trailing arguments.
func (i *Instruction) Arg(n int) string {
	if n < 0 || n >= len(i.Args) {
		return ""
	}
	return i.Args[n]
}

// IntArg returns the nth argument parsed as an integer, or 0 if absent
// or unparseable.
func (i *Instruction) IntArg(n int) int {
	v, _ := strconv.Atoi(i.Arg(n))
	return v
}

// Escape substitutes the reserved characters of the wire format in a
// single left-to-right scan. Escaping is not idempotent: escaping an
// already-escaped string produces doubled escapes.
func Escape(s string) string {
	// Fast path: nothing to escape.
	if !strings.ContainsAny(s, ",;\\") {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s) + 2)
	for n := 0; n < len(s); n++ {
		switch s[n] {
		case ',':
			sb.WriteString(`\c`)
		case ';':
			sb.WriteString(`\s`)
		case '\\':
			sb.WriteString(`\\`)
		default:
			sb.WriteByte(s[n])
		}
	}
	return sb.String()
}

// Unescape reverses Escape. The scanner consumes exactly two characters
// for every backslash it encounters; a backslash as the final byte of
// the input is a framing error. An unrecognized escape decodes to its
// second character.
func Unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}

	var sb strings.Builder
	sb.Grow(len(s))
	for n := 0; n < len(s); n++ {
		if s[n] != '\\' {
			sb.WriteByte(s[n])
			continue
		}
		n++
		if n >= len(s) {
			return "", errx.With(ErrFraming, ": dangling escape at end of input")
		}
		switch s[n] {
		case 'c':
			sb.WriteByte(',')
		case 's':
			sb.WriteByte(';')
		default:
			sb.WriteByte(s[n])
		}
	}
	return sb.String(), nil
}

// Decode parses the first complete instruction from buf. It returns the
// instruction and the number of bytes consumed, or (nil, 0, nil) if buf
// does not yet contain an unescaped terminator and the caller must wait
// for more bytes. The opcode is the text before the first ':'; an
// empty argument section decodes as zero arguments, mirroring the
// serialization of argument-free instructions.
func Decode(buf []byte) (*Instruction, int, error) {
	end := -1
	for n := 0; n < len(buf); n++ {
		if buf[n] == '\\' {
			// Consume the escaped character too. If the escape is split
			// across reads its second byte has not arrived yet.
			n++
			continue
		}
		if buf[n] == ';' {
			end = n
			break
		}
	}
	if end < 0 {
		return nil, 0, nil
	}

	frame := string(buf[:end])
	opcode := frame
	var args []string

	if sep := strings.IndexByte(frame, ':'); sep >= 0 {
		opcode = frame[:sep]
		body := frame[sep+1:]
		if body != "" {
			for _, raw := range splitArgs(body) {
				arg, err := Unescape(raw)
				if err != nil {
					return nil, 0, err
				}
				args = append(args, arg)
			}
		}
	}

	return &Instruction{Opcode: opcode, Args: args}, end + 1, nil
}

// splitArgs splits the argument section on unescaped commas only.
func splitArgs(body string) []string {
	var parts []string
	start := 0
	for n := 0; n < len(body); n++ {
		switch body[n] {
		case '\\':
			n++
		case ',':
			parts = append(parts, body[start:n])
			start = n + 1
		}
	}
	return append(parts, body[start:])
}
