package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"unicode/utf8"

	"github.com/danmuck/inkwell/internal/protocol/packet"
)

const (
	OpcodeLen = 4
	LengthLen = 4
)

// Limits constrains decode memory use.
type Limits struct {
	MaxPayloadBytes int32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 4 * 1024 * 1024,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	if l.MaxPayloadBytes <= 0 {
		l.MaxPayloadBytes = DefaultLimits().MaxPayloadBytes
	}
	return l
}

// ReadOpcode blocks until the next 4-byte packet type has been read.
// A close before the first byte is ErrConnectionClosed; a close part way
// through is ErrTruncated.
func ReadOpcode(r io.Reader) (int32, error) {
	var b [OpcodeLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, closedOr(err, false)
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

// ReadBlob reads one length-prefixed payload whose length must be positive.
func ReadBlob(r io.Reader, limits Limits) ([]byte, error) {
	n, err := readLength(r, limits)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: zero payload length", packet.ErrFraming)
	}
	return readBody(r, n)
}

// ReadString reads one length-prefixed UTF-8 string. An empty string is
// encoded with length zero.
func ReadString(r io.Reader, limits Limits) (string, error) {
	n, err := readLength(r, limits)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b, err := readBody(r, n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: string is not valid utf-8", packet.ErrDeserialization)
	}
	return string(b), nil
}

// ReadBool reads one length-prefixed boolean.
func ReadBool(r io.Reader) (bool, error) {
	var hdr [LengthLen]byte
	if err := readFull(r, hdr[:]); err != nil {
		return false, err
	}
	if n := int32(binary.BigEndian.Uint32(hdr[:])); n != 1 {
		return false, fmt.Errorf("%w: bool length %d", packet.ErrFraming, n)
	}
	var v [1]byte
	if err := readFull(r, v[:]); err != nil {
		return false, err
	}
	switch v[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: bool value %#x", packet.ErrDeserialization, v[0])
	}
}

// Builder assembles exactly one packet so it can be written in a single call.
type Builder struct {
	buf []byte
}

func NewPacket(opcode int32) *Builder {
	b := &Builder{buf: make([]byte, 0, 64)}
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(opcode))
	return b
}

func (b *Builder) Blob(p []byte) *Builder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(len(p)))
	b.buf = append(b.buf, p...)
	return b
}

func (b *Builder) String(s string) *Builder {
	return b.Blob([]byte(s))
}

func (b *Builder) Bool(v bool) *Builder {
	var raw byte
	if v {
		raw = 1
	}
	return b.Blob([]byte{raw})
}

func (b *Builder) Bytes() []byte {
	return b.buf
}

// WriteTo writes the assembled packet to w.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.buf)
	if err != nil {
		return int64(n), closedOr(err, false)
	}
	return int64(n), nil
}

func readLength(r io.Reader, limits Limits) (int32, error) {
	limits = limits.WithDefaults()
	var hdr [LengthLen]byte
	if err := readFull(r, hdr[:]); err != nil {
		return 0, err
	}
	n := int32(binary.BigEndian.Uint32(hdr[:]))
	if n < 0 {
		return 0, fmt.Errorf("%w: negative payload length %d", packet.ErrFraming, n)
	}
	if n > limits.MaxPayloadBytes {
		return 0, fmt.Errorf("%w: payload length %d exceeds limit %d", packet.ErrFraming, n, limits.MaxPayloadBytes)
	}
	return n, nil
}

func readBody(r io.Reader, n int32) ([]byte, error) {
	b := make([]byte, n)
	if err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// readFull reads payload bytes; the packet type has already been consumed,
// so any end of stream is a truncation.
func readFull(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		return closedOr(err, true)
	}
	return nil
}

func closedOr(err error, midPacket bool) error {
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF), midPacket && errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %v", packet.ErrTruncated, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", packet.ErrConnectionClosed, err)
	default:
		return err
	}
}
