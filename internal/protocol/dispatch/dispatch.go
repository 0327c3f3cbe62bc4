// Package dispatch maps decoded packet types to handlers and drives the
// per-connection receive loop shared by client and server.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/danmuck/inkwell/internal/protocol/frame"
	"github.com/danmuck/inkwell/internal/protocol/packet"
)

// State is the lifecycle position of one connection once authenticated.
// A connection still awaiting authentication has no loop.
type State int32

const (
	StateAuthenticated State = iota
	StateDecodingType
	StateDispatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateDecodingType:
		return "decoding_type"
	case StateDispatching:
		return "dispatching"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler consumes exactly the payload of one packet from r.
type Handler[C any] func(ctx context.Context, conn C, r io.Reader) error

// Table is an immutable opcode -> handler lookup built once per side.
type Table[O packet.Opcode, C any] struct {
	handlers map[O]Handler[C]
}

// NewTable copies entries; later changes to the map do not affect the table.
func NewTable[O packet.Opcode, C any](entries map[O]Handler[C]) *Table[O, C] {
	handlers := make(map[O]Handler[C], len(entries))
	for op, h := range entries {
		if h == nil {
			panic(fmt.Sprintf("dispatch: nil handler for %s", op))
		}
		handlers[op] = h
	}
	return &Table[O, C]{handlers: handlers}
}

func (t *Table[O, C]) Lookup(op O) (Handler[C], bool) {
	h, ok := t.handlers[op]
	return h, ok
}

// UnknownOpcodeError reports a packet type with no registered handler.
type UnknownOpcodeError struct {
	Opcode int32
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("%v: unknown packet type %d", packet.ErrFraming, e.Opcode)
}

func (e *UnknownOpcodeError) Unwrap() error {
	return packet.ErrFraming
}

// Hooks let the owner of a connection adjust it between loop steps. Either
// may be nil; an error ends the loop.
type Hooks struct {
	// BeforeRead runs before each blocking packet type read, e.g. to arm an
	// idle deadline.
	BeforeRead func() error
	// BeforeDispatch runs once a known packet type has been read, before its
	// handler consumes the payload.
	BeforeDispatch func() error
}

// Loop is the receive loop of one authenticated connection.
type Loop[O packet.Opcode, C any] struct {
	table  *Table[O, C]
	conn   C
	reader io.Reader
	hooks  Hooks
	state  atomic.Int32
}

func NewLoop[O packet.Opcode, C any](table *Table[O, C], conn C, reader io.Reader, hooks Hooks) *Loop[O, C] {
	l := &Loop[O, C]{
		table:  table,
		conn:   conn,
		reader: reader,
		hooks:  hooks,
	}
	l.state.Store(int32(StateAuthenticated))
	return l
}

func (l *Loop[O, C]) State() State {
	return State(l.state.Load())
}

// Run reads and dispatches packets until ctx is cancelled, the stream fails,
// an unknown packet type arrives or a handler fails. Handlers run one at a
// time in arrival order. Cancellation is observed between packets; a handler
// already running is allowed to finish.
func (l *Loop[O, C]) Run(ctx context.Context) error {
	defer l.state.Store(int32(StateClosed))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.state.Store(int32(StateDecodingType))
		if l.hooks.BeforeRead != nil {
			if err := l.hooks.BeforeRead(); err != nil {
				return err
			}
		}
		raw, err := frame.ReadOpcode(l.reader)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		op := O(raw)
		h, ok := l.table.Lookup(op)
		if !ok {
			return &UnknownOpcodeError{Opcode: raw}
		}
		l.state.Store(int32(StateDispatching))
		if l.hooks.BeforeDispatch != nil {
			if err := l.hooks.BeforeDispatch(); err != nil {
				return err
			}
		}
		if err := h(ctx, l.conn, l.reader); err != nil {
			return fmt.Errorf("dispatch %s: %w", op, err)
		}
	}
}

// Closed reports whether err is the normal end of a loop: cancellation or
// the peer closing at a packet boundary. A close in the middle of a packet is
// not.
func Closed(err error) bool {
	if errors.Is(err, packet.ErrTruncated) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, packet.ErrConnectionClosed)
}
