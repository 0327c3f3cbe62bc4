package packet

import (
	"errors"
	"fmt"
)

var (
	ErrConnect          = errors.New("packet: connect failure")
	ErrAuth             = errors.New("packet: authentication failure")
	ErrFraming          = errors.New("packet: framing error")
	ErrDeserialization  = errors.New("packet: deserialization error")
	ErrApplication      = errors.New("packet: application failure")
	ErrConnectionClosed = errors.New("packet: connection closed")

	// ErrTruncated is a close partway through a packet, including a partial
	// packet type.
	ErrTruncated = fmt.Errorf("%w: truncated packet", ErrConnectionClosed)
)
