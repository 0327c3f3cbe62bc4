// Package packet defines the two opcode taxonomies of the inkwell wire
// protocol and the error classes shared by both peers.
//
// Client-originated (CMSG) and server-originated (SMSG) opcodes share one
// int32 wire encoding but are distinct Go types, so a handler table for one
// direction cannot be keyed by the other direction's opcodes.
package packet

import "fmt"

// Opcode is the raw int32 value carried at the start of every packet.
type Opcode interface {
	~int32
	fmt.Stringer
}

// ClientOpcode is a packet type sent client -> server.
type ClientOpcode int32

// ServerOpcode is a packet type sent server -> client.
type ServerOpcode int32

const (
	SMsgAuth       ServerOpcode = 1
	SMsgGetPosts   ServerOpcode = 2
	SMsgCreatePost ServerOpcode = 3
	SMsgDisconnect ServerOpcode = 4
)

const (
	CMsgGetPosts   ClientOpcode = 101
	CMsgCreatePost ClientOpcode = 102
)

func (o ServerOpcode) String() string {
	switch o {
	case SMsgAuth:
		return "SMSG_AUTH"
	case SMsgGetPosts:
		return "SMSG_GET_POSTS"
	case SMsgCreatePost:
		return "SMSG_CREATE_POST"
	case SMsgDisconnect:
		return "SMSG_DISCONNECT"
	default:
		return fmt.Sprintf("SMSG(%d)", int32(o))
	}
}

func (o ClientOpcode) String() string {
	switch o {
	case CMsgGetPosts:
		return "CMSG_GET_POSTS"
	case CMsgCreatePost:
		return "CMSG_CREATE_POST"
	default:
		return fmt.Sprintf("CMSG(%d)", int32(o))
	}
}
