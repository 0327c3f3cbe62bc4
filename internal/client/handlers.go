package client

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/protocol/codec"
	"github.com/danmuck/inkwell/internal/protocol/dispatch"
	"github.com/danmuck/inkwell/internal/protocol/frame"
	"github.com/danmuck/inkwell/internal/protocol/packet"
)

// Event is a server response published to Client.Events.
type Event interface {
	event()
}

// PostsReceived answers RequestPosts.
type PostsReceived struct {
	Posts []blog.BlogPost
}

// CreatePostResponse answers CreatePost.
type CreatePostResponse struct {
	Success bool
	Message string
}

// Err is nil for a successful response and otherwise wraps
// packet.ErrApplication with the server's message.
func (r CreatePostResponse) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%w: %s", packet.ErrApplication, r.Message)
}

// Disconnected is the last event before the server closes the connection.
type Disconnected struct {
	Reason string
}

func (PostsReceived) event()      {}
func (CreatePostResponse) event() {}
func (Disconnected) event()       {}

// SMSG_AUTH is read by Connect and has no entry here; a second one is a
// protocol violation.
var handlers = dispatch.NewTable(map[packet.ServerOpcode]dispatch.Handler[*Client]{
	packet.SMsgGetPosts:   handleGetPosts,
	packet.SMsgCreatePost: handleCreatePost,
	packet.SMsgDisconnect: handleDisconnect,
})

func handleGetPosts(ctx context.Context, c *Client, r io.Reader) error {
	raw, err := frame.ReadBlob(r, c.cfg.Session.Limits)
	if err != nil {
		return err
	}
	posts, err := codec.UnmarshalList[blog.BlogPost](raw)
	if err != nil {
		return err
	}
	return c.publish(ctx, PostsReceived{Posts: posts})
}

func handleCreatePost(ctx context.Context, c *Client, r io.Reader) error {
	ok, err := frame.ReadBool(r)
	if err != nil {
		return err
	}
	msg, err := frame.ReadString(r, c.cfg.Session.Limits)
	if err != nil {
		return err
	}
	return c.publish(ctx, CreatePostResponse{Success: ok, Message: msg})
}

func handleDisconnect(ctx context.Context, c *Client, r io.Reader) error {
	reason, err := frame.ReadString(r, c.cfg.Session.Limits)
	if err != nil {
		return err
	}
	log.Warn().Str("remote", c.RemoteAddr()).Str("reason", reason).Msg("client.handleDisconnect")
	if err := c.publish(ctx, Disconnected{Reason: reason}); err != nil {
		return err
	}
	return fmt.Errorf("%w: server disconnect: %s", packet.ErrConnectionClosed, reason)
}
