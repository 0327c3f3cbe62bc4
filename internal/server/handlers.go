package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/observability"
	"github.com/danmuck/inkwell/internal/protocol/codec"
	"github.com/danmuck/inkwell/internal/protocol/dispatch"
	"github.com/danmuck/inkwell/internal/protocol/frame"
	"github.com/danmuck/inkwell/internal/protocol/packet"
)

const internalError = "Internal server error occurred"

var errPostsTooLarge = errors.New("server: post listing exceeds payload limit")

func (s *Service) newHandlerTable() *dispatch.Table[packet.ClientOpcode, *Conn] {
	return dispatch.NewTable(map[packet.ClientOpcode]dispatch.Handler[*Conn]{
		packet.CMsgGetPosts:   instrument(packet.CMsgGetPosts, s.handleGetPosts),
		packet.CMsgCreatePost: instrument(packet.CMsgCreatePost, s.handleCreatePost),
	})
}

func instrument(op packet.ClientOpcode, h dispatch.Handler[*Conn]) dispatch.Handler[*Conn] {
	name := op.String()
	return func(ctx context.Context, c *Conn, r io.Reader) error {
		start := time.Now()
		err := h(ctx, c, r)
		observability.RecordHandler(name, time.Since(start), err == nil)
		return err
	}
}

// handleGetPosts answers with every stored post. SMSG_GET_POSTS has no
// failure shape, so a repository error ends the connection.
func (s *Service) handleGetPosts(ctx context.Context, c *Conn, _ io.Reader) error {
	posts, err := s.repo.GetAllPosts(ctx)
	if err != nil {
		return &disconnectError{reason: internalError, err: fmt.Errorf("get posts: %w", err)}
	}
	payload, err := codec.Marshal(posts)
	if err != nil {
		return &disconnectError{reason: internalError, err: fmt.Errorf("encode posts: %w", err)}
	}
	if limit := s.cfg.Session.Limits.MaxPayloadBytes; int64(len(payload)) > int64(limit) {
		return &disconnectError{
			reason: internalError,
			err:    fmt.Errorf("%w: %d posts encode to %d bytes, limit %d", errPostsTooLarge, len(posts), len(payload), limit),
		}
	}
	log.Debug().
		Str("remote", c.remote).
		Int("posts", len(posts)).
		Msg("server.handleGetPosts")
	return c.send(frame.NewPacket(int32(packet.SMsgGetPosts)).Blob(payload))
}

// handleCreatePost stores the candidate post under the connection's author.
// Every outcome other than a broken stream is answered with SMSG_CREATE_POST.
func (s *Service) handleCreatePost(ctx context.Context, c *Conn, r io.Reader) error {
	raw, err := frame.ReadBlob(r, s.cfg.Session.Limits)
	if err != nil {
		return err
	}
	var post blog.BlogPost
	if err := codec.UnmarshalRecord(raw, &post); err != nil {
		log.Warn().Str("remote", c.remote).Err(err).Msg("server.handleCreatePost decode")
		return c.replyCreatePost(false, internalError)
	}
	if !c.author.Role.CanPublish() {
		return c.replyCreatePost(false, fmt.Sprintf("Role %q may not create posts", c.author.Role))
	}

	post.Author = c.author.Name
	if post.ID == "" {
		post.ID = s.newID()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = s.now().UTC()
	}

	exists, err := s.repo.PostWithSlugExists(ctx, post)
	if err != nil {
		log.Error().Str("remote", c.remote).Err(err).Msg("server.handleCreatePost slug lookup")
		return c.replyCreatePost(false, internalError)
	}
	if exists {
		return c.replyCreatePost(false, slugExists(post.Slug))
	}
	if err := s.repo.CreatePost(ctx, post); err != nil {
		if errors.Is(err, blog.ErrSlugExists) {
			return c.replyCreatePost(false, slugExists(post.Slug))
		}
		log.Error().Str("remote", c.remote).Err(err).Msg("server.handleCreatePost store")
		return c.replyCreatePost(false, internalError)
	}
	log.Info().
		Str("remote", c.remote).
		Str("author", post.Author).
		Str("slug", post.Slug).
		Str("id", post.ID).
		Msg("server.handleCreatePost created")
	return c.replyCreatePost(true, fmt.Sprintf("Post %q created", post.Title))
}

func (c *Conn) replyCreatePost(success bool, message string) error {
	return c.send(frame.NewPacket(int32(packet.SMsgCreatePost)).Bool(success).String(message))
}

func slugExists(slug string) string {
	return fmt.Sprintf("A post with slug %q already exists", slug)
}
