// Package auth resolves a verified certificate fingerprint to the author
// identity bound to it.
//
// It holds no state between calls: revocation and binding are looked up on
// every connection attempt.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/protocol/packet"
)

var (
	ErrNoFingerprint   = fmt.Errorf("%w: no certificate fingerprint", packet.ErrAuth)
	ErrRevoked         = fmt.Errorf("%w: certificate revoked", packet.ErrAuth)
	ErrUnknownIdentity = fmt.Errorf("%w: no author bound to certificate", packet.ErrAuth)
)

// Directory is the subset of the repository identity checks need.
type Directory interface {
	GetAuthor(ctx context.Context, fingerprint string) (blog.BlogAuthor, bool, error)
	IsCertificateRevoked(ctx context.Context, fingerprint string) (bool, error)
}

// Resolver maps a fingerprint to an author or an error wrapping packet.ErrAuth.
type Resolver interface {
	Resolve(ctx context.Context, fingerprint string) (blog.BlogAuthor, error)
}

// DirectoryResolver checks revocation first, then the author binding.
type DirectoryResolver struct {
	Directory Directory
}

func (d DirectoryResolver) Resolve(ctx context.Context, fingerprint string) (blog.BlogAuthor, error) {
	fp := blog.NormalizeFingerprint(fingerprint)
	if fp == "" {
		return blog.BlogAuthor{}, ErrNoFingerprint
	}
	revoked, err := d.Directory.IsCertificateRevoked(ctx, fp)
	if err != nil {
		return blog.BlogAuthor{}, fmt.Errorf("%w: revocation lookup: %v", packet.ErrAuth, err)
	}
	if revoked {
		return blog.BlogAuthor{}, ErrRevoked
	}
	author, ok, err := d.Directory.GetAuthor(ctx, fp)
	if err != nil {
		return blog.BlogAuthor{}, fmt.Errorf("%w: author lookup: %v", packet.ErrAuth, err)
	}
	if !ok || strings.TrimSpace(author.Name) == "" {
		return blog.BlogAuthor{}, ErrUnknownIdentity
	}
	return author, nil
}

// Reason is a short label for an authentication failure, used in logs and
// metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrUnknownIdentity):
		return "unknown"
	case errors.Is(err, ErrNoFingerprint):
		return "no_certificate"
	default:
		return "error"
	}
}
