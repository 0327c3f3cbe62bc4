// Package blog owns the domain entities exchanged by inkwell peers and the
// repository contract the server persists them through.
package blog

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrStore       = errors.New("blog: store failure")
	ErrSlugExists  = errors.New("blog: slug already exists")
	ErrUnknownRole = errors.New("blog: unknown role")
)

// Role is the permission granted to an author identity.
type Role string

const (
	RoleReader Role = "reader"
	RoleAuthor Role = "author"
	RoleAdmin  Role = "admin"
)

func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleReader, RoleAuthor, RoleAdmin:
		return r, nil
	default:
		return "", ErrUnknownRole
	}
}

// CanPublish reports whether the role may create posts.
func (r Role) CanPublish() bool {
	return r == RoleAuthor || r == RoleAdmin
}

// BlogPost is one stored post.
type BlogPost struct {
	ID        string    `cbor:"id"`
	Slug      string    `cbor:"slug"`
	Title     string    `cbor:"title"`
	Summary   string    `cbor:"summary"`
	Body      string    `cbor:"body"`
	Tags      []string  `cbor:"tags"`
	Author    string    `cbor:"author"`
	CreatedAt time.Time `cbor:"created_at"`
}

// ShortBlogPost is the listing projection of a post.
type ShortBlogPost struct {
	ID        string    `cbor:"id"`
	Slug      string    `cbor:"slug"`
	Title     string    `cbor:"title"`
	Summary   string    `cbor:"summary"`
	Author    string    `cbor:"author"`
	CreatedAt time.Time `cbor:"created_at"`
}

func (p BlogPost) Short() ShortBlogPost {
	return ShortBlogPost{
		ID:        p.ID,
		Slug:      p.Slug,
		Title:     p.Title,
		Summary:   p.Summary,
		Author:    p.Author,
		CreatedAt: p.CreatedAt,
	}
}

// NormalizeSlug is the comparison key for slug collisions.
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// BlogAuthor is an identity bound to one certificate fingerprint.
type BlogAuthor struct {
	Fingerprint string `cbor:"fingerprint"`
	Name        string `cbor:"name"`
	Role        Role   `cbor:"role"`
}

func (a BlogAuthor) Profile() AuthProfile {
	return AuthProfile{Name: a.Name, Role: a.Role}
}

// AuthProfile is sent once per connection after authentication succeeds.
type AuthProfile struct {
	Name string `cbor:"name"`
	Role Role   `cbor:"role"`
}

// Repository is the persistence contract consumed by the server. Each call is
// one atomic request; implementations own their own locking.
type Repository interface {
	GetAllPosts(ctx context.Context) ([]BlogPost, error)
	GetAuthor(ctx context.Context, fingerprint string) (BlogAuthor, bool, error)
	IsCertificateRevoked(ctx context.Context, fingerprint string) (bool, error)
	PostWithSlugExists(ctx context.Context, post BlogPost) (bool, error)
	CreatePost(ctx context.Context, post BlogPost) error
}

// AdminRepository extends Repository with the identity management used by
// the inkwelld admin commands.
type AdminRepository interface {
	Repository
	PutAuthor(ctx context.Context, author BlogAuthor) error
	ListAuthors(ctx context.Context) ([]BlogAuthor, error)
	Revoke(ctx context.Context, fingerprint string) error
}

// NormalizeFingerprint lowercases and strips separators from a hex thumbprint.
func NormalizeFingerprint(fp string) string {
	fp = strings.ToLower(strings.TrimSpace(fp))
	return strings.NewReplacer(":", "", " ", "", "-", "").Replace(fp)
}
