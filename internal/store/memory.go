package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/inkwell/internal/blog"
)

// MemoryRepository keeps everything in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	posts   []blog.BlogPost
	slugs   map[string]struct{}
	authors map[string]blog.BlogAuthor
	revoked map[string]struct{}
}

var _ blog.AdminRepository = (*MemoryRepository)(nil)

func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		posts:   make([]blog.BlogPost, 0),
		slugs:   make(map[string]struct{}),
		authors: make(map[string]blog.BlogAuthor),
		revoked: make(map[string]struct{}),
	}
}

func (m *MemoryRepository) GetAllPosts(ctx context.Context) ([]blog.BlogPost, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]blog.BlogPost, len(m.posts))
	copy(out, m.posts)
	return out, nil
}

func (m *MemoryRepository) GetAuthor(ctx context.Context, fingerprint string) (blog.BlogAuthor, bool, error) {
	if err := ctx.Err(); err != nil {
		return blog.BlogAuthor{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	author, ok := m.authors[blog.NormalizeFingerprint(fingerprint)]
	return author, ok, nil
}

func (m *MemoryRepository) IsCertificateRevoked(ctx context.Context, fingerprint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[blog.NormalizeFingerprint(fingerprint)]
	return ok, nil
}

func (m *MemoryRepository) PostWithSlugExists(ctx context.Context, post blog.BlogPost) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.slugs[blog.NormalizeSlug(post.Slug)]
	return ok, nil
}

func (m *MemoryRepository) CreatePost(ctx context.Context, post blog.BlogPost) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slug := blog.NormalizeSlug(post.Slug)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slugs[slug]; ok {
		return blog.ErrSlugExists
	}
	m.slugs[slug] = struct{}{}
	m.posts = append(m.posts, post)
	return nil
}

func (m *MemoryRepository) PutAuthor(ctx context.Context, author blog.BlogAuthor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	author.Fingerprint = blog.NormalizeFingerprint(author.Fingerprint)
	if author.Fingerprint == "" || author.Name == "" {
		return fmt.Errorf("%w: fingerprint and name are required", ErrInvalidAuthor)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authors[author.Fingerprint] = author
	return nil
}

func (m *MemoryRepository) ListAuthors(ctx context.Context) ([]blog.BlogAuthor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]blog.BlogAuthor, 0, len(m.authors))
	for _, a := range m.authors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out, nil
}

func (m *MemoryRepository) Revoke(ctx context.Context, fingerprint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fp := blog.NormalizeFingerprint(fingerprint)
	if fp == "" {
		return fmt.Errorf("%w: empty fingerprint", ErrInvalidAuthor)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[fp] = struct{}{}
	return nil
}
