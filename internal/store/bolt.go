// Package store implements blog.Repository over bbolt and in memory.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/protocol/codec"
)

const (
	metadataBucket = "metadata"
	postsBucket    = "posts"
	slugsBucket    = "slugs"
	authorsBucket  = "authors"
	revokedBucket  = "revoked"

	versionKey = "version"
	version    = byte(1)
)

var (
	ErrIncompatibleStore = errors.New("store: incompatible database version")
	ErrInvalidAuthor     = errors.New("store: invalid author")
)

// BoltRepository persists posts, authors and revocations in one bbolt file.
type BoltRepository struct {
	db *bolt.DB
}

var _ blog.AdminRepository = (*BoltRepository)(nil)

// OpenBolt creates (or loads) the database at path.
func OpenBolt(path string) (*BoltRepository, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", blog.ErrStore, path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{postsBucket, slugsBucket, authorsBucket, revokedBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != version {
				return fmt.Errorf("%w: %x", ErrIncompatibleStore, b)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{version})
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltRepository{db: db}, nil
}

func (r *BoltRepository) Close() error {
	if err := r.db.Sync(); err != nil {
		_ = r.db.Close()
		return err
	}
	return r.db.Close()
}

// GetAllPosts returns every post in creation order.
func (r *BoltRepository) GetAllPosts(ctx context.Context) ([]blog.BlogPost, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]blog.BlogPost, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(postsBucket)).ForEach(func(_, v []byte) error {
			var post blog.BlogPost
			if err := codec.UnmarshalRecord(v, &post); err != nil {
				return err
			}
			out = append(out, post)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list posts: %v", blog.ErrStore, err)
	}
	return out, nil
}

func (r *BoltRepository) GetAuthor(ctx context.Context, fingerprint string) (blog.BlogAuthor, bool, error) {
	if err := ctx.Err(); err != nil {
		return blog.BlogAuthor{}, false, err
	}
	fp := blog.NormalizeFingerprint(fingerprint)
	var (
		author blog.BlogAuthor
		found  bool
	)
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(authorsBucket)).Get([]byte(fp))
		if raw == nil {
			return nil
		}
		found = true
		return codec.UnmarshalRecord(raw, &author)
	})
	if err != nil {
		return blog.BlogAuthor{}, false, fmt.Errorf("%w: get author: %v", blog.ErrStore, err)
	}
	return author, found, nil
}

func (r *BoltRepository) IsCertificateRevoked(ctx context.Context, fingerprint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fp := blog.NormalizeFingerprint(fingerprint)
	var revoked bool
	err := r.db.View(func(tx *bolt.Tx) error {
		revoked = tx.Bucket([]byte(revokedBucket)).Get([]byte(fp)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: revocation lookup: %v", blog.ErrStore, err)
	}
	return revoked, nil
}

func (r *BoltRepository) PostWithSlugExists(ctx context.Context, post blog.BlogPost) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	slug := blog.NormalizeSlug(post.Slug)
	var exists bool
	err := r.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(slugsBucket)).Get([]byte(slug)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: slug lookup: %v", blog.ErrStore, err)
	}
	return exists, nil
}

// CreatePost stores post and its slug index in one transaction. The slug is
// re-checked inside the transaction and blog.ErrSlugExists returned on a race.
func (r *BoltRepository) CreatePost(ctx context.Context, post blog.BlogPost) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := codec.Marshal(post)
	if err != nil {
		return fmt.Errorf("%w: encode post: %v", blog.ErrStore, err)
	}
	slug := []byte(blog.NormalizeSlug(post.Slug))
	return r.db.Update(func(tx *bolt.Tx) error {
		slugs := tx.Bucket([]byte(slugsBucket))
		if slugs.Get(slug) != nil {
			return blog.ErrSlugExists
		}
		posts := tx.Bucket([]byte(postsBucket))
		seq, err := posts.NextSequence()
		if err != nil {
			return fmt.Errorf("%w: %v", blog.ErrStore, err)
		}
		key := binary.BigEndian.AppendUint64(nil, seq)
		if err := posts.Put(key, raw); err != nil {
			return fmt.Errorf("%w: %v", blog.ErrStore, err)
		}
		if err := slugs.Put(slug, key); err != nil {
			return fmt.Errorf("%w: %v", blog.ErrStore, err)
		}
		return nil
	})
}

func (r *BoltRepository) PutAuthor(ctx context.Context, author blog.BlogAuthor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	author.Fingerprint = blog.NormalizeFingerprint(author.Fingerprint)
	if author.Fingerprint == "" || author.Name == "" {
		return fmt.Errorf("%w: fingerprint and name are required", ErrInvalidAuthor)
	}
	raw, err := codec.Marshal(author)
	if err != nil {
		return fmt.Errorf("%w: encode author: %v", blog.ErrStore, err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(authorsBucket)).Put([]byte(author.Fingerprint), raw)
	})
}

func (r *BoltRepository) ListAuthors(ctx context.Context) ([]blog.BlogAuthor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]blog.BlogAuthor, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(authorsBucket)).ForEach(func(_, v []byte) error {
			var author blog.BlogAuthor
			if err := codec.UnmarshalRecord(v, &author); err != nil {
				return err
			}
			out = append(out, author)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list authors: %v", blog.ErrStore, err)
	}
	return out, nil
}

// Revoke marks fingerprint as revoked. The author binding is kept so the
// revocation stays attributable.
func (r *BoltRepository) Revoke(ctx context.Context, fingerprint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fp := blog.NormalizeFingerprint(fingerprint)
	if fp == "" {
		return fmt.Errorf("%w: empty fingerprint", ErrInvalidAuthor)
	}
	at := []byte(time.Now().UTC().Format(time.RFC3339))
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(revokedBucket)).Put([]byte(fp), at)
	})
}
