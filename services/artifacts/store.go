package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"gorm.io/gorm"

	"bootvault/pkg/errs"
)

// DefaultMaxSize caps a single upload at 500 MiB.
const DefaultMaxSize int64 = 500 << 20

// ErrPresignUnsupported is returned by Presign when the blob backend has no direct URLs.
var ErrPresignUnsupported = errors.New("blob backend cannot presign downloads")

// Artifact is the metadata of a stored payload.
type Artifact struct {
	DisplayName string    `json:"display_name"`
	StoredName  string    `json:"stored_name"`
	Digest      string    `json:"digest"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Config tunes the store.
type Config struct {
	MaxSize int64
}

// Presigner is implemented by blob backends that can hand out direct download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Store is the content-addressed artifact store. Payloads live in a BlobStore and metadata in the
// artifacts table; the stored name ties the two together.
type Store struct {
	cfg   Config
	blobs BlobStore
	index index
}

// New wires a Store. A non-positive MaxSize falls back to DefaultMaxSize.
func New(cfg Config, orm *gorm.DB, blobs BlobStore) (*Store, error) {
	if orm == nil {
		return nil, errors.New("gorm handle is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	return &Store{cfg: cfg, blobs: blobs, index: index{orm: orm}}, nil
}

// MaxSize reports the upload limit in bytes.
func (s *Store) MaxSize() int64 { return s.cfg.MaxSize }

// Put stores content under a name derived from displayName and the content digest. Uploading the
// same name and bytes again is a no-op that returns the existing record.
func (s *Store) Put(ctx context.Context, displayName string, content []byte) (Artifact, error) {
	size := int64(len(content))
	if size > s.cfg.MaxSize {
		return Artifact{}, errs.TooLargef("artifact is %d bytes, limit is %d", size, s.cfg.MaxSize)
	}

	name := SanitizeName(displayName)
	if name == "" {
		return Artifact{}, errs.Validationf("display name %q has no usable characters", displayName)
	}

	digest := Digest(content)
	stored := StoredName(name, digest)

	if err := s.blobs.Put(ctx, stored, bytes.NewReader(content), size, digest); err != nil {
		return Artifact{}, errs.Storage("write payload", err)
	}

	model := artifactModel{
		DisplayName: name,
		StoredName:  stored,
		Digest:      digest,
		Size:        size,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	created, err := s.index.insert(ctx, &model)
	if err != nil {
		// A concurrent upload of the same bytes may have won the row; the payload is shared.
		if existing, findErr := s.index.find(ctx, stored); findErr == nil {
			return existing.toAPI(), nil
		}
		cleanup := s.blobs.Delete(ctx, stored)
		return Artifact{}, errs.Storage("record metadata", errors.Join(err, cleanup))
	}
	if created {
		return model.toAPI(), nil
	}

	existing, err := s.index.find(ctx, stored)
	if err != nil {
		return Artifact{}, errs.Storage("load metadata", err)
	}
	return existing.toAPI(), nil
}

// List returns every artifact, newest first.
func (s *Store) List(ctx context.Context) ([]Artifact, error) {
	rows, err := s.index.list(ctx)
	if err != nil {
		return nil, errs.Storage("list metadata", err)
	}
	out := make([]Artifact, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}

// Find returns the metadata for storedName.
func (s *Store) Find(ctx context.Context, storedName string) (Artifact, error) {
	if !validStoredName(storedName) {
		return Artifact{}, errs.NotFoundf("artifact %q not found", storedName)
	}
	m, err := s.index.find(ctx, storedName)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Artifact{}, err
		}
		return Artifact{}, errs.Storage("load metadata", err)
	}
	return m.toAPI(), nil
}

// Get opens the payload for storedName. The caller closes the reader. Absence of the payload is
// NotFound whatever the metadata says.
func (s *Store) Get(ctx context.Context, storedName string) (io.ReadCloser, int64, error) {
	if !validStoredName(storedName) {
		return nil, 0, errs.NotFoundf("artifact %q not found", storedName)
	}
	rc, size, err := s.blobs.Open(ctx, storedName)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, 0, err
		}
		return nil, 0, errs.Storage("open payload", err)
	}
	return rc, size, nil
}

// Delete removes the payload and then the metadata. Either being absent already is fine; every
// removal that fails for another reason is reported.
func (s *Store) Delete(ctx context.Context, storedName string) error {
	if !validStoredName(storedName) {
		return errs.Validationf("invalid stored name %q", storedName)
	}

	var failures []error
	if err := s.blobs.Delete(ctx, storedName); err != nil {
		failures = append(failures, errs.Storage("remove payload", err))
	}
	if err := s.index.remove(ctx, storedName); err != nil {
		failures = append(failures, errs.Storage("remove metadata", err))
	}
	return errors.Join(failures...)
}

// Presign returns a direct download URL when the blob backend supports it.
func (s *Store) Presign(ctx context.Context, storedName string, ttl time.Duration) (string, error) {
	p, ok := s.blobs.(Presigner)
	if !ok {
		return "", ErrPresignUnsupported
	}
	if _, err := s.Find(ctx, storedName); err != nil {
		return "", err
	}
	url, err := p.PresignGet(ctx, storedName, ttl)
	if err != nil {
		return "", errs.Storage("presign payload", err)
	}
	return url, nil
}
