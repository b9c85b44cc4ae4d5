// Package artifacts stores finalized signing artifacts and fetches them back
// for verification. Objects are addressed by a logical ref on write and by
// the URL the backend returns on read: file://, s3:// or gs://.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrInvalidRef = errors.New("invalid artifact reference")
)

// Store persists artifacts. Put is idempotent: an object already present at
// ref is left untouched and its URL returned.
type Store interface {
	Put(ctx context.Context, ref string, data []byte) (string, error)
	Fetch(ctx context.Context, artifactURL string) ([]byte, error)
	Exists(ctx context.Context, artifactURL string) (bool, error)
}

// Fingerprint returns "sha256:<hex>" of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// cleanRef normalizes a logical ref into a relative slash path and rejects
// anything that would escape the store root.
func cleanRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	cleaned := path.Clean("/" + ref)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return cleaned, nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	//nolint:gosec // G301: 0755 is intentional for shared artifact directory
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

func (s *FileStore) urlFor(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

// pathFor maps a file:// URL back to a path under baseDir.
func (s *FileStore) pathFor(artifactURL string) (string, error) {
	u, err := url.Parse(artifactURL)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("%w: %s", ErrInvalidRef, artifactURL)
	}
	p := filepath.Clean(filepath.FromSlash(u.Path))
	rel, err := filepath.Rel(s.baseDir, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s is outside the store", ErrInvalidRef, artifactURL)
	}
	return p, nil
}

func (s *FileStore) Put(_ context.Context, ref string, data []byte) (string, error) {
	rel, err := cleanRef(ref)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := filepath.Join(s.baseDir, filepath.FromSlash(rel))
	if _, err := os.Stat(p); err == nil {
		return s.urlFor(p), nil
	}
	//nolint:gosec // G301: 0755 is intentional for shared artifact directory
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	// Write to temp, then rename
	tmp := p + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("failed to commit artifact: %w", err)
	}
	return s.urlFor(p), nil
}

func (s *FileStore) Fetch(_ context.Context, artifactURL string) ([]byte, error) {
	p, err := s.pathFor(artifactURL)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(p) //nolint:gosec // path confined to baseDir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, artifactURL)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, artifactURL string) (bool, error) {
	p, err := s.pathFor(artifactURL)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// parseBucketURL splits "<scheme>://bucket/key" and checks the bucket.
func parseBucketURL(artifactURL, scheme, bucket string) (string, error) {
	u, err := url.Parse(artifactURL)
	if err != nil || u.Scheme != scheme || u.Host != bucket {
		return "", fmt.Errorf("%w: %s does not belong to %s://%s", ErrInvalidRef, artifactURL, scheme, bucket)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", fmt.Errorf("%w: %s has no key", ErrInvalidRef, artifactURL)
	}
	return key, nil
}
