// Package blob stores resumes and generated cover letters. Stores address
// objects by URL so the scheme of a stored URL tells which store can read it.
package blob

import (
	"context"
	"net/url"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

var ErrUnsupportedURL = errors.New("unsupported blob url")

type Store interface {
	// Put stores data under name and returns the URL to read it back.
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
}

// FSStore keeps blobs as files below a root directory.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("blob dir is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve blob dir %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create blob dir %s", abs)
	}
	return &FSStore{root: abs}, nil
}

func (s *FSStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", errors.Errorf("invalid blob name %q", name)
	}
	path := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create directory for %s", name)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write blob %s", name)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

// Get reads a file:// URL. Paths outside the root are rejected.
func (s *FSStore) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return nil, errors.Wrapf(ErrUnsupportedURL, "%s", rawURL)
	}
	path := filepath.FromSlash(u.Path)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || !filepath.IsLocal(rel) {
		return nil, errors.Errorf("blob %s is outside %s", rawURL, s.root)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read blob %s", rawURL)
	}
	return data, nil
}

// Mux writes to one store and reads from whichever store owns the URL scheme.
type Mux struct {
	writer  Store
	readers map[string]Store
}

func NewMux(writer Store, readers map[string]Store) *Mux {
	return &Mux{writer: writer, readers: readers}
}

func (m *Mux) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	return m.writer.Put(ctx, name, data, contentType)
}

func (m *Mux) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(ErrUnsupportedURL, "%s", rawURL)
	}
	store, ok := m.readers[u.Scheme]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedURL, "no store for scheme %q", u.Scheme)
	}
	return store.Get(ctx, rawURL)
}
