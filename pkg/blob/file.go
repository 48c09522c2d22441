package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xenophobed/isa-mcp/internal/fault"
)

// FileStore is a filesystem-backed blob store. Writes go to a temp file and
// are committed with an atomic rename.
type FileStore struct {
	baseDir string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensuring blob dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fault.Newf(fault.InvalidArgument, "invalid blob key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *FileStore) Put(_ context.Context, key string, data io.Reader) (Info, error) {
	path, err := s.path(key)
	if err != nil {
		return Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Info{}, fault.Wrap(fault.Unavailable, "creating blob directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return Info{}, fault.Wrap(fault.Unavailable, "creating temp blob", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	hr, sum := newSHA256Reader(data)
	n, err := io.Copy(tmp, hr)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Info{}, fault.Wrap(fault.Unavailable, "writing blob", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return Info{}, fault.Wrap(fault.Unavailable, "committing blob", err)
	}
	return Info{Key: key, ByteSize: n, ETag: sum()}, nil
}

func (s *FileStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.NotFound, "blob %q not found", key)
		}
		return nil, fault.Wrap(fault.Unavailable, "opening blob", err)
	}
	return f, nil
}

func (s *FileStore) Head(_ context.Context, key string) (Info, error) {
	path, err := s.path(key)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fault.Newf(fault.NotFound, "blob %q not found", key)
		}
		return Info{}, fault.Wrap(fault.Unavailable, "statting blob", err)
	}
	return Info{Key: key, ByteSize: fi.Size()}, nil
}

func (s *FileStore) Healthy(context.Context) error {
	if _, err := os.Stat(s.baseDir); err != nil {
		return fault.Wrap(fault.Unavailable, "blob directory inaccessible", err)
	}
	return nil
}
