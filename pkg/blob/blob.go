// Package blob stores large resource payloads outside the catalog. Payloads
// are content-addressed: Put returns the SHA-256 of the stored bytes, which
// doubles as the resource etag.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
)

// Info describes a stored blob.
type Info struct {
	Key      string
	ByteSize int64
	ETag     string
}

// Store is the blob storage contract. Get returns a lazy reader; callers
// must close it.
type Store interface {
	Put(ctx context.Context, key string, data io.Reader) (Info, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Healthy(ctx context.Context) error
}

// Open selects a Store implementation from the URL scheme:
// file:///dir for the filesystem store, s3://bucket/prefix for S3.
func Open(ctx context.Context, rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing blob store URL: %w", err)
	}

	switch u.Scheme {
	case "file":
		return NewFileStore(u.Path)
	case "s3":
		return NewS3Store(ctx, u.Host, trimSlash(u.Path))
	default:
		return nil, fmt.Errorf("unsupported blob store scheme %q", u.Scheme)
	}
}

func trimSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

// hashingReader computes the SHA-256 of everything read through it.
type hashingReader struct {
	r io.Reader
	h io.Writer
	n int64
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.n += int64(n)
		_, _ = hr.h.Write(p[:n])
	}
	return n, err
}

func newSHA256Reader(r io.Reader) (*hashingReader, func() string) {
	h := sha256.New()
	hr := &hashingReader{r: r, h: h}
	return hr, func() string { return hex.EncodeToString(h.Sum(nil)) }
}
