package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/xenophobed/isa-mcp/internal/fault"
)

// S3Store stores blobs in an S3 bucket under an optional key prefix.
// Credentials and region come from the default AWS config chain.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3-backed store for s3://bucket/prefix URLs.
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Store) Put(ctx context.Context, key string, data io.Reader) (Info, error) {
	// S3 needs a seekable body for signing; buffer and hash in one pass.
	hr, sum := newSHA256Reader(data)
	buf, err := io.ReadAll(hr)
	if err != nil {
		return Info{}, fault.Wrap(fault.Unavailable, "reading blob payload", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(buf),
	})
	if err != nil {
		return Info{}, fault.Wrap(fault.Unavailable, "putting blob to s3", err)
	}
	return Info{Key: key, ByteSize: int64(len(buf)), ETag: sum()}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fault.Newf(fault.NotFound, "blob %q not found", key)
		}
		return nil, fault.Wrap(fault.Unavailable, "getting blob from s3", err)
	}
	return out.Body, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return Info{}, fault.Newf(fault.NotFound, "blob %q not found", key)
		}
		return Info{}, fault.Wrap(fault.Unavailable, "heading blob in s3", err)
	}
	return Info{Key: key, ByteSize: aws.ToInt64(out.ContentLength), ETag: aws.ToString(out.ETag)}, nil
}

func (s *S3Store) Healthy(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fault.Wrap(fault.Unavailable, "heading s3 bucket", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
