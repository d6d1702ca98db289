package blob

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// S3API is the part of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps blobs in one bucket under a key prefix and hands out
// s3://bucket/key URLs.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store builds a client from the default AWS credential chain.
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load aws config")
	}
	return NewS3StoreWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Store) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	key := path.Join(s.prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to put s3://%s/%s", s.bucket, key)
	}
	return (&url.URL{Scheme: "s3", Host: s.bucket, Path: "/" + key}).String(), nil
}

func (s *S3Store) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return nil, errors.Wrapf(ErrUnsupportedURL, "%s", rawURL)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s", rawURL)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", rawURL)
	}
	return data, nil
}
