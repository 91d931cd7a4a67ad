package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"git.home.luguber.info/inful/assetstore/internal/errors"
)

// splitBucketURL returns bucket and key of scheme://bucket/key.
func splitBucketURL(rawURL, scheme string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errors.MalformedSource(rawURL, err)
	}
	if u.Scheme != scheme || u.Host == "" {
		return "", "", errors.MalformedSource(rawURL, fmt.Errorf("expected %s://bucket/key", scheme))
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", errors.MalformedSource(rawURL, fmt.Errorf("missing object key"))
	}
	return u.Host, key, nil
}

// S3API is the part of *s3.Client used for fetching.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configures the S3 client.
type S3Options struct {
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
}

// S3Fetcher fetches s3://bucket/key URLs.
type S3Fetcher struct {
	client   S3API
	maxBytes int64
}

// NewS3Fetcher builds a client from the default AWS credential chain.
func NewS3Fetcher(ctx context.Context, opts S3Options, maxBytes int64) (*S3Fetcher, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})
	return NewS3FetcherWithClient(client, maxBytes), nil
}

// NewS3FetcherWithClient wraps an existing client.
func NewS3FetcherWithClient(client S3API, maxBytes int64) *S3Fetcher {
	return &S3Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch downloads the object named by rawURL.
func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, key, err := splitBucketURL(rawURL, "s3")
	if err != nil {
		return nil, err
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Transport(rawURL, fmt.Errorf("s3 get: %w", err))
	}
	defer func() { _ = out.Body.Close() }()

	data, err := readLimited(out.Body, f.maxBytes)
	if err != nil {
		return nil, errors.Transport(rawURL, err)
	}
	return data, nil
}

// GCSOpenFunc opens an object for reading.
type GCSOpenFunc func(ctx context.Context, bucket, object string) (io.ReadCloser, error)

// GCSFetcher fetches gs://bucket/object URLs.
type GCSFetcher struct {
	open     GCSOpenFunc
	closer   func() error
	maxBytes int64
}

// NewGCSFetcher creates a client using application default credentials.
func NewGCSFetcher(ctx context.Context, maxBytes int64) (*GCSFetcher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	open := func(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
		return client.Bucket(bucket).Object(object).NewReader(ctx)
	}
	f := NewGCSFetcherWithOpener(open, maxBytes)
	f.closer = client.Close
	return f, nil
}

// NewGCSFetcherWithOpener uses open instead of a storage client.
func NewGCSFetcherWithOpener(open GCSOpenFunc, maxBytes int64) *GCSFetcher {
	return &GCSFetcher{open: open, maxBytes: maxBytes}
}

// Fetch downloads the object named by rawURL.
func (f *GCSFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, object, err := splitBucketURL(rawURL, "gs")
	if err != nil {
		return nil, err
	}
	reader, err := f.open(ctx, bucket, object)
	if err != nil {
		return nil, errors.Transport(rawURL, fmt.Errorf("gcs get: %w", err))
	}
	defer func() { _ = reader.Close() }()

	data, err := readLimited(reader, f.maxBytes)
	if err != nil {
		return nil, errors.Transport(rawURL, err)
	}
	return data, nil
}

// Close releases the underlying storage client, if any.
func (f *GCSFetcher) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer()
}
