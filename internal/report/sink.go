package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"

	"github.com/reactbench/reactbench/internal/config"
)

// ErrWriteFailed is returned when a report could not be stored.
var ErrWriteFailed = errors.New("report write failed")

// Sink stores an encoded report.
type Sink interface {
	Write(ctx context.Context, data []byte) error
	String() string
}

// NewSink picks the sink for a destination: s3://bucket/key uploads to S3, a
// path ending in .sz is written snappy framed, anything else is a plain file.
func NewSink(ctx context.Context, dest string, cfg config.S3Config) (Sink, error) {
	if strings.HasPrefix(dest, "s3://") {
		u, err := url.Parse(dest)
		if err != nil {
			return nil, fmt.Errorf("invalid s3 destination %q: %w", dest, err)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("invalid s3 destination %q: want s3://bucket/key", dest)
		}
		return NewS3Sink(ctx, u.Host, key, cfg)
	}
	return &FileSink{Path: dest, Compress: strings.HasSuffix(dest, ".sz")}, nil
}

// FileSink writes the report to a local file.
type FileSink struct {
	Path string

	// Compress writes the snappy framing format
	Compress bool
}

func (f *FileSink) String() string {
	return f.Path
}

// Write writes to a temporary file next to Path and renames it into place.
func (f *FileSink) Write(_ context.Context, data []byte) error {
	if f.Compress {
		var buf bytes.Buffer
		w := snappy.NewBufferedWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		data = buf.Bytes()
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".reactbench-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// putObjectAPI is the part of the S3 client the sink uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads the report as one object.
type S3Sink struct {
	client     putObjectAPI
	bucket     string
	key        string
	maxRetries int
}

// NewS3Sink creates an S3 client from the default credential chain.
func NewS3Sink(ctx context.Context, bucket, key string, cfg config.S3Config) (*S3Sink, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3SinkWithClient(s3.NewFromConfig(awsCfg, s3Opts...), bucket, key), nil
}

func newS3SinkWithClient(client putObjectAPI, bucket, key string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, key: key, maxRetries: 3}
}

func (s *S3Sink) String() string {
	return "s3://" + s.bucket + "/" + s.key
}

// Write uploads data, retrying with exponential backoff.
func (s *S3Sink) Write(ctx context.Context, data []byte) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *S3Sink) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if attempt < s.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
