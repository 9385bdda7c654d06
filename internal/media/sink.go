// Package media stores user-supplied reference media in S3-compatible
// object storage.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Client is the subset of *s3.Client used by the sink.
type S3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	PublicURL string
}

// Object is a stored media file.
type Object struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type S3Sink struct {
	client S3Client
	cfg    S3Config
}

func NewS3Sink(cfg S3Config) *S3Sink {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &S3Sink{client: s3.New(opts), cfg: cfg}
}

// NewS3SinkWithClient builds a sink around an existing client.
func NewS3SinkWithClient(client S3Client, cfg S3Config) *S3Sink {
	return &S3Sink{client: client, cfg: cfg}
}

// Store validates and uploads one file of the given size for userID.
func (s *S3Sink) Store(ctx context.Context, userID, filename string, r io.Reader, size int64) (Object, error) {
	if size > MaxUploadBytes {
		return Object{}, ErrTooLarge
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Object{}, fmt.Errorf("read media head: %w", err)
	}
	head = head[:n]

	contentType, err := ValidateBySniff(filename, head)
	if err != nil {
		return Object{}, err
	}

	body, size, err := rewind(head, r, size)
	if err != nil {
		return Object{}, err
	}

	key := path.Join("uploads", userID, uuid.NewString()+strings.ToLower(filepath.Ext(filename)))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return Object{}, fmt.Errorf("upload to s3: %w", err)
	}

	return Object{Key: key, URL: s.objectURL(key), ContentType: contentType, Size: size}, nil
}

// rewind returns the whole upload as a seekable body, which the SDK needs to
// hash the payload on plain-HTTP endpoints. Readers that cannot seek are
// buffered; the size limit bounds the buffer.
func rewind(head []byte, r io.Reader, size int64) (io.ReadSeeker, int64, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		if _, err := rs.Seek(0, io.SeekStart); err == nil {
			return rs, size, nil
		}
	}

	rest, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes-int64(len(head))+1))
	if err != nil {
		return nil, 0, fmt.Errorf("read media: %w", err)
	}
	buf := append(head, rest...)
	if int64(len(buf)) > MaxUploadBytes {
		return nil, 0, ErrTooLarge
	}
	return bytes.NewReader(buf), int64(len(buf)), nil
}

func (s *S3Sink) objectURL(key string) string {
	switch {
	case s.cfg.PublicURL != "":
		return strings.TrimRight(s.cfg.PublicURL, "/") + "/" + key
	case s.cfg.Endpoint != "":
		return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + key
	default:
		return "s3://" + s.cfg.Bucket + "/" + key
	}
}
