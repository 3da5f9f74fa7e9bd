package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	// PublicBaseURL overrides the derived object URL when it is absolute.
	PublicBaseURL string
}

// PutObjectAPI is the slice of the S3 client this driver needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3 struct {
	client  PutObjectAPI
	bucket  string
	baseURL string
}

func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is empty")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3 region is empty")
	}
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return NewS3WithClient(s3.New(opts), cfg), nil
}

func NewS3WithClient(client PutObjectAPI, cfg S3Config) *S3 {
	return &S3{client: client, bucket: cfg.Bucket, baseURL: objectBaseURL(cfg)}
}

func (s *S3) Save(ctx context.Context, key, contentType string, r io.Reader, size int64) (Object, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return Object{}, fmt.Errorf("s3 put %s: %w", key, err)
	}
	return Object{Key: key, Size: size, URL: s.URL(key)}, nil
}

func (s *S3) URL(key string) string {
	return joinURL(s.baseURL, key)
}

func objectBaseURL(cfg S3Config) string {
	if strings.HasPrefix(cfg.PublicBaseURL, "http://") || strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		return cfg.PublicBaseURL
	}
	if cfg.Endpoint != "" {
		endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
		if cfg.UsePathStyle {
			return endpoint + "/" + cfg.Bucket + "/"
		}
		scheme, host, ok := strings.Cut(endpoint, "://")
		if ok {
			return scheme + "://" + cfg.Bucket + "." + host + "/"
		}
		return endpoint + "/" + cfg.Bucket + "/"
	}
	if cfg.UsePathStyle {
		return "https://s3." + cfg.Region + ".amazonaws.com/" + cfg.Bucket + "/"
	}
	return "https://" + cfg.Bucket + ".s3." + cfg.Region + ".amazonaws.com/"
}
