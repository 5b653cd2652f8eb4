package upload

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"talkready/internal/capture"
)

// ObjectPutter is the subset of the S3 client used here.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // S3-compatible endpoint; empty means AWS
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string // e.g. https://cdn.example.com; defaults to the virtual-hosted bucket URL
}

// S3Uploader stores recordings under recordings/ in one bucket.
type S3Uploader struct {
	client  ObjectPutter
	bucket  string
	baseURL string
	newKey  func(ext string) string
}

func NewS3(cfg S3Config) *S3Uploader {
	opts := s3.Options{
		Region: cfg.Region,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return NewS3WithClient(s3.New(opts), cfg)
}

func NewS3WithClient(client ObjectPutter, cfg S3Config) *S3Uploader {
	base := cfg.PublicBaseURL
	if base == "" {
		if cfg.Endpoint != "" {
			base = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		} else {
			base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}
	return &S3Uploader{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(base, "/"),
		newKey: func(ext string) string {
			return "recordings/" + uuid.NewString() + "." + ext
		},
	}
}

func (u *S3Uploader) Upload(ctx context.Context, blob capture.Blob) (string, error) {
	if len(blob.Data) == 0 {
		return "", ErrEmptyBlob
	}
	key := u.newKey(extensionFor(blob.MIMEType))
	contentType := blob.MIMEType
	if contentType == "" {
		contentType = capture.DefaultMIMEType
	}
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(blob.Data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(blob.Data))),
	})
	if err != nil {
		return "", fmt.Errorf("%w: put object: %v", ErrUploadFailed, err)
	}
	return u.baseURL + "/" + key, nil
}
