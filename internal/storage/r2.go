package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/models"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// s3API is the subset of *s3.Client the store needs.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewR2Client builds an S3 client pointed at the Cloudflare R2 account endpoint.
func NewR2Client(ctx context.Context, cfg config.R2) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("load r2 config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID))
	}), nil
}

type R2Options struct {
	Bucket    string
	PublicURL string
	// MaxSize caps an upload in bytes; 0 disables the cap.
	MaxSize int64
	// Timeout bounds each upload, download start and delete.
	Timeout time.Duration
}

type R2Store struct {
	client    s3API
	bucket    string
	publicURL string
	maxSize   int64
	timeout   time.Duration
}

func NewR2Store(client s3API, opts R2Options) *R2Store {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &R2Store{
		client:    client,
		bucket:    opts.Bucket,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		maxSize:   opts.MaxSize,
		timeout:   timeout,
	}
}

func (r *R2Store) Upload(ctx context.Context, body io.Reader, contentType, suggestedName string) (*Object, error) {
	s, err := stage(body, r.maxSize)
	if err != nil {
		return nil, err
	}
	defer s.cleanup()

	id, err := gonanoid.New()
	if err != nil {
		return nil, models.NewInternal(fmt.Errorf("generate key: %w", err))
	}
	key := fmt.Sprintf("media/%s.%s", id, s.kind.Extension)

	if contentType != "" && contentType != s.kind.MIME.Value {
		slog.Debug("declared content type differs from sniffed type",
			"declared", contentType, "sniffed", s.kind.MIME.Value)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          s.file,
		ContentLength: aws.Int64(s.size),
		ContentType:   aws.String(s.kind.MIME.Value),
	}
	if suggestedName != "" {
		input.Metadata = map[string]string{"original-name": suggestedName}
	}

	if _, err := r.client.PutObject(ctx, input); err != nil {
		slog.Info(err.Error())
		// An aborted put may still have landed; remove it on a fresh context.
		r.deleteDetached(key)
		return nil, models.NewTransient("", fmt.Errorf("put object: %w", err))
	}

	return &Object{
		Key:         key,
		URL:         r.publicURL + "/" + key,
		ContentType: s.kind.MIME.Value,
		Size:        s.size,
	}, nil
}

func (r *R2Store) Download(ctx context.Context, publicURL string) (io.ReadCloser, error) {
	key, err := r.keyFor(publicURL)
	if err != nil {
		return nil, err
	}

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, models.NewNotFound("media")
		}
		slog.Info(err.Error())
		return nil, models.NewTransient("", fmt.Errorf("get object: %w", err))
	}
	return out.Body, nil
}

func (r *R2Store) Delete(ctx context.Context, publicURL string) error {
	key, err := r.keyFor(publicURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err = r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNoSuchKey(err) {
		slog.Info(err.Error())
		return models.NewTransient("", fmt.Errorf("delete object: %w", err))
	}
	return nil
}

func (r *R2Store) deleteDetached(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNoSuchKey(err) {
		slog.Warn("cleanup of failed upload", "key", key, "error", err)
	}
}

func (r *R2Store) keyFor(publicURL string) (string, error) {
	prefix := r.publicURL + "/"
	if !strings.HasPrefix(publicURL, prefix) || len(publicURL) == len(prefix) {
		e := models.NewInvalidRequest("media url is not managed by this store")
		e.Err = ErrForeignURL
		return "", e
	}
	return strings.TrimPrefix(publicURL, prefix), nil
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound"
	}
	return false
}
