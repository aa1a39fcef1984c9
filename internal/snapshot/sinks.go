package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/config"
)

// HTTPUploader posts PNGs to a visual-diff service. The snapshot name travels
// in the "name" query parameter.
type HTTPUploader struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func (u *HTTPUploader) Upload(ctx context.Context, key string, image []byte) error {
	endpoint, err := url.Parse(u.Endpoint)
	if err != nil {
		return fmt.Errorf("snapshot endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("name", key)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(image))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/png")
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("snapshot service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// S3Uploader stores snapshots as objects under Prefix.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Uploader wraps an existing client.
func NewS3Uploader(client *s3.Client, bucket, prefix string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket, prefix: prefix}
}

// S3FromConfig builds a client from the default AWS credential chain, or from
// the static key pair when both halves are given. A non-empty S3Endpoint
// targets S3-compatible storage.
func S3FromConfig(ctx context.Context, cfg config.SnapshotConfig, accessKey, secretKey string) (*S3Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3Uploader(client, cfg.Bucket, cfg.Prefix), nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, image []byte) error {
	objectKey := path.Join(u.prefix, key) + ".png"
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(image),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return fmt.Errorf("put snapshot %q: %w", objectKey, err)
	}
	return nil
}

// New builds the queue for the configured sink. It returns nil for the
// "none" sink; callers then run without snapshot delivery.
func New(ctx context.Context, cfg config.SnapshotConfig, env func(string) string, logger *zap.Logger, rec Recorder) (*Queue, error) {
	var up Uploader
	switch cfg.Sink {
	case "", "none":
		return nil, nil
	case "http":
		up = &HTTPUploader{Endpoint: cfg.Endpoint, Token: cfg.Token, Client: &http.Client{Timeout: cfg.Timeout}}
	case "s3":
		s3up, err := S3FromConfig(ctx, cfg, env("AWS_ACCESS_KEY_ID"), env("AWS_SECRET_ACCESS_KEY"))
		if err != nil {
			return nil, err
		}
		up = s3up
	default:
		return nil, fmt.Errorf("unknown snapshot sink %q", cfg.Sink)
	}
	logger.Info("snapshot delivery enabled", zap.String("sink", cfg.Sink), zap.Int("workers", cfg.Workers))
	return NewQueue(up, QueueOptions{
		Workers:    cfg.Workers,
		Size:       cfg.QueueSize,
		RatePerSec: cfg.RatePerSec,
		Timeout:    cfg.Timeout,
	}, logger.Named("snapshot"), rec), nil
}
