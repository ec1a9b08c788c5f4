package export

import (
	"context"
	"fmt"
	"io"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// AliyunDestination forwards attachments to Aliyun OSS, adapted from
// the teacher's AliyunOSSProvider (internal/service/oss_aliyun.go).
type AliyunDestination struct {
	bucket *oss.Bucket
	config DestinationConfig
}

func newAliyunDestination(cfg DestinationConfig) (*AliyunDestination, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://oss-%s.aliyuncs.com", cfg.Region)
	}

	client, err := oss.New(endpoint, cfg.AccessKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create aliyun oss client: %w", err)
	}

	bucket, err := client.Bucket(cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket %s: %w", cfg.Bucket, err)
	}

	return &AliyunDestination{bucket: bucket, config: cfg}, nil
}

func (d *AliyunDestination) Upload(_ context.Context, key string, r io.Reader, contentType string) error {
	var options []oss.Option
	if contentType != "" {
		options = append(options, oss.ContentType(contentType))
	}
	if err := d.bucket.PutObject(key, r, options...); err != nil {
		return fmt.Errorf("failed to upload %s to aliyun oss: %w", key, err)
	}
	return nil
}

func (d *AliyunDestination) Delete(_ context.Context, key string) error {
	if err := d.bucket.DeleteObject(key); err != nil {
		return fmt.Errorf("failed to delete %s from aliyun oss: %w", key, err)
	}
	return nil
}

func (d *AliyunDestination) TestConnection(_ context.Context) error {
	if _, err := d.bucket.IsObjectExist("healthcheck"); err != nil {
		return fmt.Errorf("failed to test aliyun oss connection: %w", err)
	}
	return nil
}
