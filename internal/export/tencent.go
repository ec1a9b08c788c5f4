package export

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tencentyun/cos-go-sdk-v5"
)

// TencentDestination forwards attachments to Tencent COS, adapted from
// the teacher's TencentCOSProvider (internal/service/oss_tencent.go).
type TencentDestination struct {
	client *cos.Client
	config DestinationConfig
}

func newTencentDestination(cfg DestinationConfig) (*TencentDestination, error) {
	bucketURL := cfg.Endpoint
	if bucketURL == "" {
		bucketURL = fmt.Sprintf("https://%s.cos.%s.myqcloud.com", cfg.Bucket, cfg.Region)
	}

	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bucket url: %w", err)
	}

	client := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		},
	})

	return &TencentDestination{client: client, config: cfg}, nil
}

func (d *TencentDestination) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	options := &cos.ObjectPutOptions{}
	if contentType != "" {
		options.ObjectPutHeaderOptions = &cos.ObjectPutHeaderOptions{ContentType: contentType}
	}
	if _, err := d.client.Object.Put(ctx, key, r, options); err != nil {
		return fmt.Errorf("failed to upload %s to tencent cos: %w", key, err)
	}
	return nil
}

func (d *TencentDestination) Delete(ctx context.Context, key string) error {
	if _, err := d.client.Object.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete %s from tencent cos: %w", key, err)
	}
	return nil
}

func (d *TencentDestination) TestConnection(ctx context.Context) error {
	if _, err := d.client.Bucket.Head(ctx); err != nil {
		return fmt.Errorf("failed to test tencent cos connection: %w", err)
	}
	return nil
}
