package export

import (
	"context"
	"fmt"
	"io"

	"github.com/qiniu/go-sdk/v7/auth/qbox"
	"github.com/qiniu/go-sdk/v7/storage"
)

// QiniuDestination forwards attachments to Qiniu Kodo, adapted from
// the teacher's QiniuKodoProvider (internal/service/oss_qiniu.go).
type QiniuDestination struct {
	mac    *qbox.Mac
	bucket string
	region *storage.Region
	config DestinationConfig
}

func newQiniuDestination(cfg DestinationConfig) (*QiniuDestination, error) {
	mac := qbox.NewMac(cfg.AccessKey, cfg.SecretKey)

	region, err := storage.GetRegion(cfg.AccessKey, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to get qiniu region: %w", err)
	}

	return &QiniuDestination{mac: mac, bucket: cfg.Bucket, region: region, config: cfg}, nil
}

func (d *QiniuDestination) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	putPolicy := storage.PutPolicy{Scope: fmt.Sprintf("%s:%s", d.bucket, key)}
	upToken := putPolicy.UploadToken(d.mac)

	cfg := storage.Config{Region: d.region, UseHTTPS: true}
	uploader := storage.NewFormUploader(&cfg)

	putExtra := storage.PutExtra{}
	if contentType != "" {
		putExtra.MimeType = contentType
	}

	var ret storage.PutRet
	if err := uploader.Put(ctx, &ret, upToken, key, r, -1, &putExtra); err != nil {
		return fmt.Errorf("failed to upload %s to qiniu kodo: %w", key, err)
	}
	return nil
}

func (d *QiniuDestination) Delete(_ context.Context, key string) error {
	manager := storage.NewBucketManager(d.mac, &storage.Config{Region: d.region})
	if err := manager.Delete(d.bucket, key); err != nil {
		return fmt.Errorf("failed to delete %s from qiniu kodo: %w", key, err)
	}
	return nil
}

func (d *QiniuDestination) TestConnection(_ context.Context) error {
	manager := storage.NewBucketManager(d.mac, &storage.Config{Region: d.region})
	_, _, _, _, err := manager.ListFiles(d.bucket, "", "", "", 1)
	if err != nil {
		return fmt.Errorf("failed to test qiniu kodo connection: %w", err)
	}
	return nil
}
