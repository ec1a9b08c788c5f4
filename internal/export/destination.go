// Package export implements the supplemented Export / Peer-Forwarding
// feature: a client of the core's change-feed listener capability that
// forwards newly stored instances to external object storage and logs
// each forward as an ExportedResource row (spec.md §3's
// LogExportedResource). The core has no import-time dependency on this
// package; cmd/server wires it in only when an active destination is
// configured.
package export

import (
	"context"
	"io"
	"time"

	"gorm.io/gorm"
)

// Destination is the upload/delete/health-check contract every export
// provider implements, modeled on the teacher's OSSProvider interface
// (internal/service/oss_interface.go), narrowed to what forwarding
// needs: push an attachment, remove it, and verify reachability.
type Destination interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string) error
	Delete(ctx context.Context, key string) error
	TestConnection(ctx context.Context) error
}

// DestinationConfig is the persisted provider configuration, the
// export-domain counterpart of the teacher's database.OSSConfig.
type DestinationConfig struct {
	ID        uint   `gorm:"primarykey"`
	Name      string `gorm:"not null;size:100"`
	Provider  string `gorm:"not null;size:20"` // aliyun, tencent, qiniu
	Region    string `gorm:"size:50"`
	Bucket    string `gorm:"not null;size:100"`
	AccessKey string `gorm:"not null;size:100"`
	SecretKey string `gorm:"not null;size:200"`
	Endpoint  string `gorm:"size:200"`
	IsActive  bool   `gorm:"default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (DestinationConfig) TableName() string { return "export_destinations" }

// NewDestination builds the concrete provider named by cfg.Provider,
// mirroring the teacher's OSSProviderFactory.CreateProvider switch.
func NewDestination(cfg DestinationConfig) (Destination, error) {
	switch cfg.Provider {
	case "aliyun":
		return newAliyunDestination(cfg)
	case "qiniu":
		return newQiniuDestination(cfg)
	case "tencent":
		return newTencentDestination(cfg)
	default:
		return nil, errUnsupportedProvider(cfg.Provider)
	}
}

type unsupportedProviderError struct{ provider string }

func (e unsupportedProviderError) Error() string {
	return "unsupported export provider: " + e.provider
}

func errUnsupportedProvider(provider string) error {
	return unsupportedProviderError{provider: provider}
}

// objectKey builds the <publicID>/<contentType> layout described in
// SPEC_FULL.md §C.
func objectKey(publicID, contentType string) string {
	return publicID + "/" + contentType
}
