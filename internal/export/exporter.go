package export

import (
	"bytes"
	"context"

	"github.com/IMAGE-ET/Orthanc-2/internal/admission"
	"github.com/IMAGE-ET/Orthanc-2/internal/blobstore"
	"github.com/IMAGE-ET/Orthanc-2/internal/changefeed"
	"github.com/IMAGE-ET/Orthanc-2/internal/index"
	"github.com/IMAGE-ET/Orthanc-2/internal/logger"
)

// Exporter is an OnChange listener that forwards every newly stored
// instance's original DICOM attachment to Destination and appends an
// ExportedResource row, per SPEC_FULL.md §C. Failures are logged and
// swallowed, matching the Change Fan-out's documented guarantee that
// listener failures never affect the store path (spec.md §4.5).
type Exporter struct {
	DB          *index.Database
	Blobs       *blobstore.Store
	Destination Destination
	Name        string
}

// OnChange is registered against a runtime's change feed
// (runtime.Listener.OnChange).
func (e *Exporter) OnChange(event changefeed.Event) {
	if event.ChangeType != index.ChangeNewInstance {
		return
	}

	internalID, _, found, err := e.DB.LookupResource(event.PublicID)
	if err != nil || !found {
		return
	}

	attachment, found, err := e.DB.LookupAttachment(internalID, admission.ContentTypeDicom)
	if err != nil {
		logger.WithField("public_id", event.PublicID).Warnf("export: attachment lookup failed: %v", err)
		return
	}
	if !found {
		return
	}

	data, err := e.Blobs.Read(attachment.UUID, admission.ContentTypeDicom, blobstore.FileInfo{
		ContentType:      admission.ContentTypeDicom,
		UncompressedSize: attachment.UncompressedSize,
		CompressedSize:   attachment.CompressedSize,
		CompressionAlgo:  attachment.CompressionAlgo,
		UncompressedMD5:  attachment.UncompressedMD5,
		CompressedMD5:    attachment.CompressedMD5,
	})
	if err != nil {
		logger.WithField("public_id", event.PublicID).Warnf("export: attachment read failed: %v", err)
		return
	}

	ctx := context.Background()
	key := objectKey(event.PublicID, admission.ContentTypeDicom)
	if err := e.Destination.Upload(ctx, key, bytes.NewReader(data), "application/dicom"); err != nil {
		logger.WithField("public_id", event.PublicID).Warnf("export: upload to %s failed: %v", e.Name, err)
		return
	}

	err = e.DB.Transaction(func(tx *index.Tx) error {
		return tx.LogExportedResource(event.PublicID, event.Level, e.Name)
	})
	if err != nil {
		logger.WithField("public_id", event.PublicID).Warnf("export: logging exported resource failed: %v", err)
	}
}
