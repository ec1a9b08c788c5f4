// Package runtime implements the Runtime value of spec.md Design Notes
// §9: it owns the Index Database, Attachment Store, Recycler, Change
// Fan-out and Admission Pipeline, and exposes the programmatic
// External Interfaces of spec.md §6. Replacing the source's process-wide
// singletons, a Runtime is constructed fresh per process (or per test)
// and passed explicitly rather than reached for globally.
package runtime

import (
	"github.com/IMAGE-ET/Orthanc-2/config"
	"github.com/IMAGE-ET/Orthanc-2/internal/admission"
	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
	"github.com/IMAGE-ET/Orthanc-2/internal/blobstore"
	"github.com/IMAGE-ET/Orthanc-2/internal/changefeed"
	"github.com/IMAGE-ET/Orthanc-2/internal/identifier"
	"github.com/IMAGE-ET/Orthanc-2/internal/index"
	"github.com/IMAGE-ET/Orthanc-2/internal/logger"
	"github.com/IMAGE-ET/Orthanc-2/internal/query"
	"github.com/IMAGE-ET/Orthanc-2/internal/recycler"
)

// Listener is the capability set of Design Notes §9: a single
// interface replacing the source's virtual dispatch across multiple
// listener interfaces. Any subset can be left nil; RegisterListener
// skips the nil ones.
type Listener struct {
	OnChange       func(changefeed.Event)
	FilterIncoming func(admission.ParsedInstance) bool
	OnStored       func(publicID string, instance admission.ParsedInstance, summary admission.Summary)
}

// Runtime wires every core component together and is the sole handle
// front-ends hold; it has no package-level state of its own.
type Runtime struct {
	cfg config.CoreConfig

	DB        *index.Database
	Blobs     *blobstore.Store
	Identifier *identifier.Index
	Recycler  *recycler.Recycler
	Feed      *changefeed.Feed
	Admission *admission.Pipeline
	Query     *query.Engine
}

// New opens the index database and attachment store described by cfg
// and wires the remaining components around them. The change-feed
// worker is started; callers must call Close on shutdown.
func New(dbCfg config.DatabaseConfig, storageCfg config.StorageConfig, coreCfg config.CoreConfig) (*Runtime, error) {
	db, err := index.Open(dbCfg)
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.New(storageCfg.StoragePath, blobstore.Policy{
		Compress: coreCfg.CompressionEnabled,
		UseMD5:   coreCfg.StoreMD5ForAttachments,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	idIndex := identifier.New(db)
	rec := recycler.New(recycler.Limits{
		MaxPatientCount: coreCfg.MaxPatientCount,
		MaxStorageSize:  coreCfg.MaxStorageSize,
	})
	feed := changefeed.New(0)
	feed.Start()

	pipeline := &admission.Pipeline{
		DB:       db,
		Blobs:    blobs,
		Recycler: rec,
		Feed:     feed,
	}

	rt := &Runtime{
		cfg:        coreCfg,
		DB:         db,
		Blobs:      blobs,
		Identifier: idIndex,
		Recycler:   rec,
		Feed:       feed,
		Admission:  pipeline,
		Query: query.New(db, blobs, query.Limits{
			MaxResults:   coreCfg.LimitFindResults,
			MaxInstances: coreCfg.LimitFindInstances,
		}),
	}

	return rt, nil
}

// Close shuts down in the order spec.md §5 prescribes: stop accepting
// new work is the caller's responsibility (front-end layer); here we
// stop the fan-out worker (drain then exit), flush and close the
// database, leaving the attachment store (which owns no file handles
// to close) last.
func (rt *Runtime) Close() error {
	rt.Feed.Stop()
	if err := rt.DB.FlushToDisk(); err != nil {
		logger.WithField("component", "runtime").Warnf("flush before close failed: %v", err)
	}
	return rt.DB.Close()
}

// RegisterListener wires l's capabilities into the runtime: OnChange
// is subscribed to the change feed directly, while FilterIncoming and
// OnStored are appended to the admission pipeline's hook lists.
func (rt *Runtime) RegisterListener(l Listener) {
	if l.OnChange != nil {
		rt.Feed.Register(changefeed.Listener(l.OnChange))
	}
	if l.FilterIncoming != nil {
		rt.Admission.Filters = append(rt.Admission.Filters, admission.Filter(l.FilterIncoming))
	}
	if l.OnStored != nil {
		rt.Admission.OnStoredHooks = append(rt.Admission.OnStoredHooks, admission.OnStoredHook(l.OnStored))
	}
}

// Store is the store entry point of spec.md §6.
func (rt *Runtime) Store(instance admission.ParsedInstance, remoteAET string) (admission.Status, string, error) {
	return rt.Admission.Store(instance, remoteAET)
}

// ResourceSnapshot is the lookup result of get_resource (spec.md §6).
type ResourceSnapshot struct {
	PublicID       string
	Level          index.Level
	ParentPublicID string
	HasParent      bool
}

// GetResource looks up publicID, failing with UnknownResource if
// absent or if its level doesn't match expectedLevel.
func (rt *Runtime) GetResource(publicID string, expectedLevel index.Level) (ResourceSnapshot, error) {
	id, level, found, err := rt.DB.LookupResource(publicID)
	if err != nil {
		return ResourceSnapshot{}, err
	}
	if !found {
		return ResourceSnapshot{}, apperr.New(apperr.CodeUnknownResource).WithDetails(publicID)
	}
	if level != expectedLevel {
		return ResourceSnapshot{}, apperr.New(apperr.CodeUnknownResource).WithDetails("level mismatch for " + publicID)
	}
	parentPublic, hasParent, err := rt.DB.GetParentPublic(id)
	if err != nil {
		return ResourceSnapshot{}, err
	}
	return ResourceSnapshot{
		PublicID:       publicID,
		Level:          level,
		ParentPublicID: parentPublic,
		HasParent:      hasParent,
	}, nil
}

// GetChildrenPublic returns the public ids of publicID's immediate
// children (spec.md §6).
func (rt *Runtime) GetChildrenPublic(publicID string) ([]string, error) {
	id, _, found, err := rt.DB.LookupResource(publicID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.CodeUnknownResource).WithDetails(publicID)
	}
	return rt.DB.GetChildrenPublic(id)
}

// GetParentPublic returns publicID's parent's public id, or ok=false
// at the Patient level, which has no parent (spec.md §6).
func (rt *Runtime) GetParentPublic(publicID string) (string, bool, error) {
	id, _, found, err := rt.DB.LookupResource(publicID)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, apperr.New(apperr.CodeUnknownResource).WithDetails(publicID)
	}
	return rt.DB.GetParentPublic(id)
}

// List returns every public id at level (spec.md §6).
func (rt *Runtime) List(level index.Level) ([]string, error) {
	return rt.DB.List(level)
}

// Delete removes publicID and its entire subtree, then enqueues a
// Deleted change event for every resource the cascade removed and
// purges their attachments from the Attachment Store (spec.md §6,
// "never under the index lock" per §5).
func (rt *Runtime) Delete(publicID string, expectedLevel index.Level) (*index.DeletionReport, error) {
	id, level, found, err := rt.DB.LookupResource(publicID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.CodeUnknownResource).WithDetails(publicID)
	}
	if level != expectedLevel {
		return nil, apperr.New(apperr.CodeUnknownResource).WithDetails("level mismatch for " + publicID)
	}

	var report *index.DeletionReport
	txErr := rt.DB.Transaction(func(tx *index.Tx) error {
		r, err := tx.DeleteResource(id)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	for _, entry := range report.ChangeEntries {
		rt.Feed.SignalChange(changefeed.Event{
			ChangeType: entry.ChangeType,
			ResourceID: entry.ResourceID,
			PublicID:   entry.PublicID,
			Level:      entry.Level,
			Seq:        entry.Seq,
		})
	}
	for _, uuid := range report.AttachmentUUIDs {
		if err := rt.Blobs.Remove(uuid); err != nil {
			logger.WithField("uuid", uuid).Warnf("failed to purge deleted attachment: %v", err)
		}
	}

	return report, nil
}

// SetProtected toggles a patient's recycling protection (spec.md §6).
func (rt *Runtime) SetProtected(patientPublicID string, protected bool) error {
	id, level, found, err := rt.DB.LookupResource(patientPublicID)
	if err != nil {
		return err
	}
	if !found {
		return apperr.New(apperr.CodeUnknownResource).WithDetails(patientPublicID)
	}
	if level != index.LevelPatient {
		return apperr.New(apperr.CodeBadSequenceOfCalls).WithDetails("set_protected requires a Patient resource")
	}
	return rt.DB.Transaction(func(tx *index.Tx) error {
		return tx.SetProtectedPatient(id, protected)
	})
}

// AddAttachment attaches bytes under contentType to publicID (spec.md
// §6); used for ad hoc attachments outside the admission pipeline
// (e.g. a transcoded variant added after initial store).
func (rt *Runtime) AddAttachment(publicID, contentType string, data []byte) (bool, error) {
	id, _, found, err := rt.DB.LookupResource(publicID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, apperr.New(apperr.CodeUnknownResource).WithDetails(publicID)
	}

	info, err := rt.Blobs.Write(data, contentType)
	if err != nil {
		return false, err
	}

	var entry index.ChangeEntry
	txErr := rt.DB.Transaction(func(tx *index.Tx) error {
		if err := tx.AddAttachment(index.Attachment{
			ResourceID:       id,
			ContentType:      contentType,
			UUID:             info.UUID,
			UncompressedSize: info.UncompressedSize,
			CompressedSize:   info.CompressedSize,
			CompressionAlgo:  info.CompressionAlgo,
			UncompressedMD5:  info.UncompressedMD5,
			CompressedMD5:    info.CompressedMD5,
		}); err != nil {
			return err
		}
		e, err := tx.LogChange(index.ChangeUpdatedAttachment, id)
		if err != nil {
			return err
		}
		entry = e

		patientID, err := tx.AncestorPatientID(id)
		if err != nil {
			return err
		}
		return tx.TouchPatient(patientID)
	})
	if txErr != nil {
		rt.Blobs.Remove(info.UUID)
		return false, txErr
	}

	rt.Feed.SignalChange(changefeed.Event{
		ChangeType: entry.ChangeType,
		ResourceID: entry.ResourceID,
		PublicID:   entry.PublicID,
		Level:      entry.Level,
		Seq:        entry.Seq,
	})
	return true, nil
}

// ReadAttachment returns the bytes stored for publicID under
// contentType, verified against the recorded content type and, when
// MD5 storage is enabled, the recorded checksums (spec.md §6). Reads touch the owning patient just like writes
// (spec.md §4.2: "frequently accessed patients are not recycled"), in
// the same transaction as the lookup.
func (rt *Runtime) ReadAttachment(publicID, contentType string) ([]byte, error) {
	var data []byte
	txErr := rt.DB.Transaction(func(tx *index.Tx) error {
		id, _, found, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.CodeUnknownResource).WithDetails(publicID)
		}
		a, found, err := tx.LookupAttachment(id, contentType)
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.CodeNotFound).WithDetails(contentType)
		}

		patientID, err := tx.AncestorPatientID(id)
		if err != nil {
			return err
		}
		if err := tx.TouchPatient(patientID); err != nil {
			return err
		}

		data, err = rt.Blobs.Read(a.UUID, contentType, blobstore.FileInfo{
			ContentType:      contentType,
			UncompressedSize: a.UncompressedSize,
			CompressedSize:   a.CompressedSize,
			CompressionAlgo:  a.CompressionAlgo,
			UncompressedMD5:  a.UncompressedMD5,
			CompressedMD5:    a.CompressedMD5,
		})
		return err
	})
	if txErr != nil {
		return nil, txErr
	}
	return data, nil
}

// ChangesSince returns the change log page starting after since
// (spec.md §6).
func (rt *Runtime) ChangesSince(since int64, limit int) ([]index.ChangeEntry, bool, error) {
	return rt.DB.GetChanges(since, limit)
}
