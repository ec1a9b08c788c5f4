package index

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/IMAGE-ET/Orthanc-2/config"
	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
)

// Database is the single entry-point type of spec.md §4.2: it opens
// transactions; within a transaction, Tx methods manipulate resources,
// tags, metadata, attachments, change entries, exported entries and
// global properties. Outside a transaction, only read-only lookups are
// available.
//
// A single exclusive writer mutex guards every mutating path
// (spec.md §5); readers take the read side of the same RWMutex so
// they may run concurrently with each other but never with a writer.
type Database struct {
	db *gorm.DB
	mu sync.RWMutex

	// nextTouchSeq is the monotonic counter behind PatientRecycling's
	// LRU ordering. It is only ever advanced while mu is held for
	// writing (i.e. from inside a Transaction), so a plain field
	// (not atomic) is safe.
	nextTouchSeq int64
}

// Open connects to the embedded relational database and migrates its
// schema.
func Open(cfg config.DatabaseConfig) (*Database, error) {
	gdb, err := openGORM(cfg)
	if err != nil {
		return nil, err
	}

	d := &Database{db: gdb}

	var maxSeq struct{ Max int64 }
	if err := gdb.Model(&PatientRecycling{}).Select("COALESCE(MAX(touch_seq), 0) as max").Scan(&maxSeq).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	d.nextTouchSeq = maxSeq.Max

	return d, nil
}

// Close releases the underlying connection.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FlushToDisk forces the WAL to be checkpointed, per spec.md §4.2.
func (d *Database) FlushToDisk() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec("PRAGMA wal_checkpoint(FULL)").Error
}

// Transaction opens a write transaction and hands it to fn. Any error
// returned by fn (or a panic) rolls the transaction back; on success
// it is committed. This is the only way to obtain a Tx, which is how
// the "refuses mutating calls outside a transaction" rule (spec.md
// §4.2) is enforced at compile time.
func (d *Database) Transaction(fn func(tx *Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.db.Transaction(func(gdb *gorm.DB) error {
		tx := &Tx{gdb: gdb, parent: d}
		return fn(tx)
	})
}

// Tx is the set of mutating (and, for convenience, read) operations
// available inside a transaction.
type Tx struct {
	gdb    *gorm.DB
	parent *Database
}

func (tx *Tx) nextTouchSeq() int64 {
	tx.parent.nextTouchSeq++
	return tx.parent.nextTouchSeq
}

// --- Resources -------------------------------------------------------

// CreateResource creates a new resource row and returns its internal
// id. Fails with CodeDuplicateResource if publicID already exists
// (spec.md §4.2).
func (tx *Tx) CreateResource(publicID string, level Level) (int64, error) {
	r := Resource{PublicID: publicID, Level: level}
	if err := tx.gdb.Create(&r).Error; err != nil {
		if isUniqueConstraintErr(err) {
			return 0, apperr.New(apperr.CodeDuplicateResource)
		}
		return 0, apperr.Wrap(apperr.CodeInternalError, err)
	}

	if level == LevelPatient {
		tx.parent.nextTouchSeq++
		rec := PatientRecycling{ResourceID: r.ID, TouchSeq: tx.parent.nextTouchSeq, Protected: false}
		if err := tx.gdb.Create(&rec).Error; err != nil {
			return 0, apperr.Wrap(apperr.CodeInternalError, err)
		}
	}

	return r.ID, nil
}

// AttachChild links childID under parentID. Fails if the levels are
// not adjacent (spec.md §4.2).
func (tx *Tx) AttachChild(parentID, childID int64) error {
	var parent, child Resource
	if err := tx.gdb.First(&parent, parentID).Error; err != nil {
		return lookupErr(err)
	}
	if err := tx.gdb.First(&child, childID).Error; err != nil {
		return lookupErr(err)
	}

	expectedParentLevel, ok := child.Level.Parent()
	if !ok || expectedParentLevel != parent.Level {
		return apperr.New(apperr.CodeInternalError).WithDetails("parent/child levels are not adjacent")
	}

	if err := tx.gdb.Model(&child).Update("parent_id", parentID).Error; err != nil {
		return apperr.Wrap(apperr.CodeInternalError, err)
	}
	return nil
}

// LookupResource resolves a public id to its internal id and level in
// O(log n) via the unique index on public_id. It is a read and does
// not require a transaction.
func (d *Database) LookupResource(publicID string) (int64, Level, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lookupResource(d.db, publicID)
}

// LookupResource is the transactional twin of Database.LookupResource,
// used mid-admission where a fresh row created earlier in the same
// transaction must be visible.
func (tx *Tx) LookupResource(publicID string) (int64, Level, bool, error) {
	return lookupResource(tx.gdb, publicID)
}

func lookupResource(gdb *gorm.DB, publicID string) (int64, Level, bool, error) {
	var r Resource
	err := gdb.Where("public_id = ?", publicID).First(&r).Error
	if err == gorm.ErrRecordNotFound {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return r.ID, r.Level, true, nil
}

// PublicIDForInternalID resolves an internal id back to its public id,
// the inverse of LookupResource.
func (d *Database) PublicIDForInternalID(internalID int64) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var r Resource
	err := d.db.First(&r, internalID).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return r.PublicID, true, nil
}

// GetChildren returns the internal ids of parentID's direct children.
func (tx *Tx) GetChildren(parentID int64) ([]int64, error) {
	var ids []int64
	if err := tx.gdb.Model(&Resource{}).Where("parent_id = ?", parentID).Pluck("id", &ids).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return ids, nil
}

// GetChildren is the read-locked twin of Tx.GetChildren, used by the
// query engine outside any transaction.
func (d *Database) GetChildren(parentID int64) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []int64
	if err := d.db.Model(&Resource{}).Where("parent_id = ?", parentID).Pluck("id", &ids).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return ids, nil
}

// GetChildrenPublic returns the public ids of parentID's direct
// children.
func (d *Database) GetChildrenPublic(parentID int64) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	if err := d.db.Model(&Resource{}).Where("parent_id = ?", parentID).Pluck("public_id", &ids).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return ids, nil
}

// GetParentPublic returns the public id of resourceID's parent, or
// ("", false) for a Patient (which has no parent).
func (d *Database) GetParentPublic(resourceID int64) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var r Resource
	if err := d.db.First(&r, resourceID).Error; err != nil {
		return "", false, lookupErr(err)
	}
	if r.ParentID == nil {
		return "", false, nil
	}
	var parent Resource
	if err := d.db.First(&parent, *r.ParentID).Error; err != nil {
		return "", false, lookupErr(err)
	}
	return parent.PublicID, true, nil
}

// List returns every public id currently stored at level.
func (d *Database) List(level Level) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	if err := d.db.Model(&Resource{}).Where("level = ?", level).Pluck("public_id", &ids).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return ids, nil
}

// ListInternalIDs returns the internal ids of every resource at level,
// used by the query engine to seed a candidate set when no identifier
// constraint narrows the starting level.
func (d *Database) ListInternalIDs(level Level) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []int64
	if err := d.db.Model(&Resource{}).Where("level = ?", level).Pluck("id", &ids).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return ids, nil
}

// ResourceCount returns the number of resources at level.
func (d *Database) ResourceCount(level Level) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return resourceCount(d.db, level)
}

// ResourceCount is the transactional twin of Database.ResourceCount,
// used by the recycler while the write lock is already held.
func (tx *Tx) ResourceCount(level Level) (int64, error) {
	return resourceCount(tx.gdb, level)
}

func resourceCount(gdb *gorm.DB, level Level) (int64, error) {
	var count int64
	if err := gdb.Model(&Resource{}).Where("level = ?", level).Count(&count).Error; err != nil {
		return 0, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return count, nil
}

// GetResourceSnapshot loads a resource's level and public id by
// internal id, used by change-entry construction and by Runtime's
// lookup entry points.
func (tx *Tx) GetResourceSnapshot(resourceID int64) (Resource, error) {
	var r Resource
	if err := tx.gdb.First(&r, resourceID).Error; err != nil {
		return Resource{}, lookupErr(err)
	}
	return r, nil
}

// AncestorPatientID walks the ParentID chain up from resourceID to its
// owning Patient resource (spec.md §4.2: any attachment write or read
// on a descendant touches the owning patient). Returns
// apperr.CodeUnknownResource if resourceID does not resolve to a
// patient-rooted resource.
func (tx *Tx) AncestorPatientID(resourceID int64) (int64, error) {
	current, err := tx.GetResourceSnapshot(resourceID)
	if err != nil {
		return 0, err
	}
	for current.Level != LevelPatient {
		if current.ParentID == nil {
			return 0, apperr.New(apperr.CodeUnknownResource).WithDetails("resource has no patient ancestor")
		}
		current, err = tx.GetResourceSnapshot(*current.ParentID)
		if err != nil {
			return 0, err
		}
	}
	return current.ID, nil
}

// DeletionReport enumerates every resource a DeleteResource call
// removed, and the attachment uuids the caller must now purge from
// the Attachment Store (spec.md §4.2: "attachment uuids are buffered
// and deleted from the Attachment Store only after commit").
type DeletionReport struct {
	DeletedResources []Resource
	AttachmentUUIDs  []string
	ChangeEntries    []ChangeEntry
}

// DeleteResource removes internalID and cascades down to every
// descendant, and cascades up while the deleted node was the only
// remaining child of its parent (spec.md §4.2). One change entry is
// recorded per deleted resource.
func (tx *Tx) DeleteResource(internalID int64) (*DeletionReport, error) {
	report := &DeletionReport{}
	if err := tx.deleteCascadeDown(internalID, report, true); err != nil {
		return nil, err
	}
	return report, nil
}

// deleteCascadeDown deletes resourceID and its descendants; with
// cascadeUp it then deletes the parent too when no child remains. The
// descendants are deleted with cascadeUp off, so only the node the
// deletion started from walks upward.
func (tx *Tx) deleteCascadeDown(resourceID int64, report *DeletionReport, cascadeUp bool) error {
	var r Resource
	if err := tx.gdb.First(&r, resourceID).Error; err != nil {
		return lookupErr(err)
	}

	children, err := tx.GetChildren(resourceID)
	if err != nil {
		return err
	}
	for _, childID := range children {
		if err := tx.deleteCascadeDown(childID, report, false); err != nil {
			return err
		}
	}

	uuids, err := tx.deleteResourceRow(r)
	if err != nil {
		return err
	}
	report.AttachmentUUIDs = append(report.AttachmentUUIDs, uuids...)
	report.DeletedResources = append(report.DeletedResources, r)

	entry, err := tx.logChangeInternal(ChangeDeleted, r)
	if err != nil {
		return err
	}
	report.ChangeEntries = append(report.ChangeEntries, entry)

	if cascadeUp && r.ParentID != nil {
		remaining, err := tx.GetChildren(*r.ParentID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			return tx.deleteCascadeDown(*r.ParentID, report, true)
		}
	}

	return nil
}

// deleteResourceRow removes one resource's own attachments, tags,
// metadata and (for patients) its recycling row, then the row itself,
// returning the uuids of the attachments it owned.
func (tx *Tx) deleteResourceRow(r Resource) ([]string, error) {
	var attachments []Attachment
	if err := tx.gdb.Where("resource_id = ?", r.ID).Find(&attachments).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	uuids := make([]string, 0, len(attachments))
	for _, a := range attachments {
		uuids = append(uuids, a.UUID)
	}

	if err := tx.gdb.Where("resource_id = ?", r.ID).Delete(&Attachment{}).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	if err := tx.gdb.Where("resource_id = ?", r.ID).Delete(&MainDicomTag{}).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	if err := tx.gdb.Where("resource_id = ?", r.ID).Delete(&DicomIdentifier{}).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	if err := tx.gdb.Where("resource_id = ?", r.ID).Delete(&Metadata{}).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	if r.Level == LevelPatient {
		if err := tx.gdb.Where("resource_id = ?", r.ID).Delete(&PatientRecycling{}).Error; err != nil {
			return nil, apperr.Wrap(apperr.CodeInternalError, err)
		}
	}
	if err := tx.gdb.Delete(&r).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}

	return uuids, nil
}

// --- Tags --------------------------------------------------------------

// SetMainDicomTag records a display tag at resourceID's level.
func (tx *Tx) SetMainDicomTag(resourceID int64, group, element uint16, value string) error {
	t := MainDicomTag{ResourceID: resourceID, TagGroup: group, TagElement: element, Value: value}
	if err := tx.gdb.Create(&t).Error; err != nil {
		return apperr.Wrap(apperr.CodeInternalError, err)
	}
	return nil
}

// ListMainDicomTags returns every main tag recorded for resourceID.
func (tx *Tx) ListMainDicomTags(resourceID int64) ([]MainDicomTag, error) {
	var tags []MainDicomTag
	if err := tx.gdb.Where("resource_id = ?", resourceID).Find(&tags).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return tags, nil
}

// ListMainDicomTagsRead is the non-transactional read path used by the
// query engine's "re-check main tags" pass (spec.md §4.7 step 2).
func (d *Database) ListMainDicomTagsRead(resourceID int64) ([]MainDicomTag, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var tags []MainDicomTag
	if err := d.db.Where("resource_id = ?", resourceID).Find(&tags).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return tags, nil
}

// SetIdentifierTag records a normalized, indexed identifier tag.
func (tx *Tx) SetIdentifierTag(resourceID int64, level Level, group, element uint16, normalizedValue string) error {
	t := DicomIdentifier{ResourceID: resourceID, Level: level, TagGroup: group, TagElement: element, Value: normalizedValue}
	if err := tx.gdb.Create(&t).Error; err != nil {
		return apperr.Wrap(apperr.CodeInternalError, err)
	}
	return nil
}

// LookupIdentifier returns the internal ids of resources at level
// whose identifier tag (group, element) equals normalizedValue exactly
// (spec.md §4.2/§4.3).
func (d *Database) LookupIdentifier(group, element uint16, normalizedValue string, level Level) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []int64
	err := d.db.Model(&DicomIdentifier{}).
		Where("tag_group = ? AND tag_element = ? AND value = ? AND level = ?", group, element, normalizedValue, level).
		Pluck("resource_id", &ids).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return ids, nil
}

// --- Metadata ------------------------------------------------------------

// SetMetadata upserts a (resource, key) -> value pair.
func (tx *Tx) SetMetadata(resourceID int64, key MetadataKey, value string) error {
	var existing Metadata
	err := tx.gdb.Where("resource_id = ? AND key = ?", resourceID, key).First(&existing).Error
	switch err {
	case nil:
		return apperr.Wrap(apperr.CodeInternalError, tx.gdb.Model(&existing).Update("value", value).Error)
	case gorm.ErrRecordNotFound:
		m := Metadata{ResourceID: resourceID, Key: key, Value: value}
		if err := tx.gdb.Create(&m).Error; err != nil {
			return apperr.Wrap(apperr.CodeInternalError, err)
		}
		return nil
	default:
		return apperr.Wrap(apperr.CodeInternalError, err)
	}
}

// LookupMetadata returns a single metadata value.
func (d *Database) LookupMetadata(resourceID int64, key MetadataKey) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lookupMetadata(d.db, resourceID, key)
}

// LookupMetadata is the no-lock twin of Database.LookupMetadata, for
// use inside an already-open transaction.
func (tx *Tx) LookupMetadata(resourceID int64, key MetadataKey) (string, bool, error) {
	return lookupMetadata(tx.gdb, resourceID, key)
}

func lookupMetadata(gdb *gorm.DB, resourceID int64, key MetadataKey) (string, bool, error) {
	var m Metadata
	err := gdb.Where("resource_id = ? AND key = ?", resourceID, key).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return m.Value, true, nil
}

// ListMetadata returns every metadata entry recorded for resourceID.
func (d *Database) ListMetadata(resourceID int64) ([]Metadata, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var items []Metadata
	if err := d.db.Where("resource_id = ?", resourceID).Find(&items).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return items, nil
}

// DeleteMetadata removes a single metadata entry, if present.
func (tx *Tx) DeleteMetadata(resourceID int64, key MetadataKey) error {
	if err := tx.gdb.Where("resource_id = ? AND key = ?", resourceID, key).Delete(&Metadata{}).Error; err != nil {
		return apperr.Wrap(apperr.CodeInternalError, err)
	}
	return nil
}

// SeriesStatus reports whether seriesID has received every instance it
// expects, grounded on ServerIndex::GetSeriesStatus: the series carries
// its expected instance count in MetadataExpectedNumberOfInstances, and
// each instance child carries its own 1-based position in
// MetadataIndexInSeries. Missing or unparseable metadata yields
// SeriesStatusUnknown, and an out-of-range or duplicate index yields
// SeriesStatusInconsistent, exactly as in the original.
func (tx *Tx) SeriesStatus(seriesID int64) (SeriesStatus, error) {
	raw, found, err := tx.LookupMetadata(seriesID, MetadataExpectedNumberOfInstances)
	if err != nil {
		return SeriesStatusUnknown, err
	}
	if !found {
		return SeriesStatusUnknown, nil
	}
	expected, err := strconv.Atoi(raw)
	if err != nil || expected <= 0 {
		return SeriesStatusUnknown, nil
	}

	children, err := tx.GetChildren(seriesID)
	if err != nil {
		return SeriesStatusUnknown, err
	}

	seen := make(map[int]bool, len(children))
	for _, childID := range children {
		raw, found, err := tx.LookupMetadata(childID, MetadataIndexInSeries)
		if err != nil {
			return SeriesStatusUnknown, err
		}
		if !found {
			return SeriesStatusUnknown, nil
		}
		index, err := strconv.Atoi(raw)
		if err != nil {
			return SeriesStatusUnknown, nil
		}
		if index <= 0 || index > expected || seen[index] {
			return SeriesStatusInconsistent, nil
		}
		seen[index] = true
	}

	if len(seen) == expected {
		return SeriesStatusComplete, nil
	}
	return SeriesStatusMissing, nil
}

// --- Attachments -----------------------------------------------------------

// AddAttachment registers (or replaces) the attachment descriptor for
// a (resource, content type) pair. A resource has at most one
// attachment per content type (spec.md §3).
func (tx *Tx) AddAttachment(a Attachment) error {
	var existing Attachment
	err := tx.gdb.Where("resource_id = ? AND content_type = ?", a.ResourceID, a.ContentType).First(&existing).Error
	switch err {
	case nil:
		a.ID = existing.ID
		if err := tx.gdb.Save(&a).Error; err != nil {
			return apperr.Wrap(apperr.CodeInternalError, err)
		}
		return nil
	case gorm.ErrRecordNotFound:
		if err := tx.gdb.Create(&a).Error; err != nil {
			return apperr.Wrap(apperr.CodeInternalError, err)
		}
		return nil
	default:
		return apperr.Wrap(apperr.CodeInternalError, err)
	}
}

// LookupAttachment returns the descriptor for a resource's attachment
// of the given content type.
func (d *Database) LookupAttachment(resourceID int64, contentType string) (Attachment, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lookupAttachment(d.db, resourceID, contentType)
}

// LookupAttachment is the no-lock twin of Database.LookupAttachment,
// for use inside an already-open transaction.
func (tx *Tx) LookupAttachment(resourceID int64, contentType string) (Attachment, bool, error) {
	return lookupAttachment(tx.gdb, resourceID, contentType)
}

func lookupAttachment(gdb *gorm.DB, resourceID int64, contentType string) (Attachment, bool, error) {
	var a Attachment
	err := gdb.Where("resource_id = ? AND content_type = ?", resourceID, contentType).First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return Attachment{}, false, nil
	}
	if err != nil {
		return Attachment{}, false, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return a, true, nil
}

// ListAttachments returns every attachment descriptor for resourceID.
func (d *Database) ListAttachments(resourceID int64) ([]Attachment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var items []Attachment
	if err := d.db.Where("resource_id = ?", resourceID).Find(&items).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return items, nil
}

// DeleteAttachment removes a single attachment descriptor and returns
// its uuid so the caller can purge it from the Attachment Store.
func (tx *Tx) DeleteAttachment(resourceID int64, contentType string) (string, bool, error) {
	var a Attachment
	err := tx.gdb.Where("resource_id = ? AND content_type = ?", resourceID, contentType).First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.CodeInternalError, err)
	}
	if err := tx.gdb.Delete(&a).Error; err != nil {
		return "", false, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return a.UUID, true, nil
}

// TotalCompressedSize sums the compressed size of every attachment in
// the index.
func (d *Database) TotalCompressedSize() (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return totalCompressedSize(d.db)
}

// TotalCompressedSize is the transactional twin of
// Database.TotalCompressedSize, used by the recycler while the write
// lock is already held.
func (tx *Tx) TotalCompressedSize() (int64, error) {
	return totalCompressedSize(tx.gdb)
}

func totalCompressedSize(gdb *gorm.DB) (int64, error) {
	var total struct{ Total int64 }
	if err := gdb.Model(&Attachment{}).Select("COALESCE(SUM(compressed_size), 0) as total").Scan(&total).Error; err != nil {
		return 0, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return total.Total, nil
}

// TotalUncompressedSize sums the uncompressed size of every attachment
// in the index.
func (d *Database) TotalUncompressedSize() (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var total struct{ Total int64 }
	if err := d.db.Model(&Attachment{}).Select("COALESCE(SUM(uncompressed_size), 0) as total").Scan(&total).Error; err != nil {
		return 0, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return total.Total, nil
}

// --- Change log --------------------------------------------------------

// LogChange appends a change entry for resourceID, snapshotting its
// current public id and level.
func (tx *Tx) LogChange(changeType ChangeType, resourceID int64) (ChangeEntry, error) {
	r, err := tx.GetResourceSnapshot(resourceID)
	if err != nil {
		return ChangeEntry{}, err
	}
	return tx.logChangeInternal(changeType, r)
}

func (tx *Tx) logChangeInternal(changeType ChangeType, r Resource) (ChangeEntry, error) {
	entry := ChangeEntry{
		ChangeType: changeType,
		ResourceID: r.ID,
		PublicID:   r.PublicID,
		Level:      r.Level,
		Timestamp:  time.Now(),
	}
	if err := tx.gdb.Create(&entry).Error; err != nil {
		return ChangeEntry{}, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return entry, nil
}

// LogChangeForNewLevel is a convenience used by the admission pipeline
// for freshly created resources, where the ChangeType is implied by
// the level.
func (tx *Tx) LogChangeForNewLevel(r Resource) (ChangeEntry, error) {
	return tx.logChangeInternal(newChangeForLevel(r.Level), r)
}

// GetChanges returns up to limit entries with Seq > since, and whether
// the tail of the log was reached within that limit (spec.md §4.2).
func (d *Database) GetChanges(since int64, limit int) ([]ChangeEntry, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var entries []ChangeEntry
	if err := d.db.Where("seq > ?", since).Order("seq ASC").Limit(limit + 1).Find(&entries).Error; err != nil {
		return nil, false, apperr.Wrap(apperr.CodeInternalError, err)
	}

	done := len(entries) <= limit
	if !done {
		entries = entries[:limit]
	}
	return entries, done, nil
}

// --- Exported resources --------------------------------------------------

// LogExportedResource appends a row to the exported-resource log
// (spec.md §3), used by internal/export.
func (tx *Tx) LogExportedResource(publicID string, level Level, destination string) error {
	entry := ExportedResource{PublicID: publicID, Level: level, Destination: destination, Timestamp: time.Now()}
	if err := tx.gdb.Create(&entry).Error; err != nil {
		return apperr.Wrap(apperr.CodeInternalError, err)
	}
	return nil
}

// --- Global properties ---------------------------------------------------

// GetGlobalProperty returns a process-wide setting.
func (d *Database) GetGlobalProperty(key string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p GlobalProperty
	err := d.db.Where("key = ?", key).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return p.Value, true, nil
}

// SetGlobalProperty upserts a process-wide setting.
func (tx *Tx) SetGlobalProperty(key, value string) error {
	var existing GlobalProperty
	err := tx.gdb.Where("key = ?", key).First(&existing).Error
	switch err {
	case nil:
		return apperr.Wrap(apperr.CodeInternalError, tx.gdb.Model(&existing).Update("value", value).Error)
	case gorm.ErrRecordNotFound:
		p := GlobalProperty{Key: key, Value: value}
		if err := tx.gdb.Create(&p).Error; err != nil {
			return apperr.Wrap(apperr.CodeInternalError, err)
		}
		return nil
	default:
		return apperr.Wrap(apperr.CodeInternalError, err)
	}
}

// --- Patient recycling / LRU ---------------------------------------------

// TouchPatient moves patientID to the most-recently-used end of the
// LRU order, unless it is currently protected (spec.md §4.2 state
// machine: protected patients are untracked and do not respond to
// touch).
func (tx *Tx) TouchPatient(patientID int64) error {
	var rec PatientRecycling
	err := tx.gdb.Where("resource_id = ?", patientID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		rec = PatientRecycling{ResourceID: patientID, TouchSeq: tx.nextTouchSeq(), Protected: false}
		if err := tx.gdb.Create(&rec).Error; err != nil {
			return apperr.Wrap(apperr.CodeInternalError, err)
		}
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeInternalError, err)
	}
	if rec.Protected {
		return nil
	}
	return apperr.Wrap(apperr.CodeInternalError, tx.gdb.Model(&rec).Update("touch_seq", tx.nextTouchSeq()).Error)
}

// SetProtectedPatient toggles a patient's protection status. Per the
// state machine, unprotecting returns the patient to the LRU tail.
func (tx *Tx) SetProtectedPatient(patientID int64, protected bool) error {
	var rec PatientRecycling
	err := tx.gdb.Where("resource_id = ?", patientID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		rec = PatientRecycling{ResourceID: patientID, TouchSeq: tx.nextTouchSeq(), Protected: protected}
		if err := tx.gdb.Create(&rec).Error; err != nil {
			return apperr.Wrap(apperr.CodeInternalError, err)
		}
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeInternalError, err)
	}

	updates := map[string]interface{}{"protected": protected}
	if !protected {
		updates["touch_seq"] = tx.nextTouchSeq()
	}
	return apperr.Wrap(apperr.CodeInternalError, tx.gdb.Model(&rec).Updates(updates).Error)
}

// IsProtectedPatient reports a patient's protection status.
func (d *Database) IsProtectedPatient(patientID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var rec PatientRecycling
	err := d.db.Where("resource_id = ?", patientID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.CodeInternalError, err)
	}
	return rec.Protected, nil
}

// SelectPatientToRecycle returns the least-recently-touched
// non-protected patient other than avoidID (spec.md §4.4). ok is false
// when no eligible patient remains.
func (tx *Tx) SelectPatientToRecycle(avoidID int64) (id int64, ok bool, err error) {
	q := tx.gdb.Model(&PatientRecycling{}).Where("protected = ?", false)
	if avoidID != 0 {
		q = q.Where("resource_id <> ?", avoidID)
	}

	var rec PatientRecycling
	dbErr := q.Order("touch_seq ASC").First(&rec).Error
	if dbErr == gorm.ErrRecordNotFound {
		return 0, false, nil
	}
	if dbErr != nil {
		return 0, false, apperr.Wrap(apperr.CodeInternalError, dbErr)
	}
	return rec.ResourceID, true, nil
}

// --- helpers --------------------------------------------------------------

func lookupErr(err error) error {
	if err == gorm.ErrRecordNotFound {
		return apperr.New(apperr.CodeUnknownResource)
	}
	return apperr.Wrap(apperr.CodeInternalError, err)
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// SQLite's driver reports unique constraint violations with this
	// substring; gorm does not wrap it in a typed sentinel for sqlite.
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
