// Package index implements the Index Database (spec.md §4.2): the
// transactional relational store of the hierarchy, tags, metadata,
// attachments, change log, exported-resource log and global
// properties. It is grounded on the teacher's GORM model layout
// (internal/database/*_models.go) — one file per concern, a
// TableName() method per model, soft deletes via gorm.DeletedAt.
package index

import (
	"time"

	"gorm.io/gorm"
)

// Level mirrors dicomtag.Level but is kept independent so the index
// package has no compile-time dependency on the tag dictionary; the
// two are kept in lockstep by admission and query, which do import
// both.
type Level int

const (
	LevelPatient Level = iota
	LevelStudy
	LevelSeries
	LevelInstance
)

func (l Level) String() string {
	switch l {
	case LevelPatient:
		return "Patient"
	case LevelStudy:
		return "Study"
	case LevelSeries:
		return "Series"
	case LevelInstance:
		return "Instance"
	default:
		return "Unknown"
	}
}

// Parent returns the level immediately above l, and false for Patient
// (which has no parent level) — spec.md §3 invariant.
func (l Level) Parent() (Level, bool) {
	switch l {
	case LevelStudy:
		return LevelPatient, true
	case LevelSeries:
		return LevelStudy, true
	case LevelInstance:
		return LevelSeries, true
	default:
		return 0, false
	}
}

// ChangeType enumerates the kinds of change entries logged by the
// index, per spec.md scenarios (NewPatient, NewStudy, ..., Deleted,
// CompletedSeries).
type ChangeType int

const (
	ChangeNewPatient ChangeType = iota
	ChangeNewStudy
	ChangeNewSeries
	ChangeNewInstance
	ChangeDeleted
	ChangeCompletedSeries
	ChangeUpdatedAttachment
)

func (c ChangeType) String() string {
	switch c {
	case ChangeNewPatient:
		return "NewPatient"
	case ChangeNewStudy:
		return "NewStudy"
	case ChangeNewSeries:
		return "NewSeries"
	case ChangeNewInstance:
		return "NewInstance"
	case ChangeDeleted:
		return "Deleted"
	case ChangeCompletedSeries:
		return "CompletedSeries"
	case ChangeUpdatedAttachment:
		return "UpdatedAttachment"
	default:
		return "Unknown"
	}
}

// newChangeForLevel maps a freshly created level to its change kind.
func newChangeForLevel(level Level) ChangeType {
	switch level {
	case LevelPatient:
		return ChangeNewPatient
	case LevelStudy:
		return ChangeNewStudy
	case LevelSeries:
		return ChangeNewSeries
	default:
		return ChangeNewInstance
	}
}

// SeriesStatus is the completion state of a Series resource, grounded
// on original_source/OrthancServer/ServerIndex.cpp's GetSeriesStatus:
// a series is Complete once every expected instance index has been
// seen exactly once.
type SeriesStatus int

const (
	SeriesStatusUnknown SeriesStatus = iota
	SeriesStatusMissing
	SeriesStatusInconsistent
	SeriesStatusComplete
)

func (s SeriesStatus) String() string {
	switch s {
	case SeriesStatusMissing:
		return "Missing"
	case SeriesStatusInconsistent:
		return "Inconsistent"
	case SeriesStatusComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// MetadataKey enumerates the fixed metadata key space of spec.md §3.
// Keys below 1024 are reserved by the core; 1024 and above are free
// for user/plugin use.
type MetadataKey int

const (
	MetadataIndexInSeries MetadataKey = iota + 1
	MetadataLastUpdate
	MetadataReceptionDate
	MetadataRemoteAet
	MetadataExpectedNumberOfInstances

	MetadataUserReservedStart MetadataKey = 1024
)

// Resource is a node in the patient/study/series/instance hierarchy
// (spec.md §3). ID is the stable internal id; PublicID is the stable
// external string (SHA-1 of the identifying tags of the resource and
// its ancestors, at every level).
type Resource struct {
	ID        int64          `gorm:"primarykey;autoIncrement" json:"id"`
	PublicID  string         `gorm:"uniqueIndex;not null;size:64" json:"public_id"`
	Level     Level          `gorm:"not null;index" json:"level"`
	ParentID  *int64         `gorm:"index" json:"parent_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Resource) TableName() string { return "resources" }

// MainDicomTag is a (resource, tag, value) triple holding the display
// tags carried at a resource's own level (spec.md §3). Study rows also
// carry a denormalized copy of the patient tags.
type MainDicomTag struct {
	ID         int64  `gorm:"primarykey;autoIncrement" json:"id"`
	ResourceID int64  `gorm:"not null;index:idx_main_tag_resource" json:"resource_id"`
	TagGroup   uint16 `gorm:"not null" json:"tag_group"`
	TagElement uint16 `gorm:"not null" json:"tag_element"`
	Value      string `gorm:"type:text" json:"value"`
}

func (MainDicomTag) TableName() string { return "main_dicom_tags" }

// DicomIdentifier is the indexed twin of MainDicomTag: only identifier
// tags (PatientID, StudyInstanceUID, AccessionNumber,
// SeriesInstanceUID, SOPInstanceUID), value normalized per spec.md
// §4.3, used for O(log n) lookup.
type DicomIdentifier struct {
	ID         int64  `gorm:"primarykey;autoIncrement" json:"id"`
	ResourceID int64  `gorm:"not null;index:idx_identifier_resource" json:"resource_id"`
	Level      Level  `gorm:"not null;index:idx_identifier_lookup" json:"level"`
	TagGroup   uint16 `gorm:"not null;index:idx_identifier_lookup" json:"tag_group"`
	TagElement uint16 `gorm:"not null;index:idx_identifier_lookup" json:"tag_element"`
	Value      string `gorm:"not null;size:255;index:idx_identifier_lookup" json:"value"`
}

func (DicomIdentifier) TableName() string { return "dicom_identifiers" }

// Metadata is a per-resource (key) -> string property (spec.md §3).
type Metadata struct {
	ID         int64       `gorm:"primarykey;autoIncrement" json:"id"`
	ResourceID int64       `gorm:"not null;uniqueIndex:idx_metadata_key" json:"resource_id"`
	Key        MetadataKey `gorm:"not null;uniqueIndex:idx_metadata_key" json:"key"`
	Value      string      `gorm:"type:text" json:"value"`
}

func (Metadata) TableName() string { return "metadata" }

// Attachment is a per-resource, per-content-type blob descriptor
// (spec.md §3). UUID is the key into the Attachment Store.
type Attachment struct {
	ID               int64  `gorm:"primarykey;autoIncrement" json:"id"`
	ResourceID       int64  `gorm:"not null;uniqueIndex:idx_attachment_resource_type" json:"resource_id"`
	ContentType      string `gorm:"not null;size:32;uniqueIndex:idx_attachment_resource_type" json:"content_type"`
	UUID             string `gorm:"not null;size:36;uniqueIndex" json:"uuid"`
	UncompressedSize int64  `gorm:"not null" json:"uncompressed_size"`
	CompressedSize   int64  `gorm:"not null" json:"compressed_size"`
	CompressionAlgo  string `gorm:"size:16" json:"compression_algorithm"`
	UncompressedMD5  string `gorm:"size:32" json:"uncompressed_md5"`
	CompressedMD5    string `gorm:"size:32" json:"compressed_md5"`
}

func (Attachment) TableName() string { return "attachments" }

// ChangeEntry is an append-only change log row (spec.md §3). Sequence
// is the autoincrement row id, so it is monotonic and gap-free within
// a run by construction.
type ChangeEntry struct {
	Seq        int64      `gorm:"primarykey;autoIncrement" json:"seq"`
	ChangeType ChangeType `gorm:"not null" json:"change_type"`
	ResourceID int64      `gorm:"not null;index" json:"resource_id"`
	PublicID   string     `gorm:"not null;size:64" json:"public_id"`
	Level      Level      `gorm:"not null" json:"level"`
	Timestamp  time.Time  `gorm:"not null" json:"timestamp"`
}

func (ChangeEntry) TableName() string { return "changes" }

// ExportedResource is an append-only log of resources forwarded to
// external destinations (spec.md §3), written by internal/export.
type ExportedResource struct {
	Seq         int64     `gorm:"primarykey;autoIncrement" json:"seq"`
	PublicID    string    `gorm:"not null;size:64" json:"public_id"`
	Level       Level     `gorm:"not null" json:"level"`
	Destination string    `gorm:"size:64" json:"destination"`
	Timestamp   time.Time `gorm:"not null" json:"timestamp"`
}

func (ExportedResource) TableName() string { return "exported_resources" }

// GlobalProperty is a process-wide (key -> string) setting, e.g. the
// database schema version (spec.md §3).
type GlobalProperty struct {
	Key   string `gorm:"primarykey;size:64" json:"key"`
	Value string `gorm:"type:text" json:"value"`
}

func (GlobalProperty) TableName() string { return "global_properties" }

// PatientRecycling tracks LRU order and protection status for Patient
// resources (spec.md §3's PatientRecyclingOrder, §4.4's state
// machine). TouchSeq is a monotonically increasing counter; the least
// recently touched non-protected patient has the smallest TouchSeq.
type PatientRecycling struct {
	ResourceID int64 `gorm:"primarykey" json:"resource_id"`
	TouchSeq   int64 `gorm:"not null;index" json:"touch_seq"`
	Protected  bool  `gorm:"not null;index" json:"protected"`
}

func (PatientRecycling) TableName() string { return "patient_recycling" }

// AllModels lists every model for AutoMigrate, in an order that lets
// GORM set up foreign keys without forward references.
func AllModels() []interface{} {
	return []interface{}{
		&Resource{},
		&MainDicomTag{},
		&DicomIdentifier{},
		&Metadata{},
		&Attachment{},
		&ChangeEntry{},
		&ExportedResource{},
		&GlobalProperty{},
		&PatientRecycling{},
	}
}
