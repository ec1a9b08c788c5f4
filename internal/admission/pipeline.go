package admission

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
	"github.com/IMAGE-ET/Orthanc-2/internal/blobstore"
	"github.com/IMAGE-ET/Orthanc-2/internal/changefeed"
	"github.com/IMAGE-ET/Orthanc-2/internal/dicomtag"
	"github.com/IMAGE-ET/Orthanc-2/internal/identifier"
	"github.com/IMAGE-ET/Orthanc-2/internal/index"
	"github.com/IMAGE-ET/Orthanc-2/internal/logger"
	"github.com/IMAGE-ET/Orthanc-2/internal/recycler"
)

// Content types registered against the instance row (spec.md §3:
// "original DICOM, a JSON summary, and optional transcoded variants").
const (
	ContentTypeDicom   = "dicom"
	ContentTypeSummary = "json-summary"
)

// Status is the outcome of a Store call (spec.md §6).
type Status int

const (
	StatusSuccess Status = iota
	StatusAlreadyStored
	StatusFilteredOut
	StatusFailure
	StatusFullStorage
	StatusMissingRequiredTag
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusAlreadyStored:
		return "AlreadyStored"
	case StatusFilteredOut:
		return "FilteredOut"
	case StatusFullStorage:
		return "FullStorage"
	case StatusMissingRequiredTag:
		return "MissingRequiredTag"
	default:
		return "Failure"
	}
}

// Filter is an admission filter (spec.md §4.6 step 2): an embedded
// script or plug-in hook that can reject an incoming instance before
// anything is written.
type Filter func(ParsedInstance) bool

// OnStoredHook is invoked once an instance has been committed
// successfully (spec.md §6's on_stored listener capability).
type OnStoredHook func(publicID string, instance ParsedInstance, summary Summary)

// errAlreadyStored is the sentinel used to unwind the transaction
// without treating a duplicate as a real failure.
var errAlreadyStored = apperr.New(apperr.CodeAlreadyStored)

// Pipeline is the Admission Pipeline of spec.md §4.6, wired to the
// Index Database, Attachment Store, Recycler and Change Fan-out.
type Pipeline struct {
	DB       *index.Database
	Blobs    *blobstore.Store
	Recycler *recycler.Recycler
	Feed     *changefeed.Feed

	Filters       []Filter
	OnStoredHooks []OnStoredHook
}

type levelResult struct {
	id      int64
	created bool
}

// Store runs the fourteen-step admission sequence for one parsed
// instance (spec.md §4.6).
func (p *Pipeline) Store(instance ParsedInstance, remoteAET string) (Status, string, error) {
	// Step 1: derive stable identifiers.
	ids, err := DeriveIdentifiers(instance)
	if err != nil {
		return StatusMissingRequiredTag, "", err
	}

	// Step 2: filter.
	for _, filter := range p.Filters {
		if !filter(instance) {
			return StatusFilteredOut, "", nil
		}
	}

	// Step 3: write blobs, outside any transaction.
	rawInfo, err := p.Blobs.Write(instance.RawDicom, ContentTypeDicom)
	if err != nil {
		return StatusFailure, "", err
	}

	summary := BuildSummary(instance)
	summaryBytes, err := json.Marshal(summary)
	if err != nil {
		p.Blobs.Remove(rawInfo.UUID)
		return StatusFailure, "", apperr.Wrap(apperr.CodeInternalError, err)
	}
	summaryInfo, err := p.Blobs.Write(summaryBytes, ContentTypeSummary)
	if err != nil {
		p.Blobs.Remove(rawInfo.UUID)
		return StatusFailure, "", err
	}

	cleanupBlobs := func() {
		p.Blobs.Remove(rawInfo.UUID)
		p.Blobs.Remove(summaryInfo.UUID)
	}

	var events []changefeed.Event
	var evictedUUIDs []string

	// Steps 4-13: one transaction.
	txErr := p.DB.Transaction(func(tx *index.Tx) error {
		patient, err := lookupOrCreate(tx, ids.Patient, index.LevelPatient)
		if err != nil {
			return err
		}

		study, err := lookupOrCreate(tx, ids.Study, index.LevelStudy)
		if err != nil {
			return err
		}
		if study.created {
			if err := tx.AttachChild(patient.id, study.id); err != nil {
				return err
			}
		}

		series, err := lookupOrCreate(tx, ids.Series, index.LevelSeries)
		if err != nil {
			return err
		}
		if series.created {
			if err := tx.AttachChild(study.id, series.id); err != nil {
				return err
			}
		}

		_, _, found, err := tx.LookupResource(ids.Instance)
		if err != nil {
			return err
		}
		if found {
			return errAlreadyStored
		}

		instanceID, err := tx.CreateResource(ids.Instance, index.LevelInstance)
		if err != nil {
			return err
		}
		if err := tx.AttachChild(series.id, instanceID); err != nil {
			return err
		}

		// Step 6: main tags at each newly created level; study also
		// carries a denormalized copy of the patient tags.
		if patient.created {
			if err := writeMainTags(tx, patient.id, instance.PatientTags); err != nil {
				return err
			}
		}
		if study.created {
			if err := writeMainTags(tx, study.id, instance.StudyTags); err != nil {
				return err
			}
			if err := writeMainTags(tx, study.id, instance.PatientTags); err != nil {
				return err
			}
		}
		if series.created {
			if err := writeMainTags(tx, series.id, instance.SeriesTags); err != nil {
				return err
			}
		}
		if err := writeMainTags(tx, instanceID, instance.InstanceTags); err != nil {
			return err
		}

		// Step 7: identifier tags at the four levels. The derived UID
		// is included alongside whatever main tags the parser already
		// supplied (which may carry AccessionNumber etc.), so a parser
		// that omits the UID from its own tag list still indexes it.
		if patient.created {
			if err := registerIdentifiers(tx, patient.id, dicomtag.LevelPatient, instance.PatientTags, dicomtag.PatientID, instance.PatientID); err != nil {
				return err
			}
		}
		if study.created {
			if err := registerIdentifiers(tx, study.id, dicomtag.LevelStudy, instance.StudyTags, dicomtag.StudyInstanceUID, instance.StudyInstanceUID); err != nil {
				return err
			}
		}
		if series.created {
			if err := registerIdentifiers(tx, series.id, dicomtag.LevelSeries, instance.SeriesTags, dicomtag.SeriesInstanceUID, instance.SeriesInstanceUID); err != nil {
				return err
			}
		}
		if err := registerIdentifiers(tx, instanceID, dicomtag.LevelInstance, instance.InstanceTags, dicomtag.SOPInstanceUID, instance.SOPInstanceUID); err != nil {
			return err
		}

		// Step 8: register both attachments against the instance row.
		if err := tx.AddAttachment(index.Attachment{
			ResourceID:       instanceID,
			ContentType:      ContentTypeDicom,
			UUID:             rawInfo.UUID,
			UncompressedSize: rawInfo.UncompressedSize,
			CompressedSize:   rawInfo.CompressedSize,
			CompressionAlgo:  rawInfo.CompressionAlgo,
			UncompressedMD5:  rawInfo.UncompressedMD5,
			CompressedMD5:    rawInfo.CompressedMD5,
		}); err != nil {
			return err
		}
		if err := tx.AddAttachment(index.Attachment{
			ResourceID:       instanceID,
			ContentType:      ContentTypeSummary,
			UUID:             summaryInfo.UUID,
			UncompressedSize: summaryInfo.UncompressedSize,
			CompressedSize:   summaryInfo.CompressedSize,
			CompressionAlgo:  summaryInfo.CompressionAlgo,
			UncompressedMD5:  summaryInfo.UncompressedMD5,
			CompressedMD5:    summaryInfo.CompressedMD5,
		}); err != nil {
			return err
		}

		// Step 9: per-instance metadata. The position within the series
		// comes from InstanceNumber/ImageIndex when the parser supplied
		// one, falling back to the sibling count so a parser that omits
		// both tags still gets a monotonic 1-based position.
		siblings, err := tx.GetChildren(series.id)
		if err != nil {
			return err
		}
		indexInSeries := strconv.Itoa(len(siblings))
		if v, ok := tagValue(instance.InstanceTags, dicomtag.InstanceNumber); ok {
			indexInSeries = v
		} else if v, ok := tagValue(instance.InstanceTags, dicomtag.ImageIndex); ok {
			indexInSeries = v
		}
		now := time.Now().Format(time.RFC3339)
		if err := tx.SetMetadata(instanceID, index.MetadataIndexInSeries, indexInSeries); err != nil {
			return err
		}
		if err := tx.SetMetadata(instanceID, index.MetadataReceptionDate, now); err != nil {
			return err
		}
		if err := tx.SetMetadata(instanceID, index.MetadataRemoteAet, remoteAET); err != nil {
			return err
		}
		if err := tx.SetMetadata(instanceID, index.MetadataLastUpdate, now); err != nil {
			return err
		}

		// A newly created series records how many instances it expects,
		// when the parser surfaced one of the tags that carries it.
		if series.created {
			for _, tag := range []dicomtag.Tag{dicomtag.NumberOfSlices, dicomtag.ImagesInAcquisition, dicomtag.CardiacNumberOfImages} {
				if v, ok := tagValue(instance.SeriesTags, tag); ok {
					if err := tx.SetMetadata(series.id, index.MetadataExpectedNumberOfInstances, v); err != nil {
						return err
					}
					break
				}
			}
		}

		// A series that has just received its last expected instance
		// gets a CompletedSeries change entry (spec.md scenarios),
		// grounded on ServerIndex::GetSeriesStatus.
		status, err := tx.SeriesStatus(series.id)
		if err != nil {
			return err
		}
		if status == index.SeriesStatusComplete {
			entry, err := tx.LogChange(index.ChangeCompletedSeries, series.id)
			if err != nil {
				return err
			}
			events = append(events, toEvent(entry))
		}

		// Step 10: touch the patient in LRU.
		if err := tx.TouchPatient(patient.id); err != nil {
			return err
		}

		// Step 11: enforce caps, never recycling this store's own patient.
		// The new attachments were registered in step 8 and already
		// count in the index total, so no extra bytes are projected.
		deletions, err := p.Recycler.EnforceLimits(tx, 0, patient.id)
		if err != nil {
			return err
		}
		for _, d := range deletions {
			evictedUUIDs = append(evictedUUIDs, d.AttachmentUUIDs...)
		}

		// Step 12: log change entries for newly created levels plus
		// the new instance.
		if patient.created {
			snap, err := tx.GetResourceSnapshot(patient.id)
			if err != nil {
				return err
			}
			entry, err := tx.LogChangeForNewLevel(snap)
			if err != nil {
				return err
			}
			events = append(events, toEvent(entry))
		}
		if study.created {
			snap, err := tx.GetResourceSnapshot(study.id)
			if err != nil {
				return err
			}
			entry, err := tx.LogChangeForNewLevel(snap)
			if err != nil {
				return err
			}
			events = append(events, toEvent(entry))
		}
		if series.created {
			snap, err := tx.GetResourceSnapshot(series.id)
			if err != nil {
				return err
			}
			entry, err := tx.LogChangeForNewLevel(snap)
			if err != nil {
				return err
			}
			events = append(events, toEvent(entry))
		}
		instanceSnap, err := tx.GetResourceSnapshot(instanceID)
		if err != nil {
			return err
		}
		entry, err := tx.LogChangeForNewLevel(instanceSnap)
		if err != nil {
			return err
		}
		events = append(events, toEvent(entry))

		return nil
	})

	if txErr != nil {
		cleanupBlobs()
		if apperr.Is(txErr, apperr.CodeAlreadyStored) {
			return StatusAlreadyStored, ids.Instance, nil
		}
		if apperr.Is(txErr, apperr.CodeFullStorage) {
			return StatusFullStorage, "", txErr
		}
		return StatusFailure, "", txErr
	}

	// Step 14: enqueue change fan-out events, never under the index lock.
	for _, ev := range events {
		p.Feed.SignalChange(ev)
	}
	for _, uuid := range evictedUUIDs {
		if err := p.Blobs.Remove(uuid); err != nil {
			logger.WithField("uuid", uuid).Warnf("failed to purge recycled attachment: %v", err)
		}
	}

	for _, hook := range p.OnStoredHooks {
		hook(ids.Instance, instance, summary)
	}

	return StatusSuccess, ids.Instance, nil
}

func lookupOrCreate(tx *index.Tx, publicID string, level index.Level) (levelResult, error) {
	id, _, found, err := tx.LookupResource(publicID)
	if err != nil {
		return levelResult{}, err
	}
	if found {
		return levelResult{id: id, created: false}, nil
	}
	id, err = tx.CreateResource(publicID, level)
	if err != nil {
		return levelResult{}, err
	}
	return levelResult{id: id, created: true}, nil
}

// tagValue returns the value carried for tag among tags, if present.
func tagValue(tags []TagValue, tag dicomtag.Tag) (string, bool) {
	for _, tv := range tags {
		if tv.Tag == tag {
			return tv.Value, true
		}
	}
	return "", false
}

func writeMainTags(tx *index.Tx, resourceID int64, tags []TagValue) error {
	for _, tv := range tags {
		if err := tx.SetMainDicomTag(resourceID, tv.Tag.Group, tv.Tag.Element, tv.Value); err != nil {
			return err
		}
	}
	return nil
}

// registerIdentifiers stores the identifier tags appropriate to level
// (spec.md §4.3), combining the parser's own main tags for that level
// with the UID already extracted for public-id derivation so the
// identifier is indexed even if the parser didn't surface it itself.
func registerIdentifiers(tx *index.Tx, resourceID int64, level dicomtag.Level, levelTags []TagValue, uidTag dicomtag.Tag, uidValue string) error {
	values := make([]identifier.TagValue, 0, len(levelTags)+1)
	for _, tv := range levelTags {
		values = append(values, identifier.TagValue{Tag: tv.Tag, Value: tv.Value})
	}
	values = append(values, identifier.TagValue{Tag: uidTag, Value: uidValue})
	return identifier.RegisterIdentifiers(tx, resourceID, level, values)
}

func toEvent(entry index.ChangeEntry) changefeed.Event {
	return changefeed.Event{
		ChangeType: entry.ChangeType,
		ResourceID: entry.ResourceID,
		PublicID:   entry.PublicID,
		Level:      entry.Level,
		Seq:        entry.Seq,
	}
}
