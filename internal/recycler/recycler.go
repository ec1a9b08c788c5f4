// Package recycler implements the LRU / Recycler (spec.md §4.4): it
// enforces max_patient_count and max_storage_size by repeatedly
// deleting the least-recently-touched non-protected patient until both
// caps are satisfied or no eligible patient remains. It is grounded on
// internal/index's PatientRecycling state machine (the select/delete
// primitives it builds on) and on the admission loop described in
// original_source/OrthancServer/ServerIndex.cpp's Recycle().
package recycler

import (
	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
	"github.com/IMAGE-ET/Orthanc-2/internal/index"
)

// Limits carries the two caps spec.md §4.4 names. Zero means
// unbounded for either field.
type Limits struct {
	MaxPatientCount uint32
	MaxStorageSize  uint64
}

// Recycler enforces Limits against an Index Database, inside an
// already-open transaction (spec.md §4.6 step 11 runs as part of the
// admission transaction).
type Recycler struct {
	limits Limits
}

// New creates a Recycler bound to limits.
func New(limits Limits) *Recycler {
	return &Recycler{limits: limits}
}

// Deleted is a patient removed by EnforceLimits, along with the
// attachment uuids its subtree owned — the caller purges those from
// the Attachment Store once the enclosing transaction commits.
type Deleted struct {
	PatientResourceID int64
	AttachmentUUIDs   []string
}

// EnforceLimits repeatedly recycles the least-recently-touched
// non-protected patient (other than avoidPatientID) until both caps
// are satisfied by projectedAdditionalBytes, or fails with
// FullStorage if no eligible patient remains first (spec.md §4.4).
func (r *Recycler) EnforceLimits(tx *index.Tx, projectedAdditionalBytes int64, avoidPatientID int64) ([]Deleted, error) {
	var deletions []Deleted

	for {
		ok, err := r.limitsSatisfied(tx, projectedAdditionalBytes)
		if err != nil {
			return deletions, err
		}
		if ok {
			return deletions, nil
		}

		patientID, found, err := tx.SelectPatientToRecycle(avoidPatientID)
		if err != nil {
			return deletions, err
		}
		if !found {
			return deletions, apperr.New(apperr.CodeFullStorage).WithDetails("no non-protected patient remains to recycle")
		}

		report, err := tx.DeleteResource(patientID)
		if err != nil {
			return deletions, err
		}

		deletions = append(deletions, Deleted{
			PatientResourceID: patientID,
			AttachmentUUIDs:   report.AttachmentUUIDs,
		})
	}
}

func (r *Recycler) limitsSatisfied(tx *index.Tx, projectedAdditionalBytes int64) (bool, error) {
	if r.limits.MaxPatientCount > 0 {
		count, err := tx.ResourceCount(index.LevelPatient)
		if err != nil {
			return false, err
		}
		if uint32(count) > r.limits.MaxPatientCount {
			return false, nil
		}
	}

	if r.limits.MaxStorageSize > 0 {
		total, err := tx.TotalCompressedSize()
		if err != nil {
			return false, err
		}
		if uint64(total+projectedAdditionalBytes) > r.limits.MaxStorageSize {
			return false, nil
		}
	}

	return true, nil
}
