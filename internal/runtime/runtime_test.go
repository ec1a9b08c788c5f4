package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/IMAGE-ET/Orthanc-2/config"
	"github.com/IMAGE-ET/Orthanc-2/internal/admission"
	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
	"github.com/IMAGE-ET/Orthanc-2/internal/blobstore"
	"github.com/IMAGE-ET/Orthanc-2/internal/changefeed"
	"github.com/IMAGE-ET/Orthanc-2/internal/dicomtag"
	"github.com/IMAGE-ET/Orthanc-2/internal/index"
)

func newTestRuntime(t *testing.T, core config.CoreConfig) *Runtime {
	t.Helper()
	rt, err := New(
		config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"},
		config.StorageConfig{StoragePath: t.TempDir()},
		core,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func sampleInstance(sopInstanceUID string) admission.ParsedInstance {
	return admission.ParsedInstance{
		PatientID:         "patient-a",
		StudyInstanceUID:  "study-1",
		SeriesInstanceUID: "series-1",
		SOPInstanceUID:    sopInstanceUID,
		PatientTags:       []admission.TagValue{{Tag: dicomtag.PatientName, Value: "Doe^Jane"}},
		RawDicom:          []byte("raw bytes"),
	}
}

func TestStoreThenGetResourceAndChildren(t *testing.T) {
	rt := newTestRuntime(t, config.CoreConfig{})

	status, publicID, err := rt.Store(sampleInstance("sop-1"), "TESTAET")
	if err != nil || status != admission.StatusSuccess {
		t.Fatalf("Store = (%v, %v, %v), want Success", status, publicID, err)
	}

	snap, err := rt.GetResource(publicID, index.LevelInstance)
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if snap.PublicID != publicID || !snap.HasParent {
		t.Fatalf("GetResource = %+v, want a parented instance matching %q", snap, publicID)
	}

	patients, err := rt.List(index.LevelPatient)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(patients) != 1 {
		t.Fatalf("List(Patient) = %v, want exactly one patient", patients)
	}

	children, err := rt.GetChildrenPublic(patients[0])
	if err != nil {
		t.Fatalf("GetChildrenPublic: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("GetChildrenPublic(patient) = %v, want exactly one study", children)
	}
}

func TestGetResourceWrongLevelFails(t *testing.T) {
	rt := newTestRuntime(t, config.CoreConfig{})
	_, publicID, err := rt.Store(sampleInstance("sop-1"), "TESTAET")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	_, err = rt.GetResource(publicID, index.LevelPatient)
	if !apperr.Is(err, apperr.CodeUnknownResource) {
		t.Fatalf("GetResource with a mismatched level = %v, want CodeUnknownResource", err)
	}
}

func TestDeleteCascadesAndPurgesAttachments(t *testing.T) {
	rt := newTestRuntime(t, config.CoreConfig{})
	_, patientID, err := func() (admission.Status, string, error) {
		status, _, err := rt.Store(sampleInstance("sop-1"), "TESTAET")
		if err != nil {
			return status, "", err
		}
		patients, err := rt.List(index.LevelPatient)
		if err != nil || len(patients) == 0 {
			return status, "", err
		}
		return status, patients[0], nil
	}()
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	report, err := rt.Delete(patientID, index.LevelPatient)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(report.DeletedResources) != 4 {
		t.Fatalf("Delete cascaded over %d resources, want 4 (patient/study/series/instance)", len(report.DeletedResources))
	}
	if len(report.AttachmentUUIDs) != 2 {
		t.Fatalf("Delete reported %d attachment uuids, want 2 (dicom + summary)", len(report.AttachmentUUIDs))
	}
	for _, uuid := range report.AttachmentUUIDs {
		if _, err := rt.Blobs.Read(uuid, "", blobstore.FileInfo{}); !apperr.Is(err, apperr.CodeNotFound) {
			t.Fatalf("Blobs.Read(%s) after Delete = %v, want CodeNotFound", uuid, err)
		}
	}

	if _, err := rt.GetResource(patientID, index.LevelPatient); !apperr.Is(err, apperr.CodeUnknownResource) {
		t.Fatalf("GetResource after Delete = %v, want CodeUnknownResource", err)
	}
}

func TestSetProtectedRejectsNonPatientLevel(t *testing.T) {
	rt := newTestRuntime(t, config.CoreConfig{})
	_, publicID, err := rt.Store(sampleInstance("sop-1"), "TESTAET")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := rt.SetProtected(publicID, true); !apperr.Is(err, apperr.CodeBadSequenceOfCalls) {
		t.Fatalf("SetProtected on an instance = %v, want CodeBadSequenceOfCalls", err)
	}
}

func TestAddAndReadAttachment(t *testing.T) {
	rt := newTestRuntime(t, config.CoreConfig{})
	_, publicID, err := rt.Store(sampleInstance("sop-1"), "TESTAET")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	ok, err := rt.AddAttachment(publicID, "thumbnail", []byte("thumbnail bytes"))
	if err != nil || !ok {
		t.Fatalf("AddAttachment = (%v, %v), want (true, nil)", ok, err)
	}

	data, err := rt.ReadAttachment(publicID, "thumbnail")
	if err != nil {
		t.Fatalf("ReadAttachment: %v", err)
	}
	if string(data) != "thumbnail bytes" {
		t.Fatalf("ReadAttachment = %q, want %q", data, "thumbnail bytes")
	}
}

// otherPatientInstance builds a ParsedInstance for a second, distinct
// patient so the two can compete for a single-patient recycling cap.
func otherPatientInstance(sopInstanceUID string) admission.ParsedInstance {
	return admission.ParsedInstance{
		PatientID:         "patient-b",
		StudyInstanceUID:  "study-2",
		SeriesInstanceUID: "series-2",
		SOPInstanceUID:    sopInstanceUID,
		PatientTags:       []admission.TagValue{{Tag: dicomtag.PatientName, Value: "Doe^John"}},
		RawDicom:          []byte("other raw bytes"),
	}
}

func TestReadAttachmentTouchesOwningPatient(t *testing.T) {
	rt := newTestRuntime(t, config.CoreConfig{})

	_, firstInstanceID, err := rt.Store(sampleInstance("sop-1"), "TESTAET")
	if err != nil {
		t.Fatalf("Store(first): %v", err)
	}
	if _, _, err := rt.Store(otherPatientInstance("sop-2"), "TESTAET"); err != nil {
		t.Fatalf("Store(second): %v", err)
	}

	firstPatientID, err := admission.DeriveIdentifiers(sampleInstance("sop-1"))
	if err != nil {
		t.Fatalf("DeriveIdentifiers: %v", err)
	}

	// Reading the first patient's instance attachment must re-touch it,
	// so it is no longer the least-recently-used patient.
	if _, err := rt.ReadAttachment(firstInstanceID, admission.ContentTypeDicom); err != nil {
		t.Fatalf("ReadAttachment: %v", err)
	}

	var recycleCandidateID int64
	err = rt.DB.Transaction(func(tx *index.Tx) error {
		id, _, err := tx.SelectPatientToRecycle(0)
		recycleCandidateID = id
		return err
	})
	if err != nil {
		t.Fatalf("SelectPatientToRecycle: %v", err)
	}

	firstPatientInternalID, _, _, err := rt.DB.LookupResource(firstPatientID.Patient)
	if err != nil {
		t.Fatalf("LookupResource: %v", err)
	}
	if recycleCandidateID == firstPatientInternalID {
		t.Fatal("reading an attachment should touch the owning patient, so it must not be the LRU recycle candidate")
	}
}

func TestAddAttachmentTouchesOwningPatient(t *testing.T) {
	rt := newTestRuntime(t, config.CoreConfig{})

	_, firstInstanceID, err := rt.Store(sampleInstance("sop-1"), "TESTAET")
	if err != nil {
		t.Fatalf("Store(first): %v", err)
	}
	if _, _, err := rt.Store(otherPatientInstance("sop-2"), "TESTAET"); err != nil {
		t.Fatalf("Store(second): %v", err)
	}

	firstPatientID, err := admission.DeriveIdentifiers(sampleInstance("sop-1"))
	if err != nil {
		t.Fatalf("DeriveIdentifiers: %v", err)
	}

	if ok, err := rt.AddAttachment(firstInstanceID, "thumbnail", []byte("thumb")); err != nil || !ok {
		t.Fatalf("AddAttachment = (%v, %v), want (true, nil)", ok, err)
	}

	var recycleCandidateID int64
	err = rt.DB.Transaction(func(tx *index.Tx) error {
		id, _, err := tx.SelectPatientToRecycle(0)
		recycleCandidateID = id
		return err
	})
	if err != nil {
		t.Fatalf("SelectPatientToRecycle: %v", err)
	}

	firstPatientInternalID, _, _, err := rt.DB.LookupResource(firstPatientID.Patient)
	if err != nil {
		t.Fatalf("LookupResource: %v", err)
	}
	if recycleCandidateID == firstPatientInternalID {
		t.Fatal("adding an attachment should touch the owning patient, so it must not be the LRU recycle candidate")
	}
}

func TestChangesSinceReportsStoredInstance(t *testing.T) {
	rt := newTestRuntime(t, config.CoreConfig{})
	if _, _, err := rt.Store(sampleInstance("sop-1"), "TESTAET"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	changes, done, err := rt.ChangesSince(0, 100)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if !done {
		t.Fatal("ChangesSince should report done with a generous limit")
	}
	if len(changes) == 0 {
		t.Fatal("ChangesSince returned no changes after a successful Store")
	}
}

func TestRegisterListenerReceivesOnChange(t *testing.T) {
	rt := newTestRuntime(t, config.CoreConfig{})

	received := make(chan changefeed.Event, 10)
	rt.RegisterListener(Listener{
		OnChange: func(e changefeed.Event) { received <- e },
	})

	if _, _, err := rt.Store(sampleInstance("sop-1"), "TESTAET"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := changefeed.WaitIdle(ctx, rt.Feed); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	select {
	case <-received:
	default:
		t.Fatal("OnChange listener never received an event for the stored instance")
	}
}

func TestRegisterListenerFilterIncoming(t *testing.T) {
	rt := newTestRuntime(t, config.CoreConfig{})

	rt.RegisterListener(Listener{
		FilterIncoming: func(admission.ParsedInstance) bool { return false },
	})

	status, publicID, err := rt.Store(sampleInstance("sop-1"), "TESTAET")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if status != admission.StatusFilteredOut {
		t.Fatalf("Store status = %v, want FilteredOut once a FilterIncoming listener rejects everything", status)
	}
	if publicID != "" {
		t.Fatalf("FilteredOut should return an empty public id, got %q", publicID)
	}
}
