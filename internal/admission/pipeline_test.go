package admission

import (
	"testing"

	"github.com/IMAGE-ET/Orthanc-2/config"
	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
	"github.com/IMAGE-ET/Orthanc-2/internal/blobstore"
	"github.com/IMAGE-ET/Orthanc-2/internal/changefeed"
	"github.com/IMAGE-ET/Orthanc-2/internal/dicomtag"
	"github.com/IMAGE-ET/Orthanc-2/internal/index"
	"github.com/IMAGE-ET/Orthanc-2/internal/recycler"
)

func newTestPipeline(t *testing.T, limits recycler.Limits) *Pipeline {
	t.Helper()
	db, err := index.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := blobstore.New(t.TempDir(), blobstore.Policy{UseMD5: true})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}

	feed := changefeed.New(100)
	feed.Start()
	t.Cleanup(feed.Stop)

	return &Pipeline{
		DB:       db,
		Blobs:    blobs,
		Recycler: recycler.New(limits),
		Feed:     feed,
	}
}

func sampleInstance(sopInstanceUID string) ParsedInstance {
	return ParsedInstance{
		PatientID:         "patient-a",
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: "1.2.3.4",
		SOPInstanceUID:    sopInstanceUID,
		PatientTags:       []TagValue{{Tag: dicomtag.PatientName, Value: "Doe^John"}},
		StudyTags:         []TagValue{{Tag: dicomtag.StudyDescription, Value: "CT Chest"}},
		SeriesTags:        []TagValue{{Tag: dicomtag.Modality, Value: "CT"}},
		InstanceTags:      []TagValue{{Tag: dicomtag.InstanceNumber, Value: "1"}},
		RawDicom:          []byte("fake dicom bytes for a single instance"),
	}
}

func TestStoreNewInstanceSucceeds(t *testing.T) {
	p := newTestPipeline(t, recycler.Limits{})

	status, publicID, err := p.Store(sampleInstance("1.2.3.4.5"), "TESTAET")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if status != StatusSuccess {
		t.Fatalf("Store status = %v, want Success", status)
	}
	if publicID == "" {
		t.Fatal("Store returned an empty public id")
	}

	_, level, found, err := p.DB.LookupResource(publicID)
	if err != nil {
		t.Fatalf("LookupResource: %v", err)
	}
	if !found || level != index.LevelInstance {
		t.Fatalf("LookupResource(%q) = (_, %v, %v), want (_, Instance, true)", publicID, level, found)
	}
}

func TestStoreBuildsFullHierarchy(t *testing.T) {
	p := newTestPipeline(t, recycler.Limits{})

	if _, _, err := p.Store(sampleInstance("1.2.3.4.5"), "TESTAET"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	ids, err := DeriveIdentifiers(sampleInstance("1.2.3.4.5"))
	if err != nil {
		t.Fatalf("DeriveIdentifiers: %v", err)
	}

	for _, check := range []struct {
		name  string
		id    string
		level index.Level
	}{
		{"patient", ids.Patient, index.LevelPatient},
		{"study", ids.Study, index.LevelStudy},
		{"series", ids.Series, index.LevelSeries},
		{"instance", ids.Instance, index.LevelInstance},
	} {
		_, level, found, err := p.DB.LookupResource(check.id)
		if err != nil {
			t.Fatalf("LookupResource(%s): %v", check.name, err)
		}
		if !found || level != check.level {
			t.Fatalf("LookupResource(%s) = (_, %v, %v), want (_, %v, true)", check.name, level, found, check.level)
		}
	}
}

func TestStoreSameInstanceTwiceIsAlreadyStored(t *testing.T) {
	p := newTestPipeline(t, recycler.Limits{})

	instance := sampleInstance("1.2.3.4.5")
	if _, _, err := p.Store(instance, "TESTAET"); err != nil {
		t.Fatalf("first Store: %v", err)
	}

	status, publicID, err := p.Store(instance, "TESTAET")
	if err != nil {
		t.Fatalf("second Store: %v", err)
	}
	if status != StatusAlreadyStored {
		t.Fatalf("second Store status = %v, want AlreadyStored", status)
	}
	if publicID == "" {
		t.Fatal("AlreadyStored should still return the existing public id")
	}
}

func TestStoreMissingRequiredTagFails(t *testing.T) {
	p := newTestPipeline(t, recycler.Limits{})

	instance := sampleInstance("1.2.3.4.5")
	instance.SOPInstanceUID = ""

	status, _, err := p.Store(instance, "TESTAET")
	if status != StatusMissingRequiredTag {
		t.Fatalf("Store status = %v, want MissingRequiredTag", status)
	}
	if !apperr.Is(err, apperr.CodeMissingRequiredTag) {
		t.Fatalf("Store error = %v, want CodeMissingRequiredTag", err)
	}
}

func TestStoreFilteredOut(t *testing.T) {
	p := newTestPipeline(t, recycler.Limits{})
	p.Filters = append(p.Filters, func(ParsedInstance) bool { return false })

	status, publicID, err := p.Store(sampleInstance("1.2.3.4.5"), "TESTAET")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if status != StatusFilteredOut {
		t.Fatalf("Store status = %v, want FilteredOut", status)
	}
	if publicID != "" {
		t.Fatalf("FilteredOut should return an empty public id, got %q", publicID)
	}

	ids, _ := DeriveIdentifiers(sampleInstance("1.2.3.4.5"))
	if _, _, found, _ := p.DB.LookupResource(ids.Instance); found {
		t.Fatal("a filtered-out instance must not be written to the index")
	}
}

func TestStoreInvokesOnStoredHook(t *testing.T) {
	p := newTestPipeline(t, recycler.Limits{})

	var hookCalled bool
	var hookPublicID string
	p.OnStoredHooks = append(p.OnStoredHooks, func(publicID string, instance ParsedInstance, summary Summary) {
		hookCalled = true
		hookPublicID = publicID
	})

	_, publicID, err := p.Store(sampleInstance("1.2.3.4.5"), "TESTAET")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !hookCalled {
		t.Fatal("OnStoredHook was never invoked")
	}
	if hookPublicID != publicID {
		t.Fatalf("OnStoredHook publicID = %q, want %q", hookPublicID, publicID)
	}
}

func TestStoreLogsCompletedSeriesOnceExpectedCountReached(t *testing.T) {
	p := newTestPipeline(t, recycler.Limits{})

	seriesTags := []TagValue{
		{Tag: dicomtag.Modality, Value: "CT"},
		{Tag: dicomtag.NumberOfSlices, Value: "2"},
	}

	first := sampleInstance("1.2.3.4.5")
	first.SeriesTags = seriesTags
	first.InstanceTags = []TagValue{{Tag: dicomtag.InstanceNumber, Value: "1"}}
	if _, _, err := p.Store(first, "TESTAET"); err != nil {
		t.Fatalf("first Store: %v", err)
	}

	if hasCompletedSeriesChange(t, p) {
		t.Fatal("a series with only 1 of 2 expected instances must not be reported complete")
	}

	second := sampleInstance("1.2.3.4.6")
	second.SeriesTags = seriesTags
	second.InstanceTags = []TagValue{{Tag: dicomtag.InstanceNumber, Value: "2"}}
	if _, _, err := p.Store(second, "TESTAET"); err != nil {
		t.Fatalf("second Store: %v", err)
	}

	if !hasCompletedSeriesChange(t, p) {
		t.Fatal("storing the second of 2 expected instances should log a CompletedSeries change entry")
	}
}

func hasCompletedSeriesChange(t *testing.T, p *Pipeline) bool {
	t.Helper()
	changes, _, err := p.DB.GetChanges(0, 100)
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	for _, c := range changes {
		if c.ChangeType == index.ChangeCompletedSeries {
			return true
		}
	}
	return false
}

func TestStoreRecyclesWhenOverPatientCap(t *testing.T) {
	p := newTestPipeline(t, recycler.Limits{MaxPatientCount: 1})

	first := sampleInstance("1.2.3.4.5")
	if _, _, err := p.Store(first, "TESTAET"); err != nil {
		t.Fatalf("first Store: %v", err)
	}
	firstIDs, _ := DeriveIdentifiers(first)

	second := sampleInstance("9.9.9.9.9")
	second.PatientID = "patient-b"
	if status, _, err := p.Store(second, "TESTAET"); err != nil || status != StatusSuccess {
		t.Fatalf("second Store = (%v, %v), want Success", status, err)
	}

	if _, _, found, _ := p.DB.LookupResource(firstIDs.Patient); found {
		t.Fatal("the first patient should have been recycled once the second store exceeded the patient cap")
	}
}
