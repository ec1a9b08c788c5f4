package index

import (
	"testing"

	"github.com/IMAGE-ET/Orthanc-2/config"
	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateResourceAndLookup(t *testing.T) {
	db := openTestDB(t)

	var id int64
	err := db.Transaction(func(tx *Tx) error {
		var err error
		id, err = tx.CreateResource("patient-1", LevelPatient)
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	gotID, level, found, err := db.LookupResource("patient-1")
	if err != nil {
		t.Fatalf("LookupResource: %v", err)
	}
	if !found || gotID != id || level != LevelPatient {
		t.Fatalf("LookupResource = (%d, %v, %v), want (%d, Patient, true)", gotID, level, found, id)
	}
}

func TestCreateResourceDuplicatePublicID(t *testing.T) {
	db := openTestDB(t)

	err := db.Transaction(func(tx *Tx) error {
		if _, err := tx.CreateResource("dup", LevelPatient); err != nil {
			return err
		}
		_, err := tx.CreateResource("dup", LevelPatient)
		return err
	})
	if !apperr.Is(err, apperr.CodeDuplicateResource) {
		t.Fatalf("creating a duplicate public id = %v, want CodeDuplicateResource", err)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	db := openTestDB(t)

	err := db.Transaction(func(tx *Tx) error {
		if _, err := tx.CreateResource("rolled-back", LevelPatient); err != nil {
			return err
		}
		return apperr.New(apperr.CodeInternalError)
	})
	if err == nil {
		t.Fatal("expected the transaction to fail")
	}

	if _, _, found, _ := db.LookupResource("rolled-back"); found {
		t.Fatal("resource created in a rolled-back transaction should not be visible")
	}
}

func TestAttachChildAndGetChildren(t *testing.T) {
	db := openTestDB(t)

	var patientID, studyID int64
	err := db.Transaction(func(tx *Tx) error {
		var err error
		patientID, err = tx.CreateResource("patient-1", LevelPatient)
		if err != nil {
			return err
		}
		studyID, err = tx.CreateResource("study-1", LevelStudy)
		if err != nil {
			return err
		}
		return tx.AttachChild(patientID, studyID)
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	children, err := db.GetChildren(patientID)
	if err != nil {
		t.Fatalf("GetChildren: %v", err)
	}
	if len(children) != 1 || children[0] != studyID {
		t.Fatalf("GetChildren(patient) = %v, want [%d]", children, studyID)
	}

	parentPublicID, hasParent, err := db.GetParentPublic(studyID)
	if err != nil {
		t.Fatalf("GetParentPublic: %v", err)
	}
	if !hasParent || parentPublicID != "patient-1" {
		t.Fatalf("GetParentPublic(study) = (%q, %v), want (patient-1, true)", parentPublicID, hasParent)
	}
}

func TestAttachChildRejectsNonAdjacentLevels(t *testing.T) {
	db := openTestDB(t)

	err := db.Transaction(func(tx *Tx) error {
		patientID, err := tx.CreateResource("patient-1", LevelPatient)
		if err != nil {
			return err
		}
		seriesID, err := tx.CreateResource("series-1", LevelSeries)
		if err != nil {
			return err
		}
		return tx.AttachChild(patientID, seriesID)
	})
	if !apperr.Is(err, apperr.CodeInternalError) {
		t.Fatalf("attaching a series directly under a patient = %v, want CodeInternalError", err)
	}
}

func TestMainDicomTagsAndAttachments(t *testing.T) {
	db := openTestDB(t)

	var resourceID int64
	err := db.Transaction(func(tx *Tx) error {
		var err error
		resourceID, err = tx.CreateResource("instance-1", LevelInstance)
		if err != nil {
			return err
		}
		if err := tx.SetMainDicomTag(resourceID, 0x0020, 0x0013, "1"); err != nil {
			return err
		}
		return tx.AddAttachment(Attachment{
			ResourceID:       resourceID,
			ContentType:      "dicom",
			UUID:             "blob-uuid",
			UncompressedSize: 10,
			CompressedSize:   10,
		})
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	tags, err := db.ListMainDicomTagsRead(resourceID)
	if err != nil {
		t.Fatalf("ListMainDicomTagsRead: %v", err)
	}
	if len(tags) != 1 || tags[0].Value != "1" {
		t.Fatalf("ListMainDicomTagsRead = %v, want one tag with value 1", tags)
	}

	attachment, found, err := db.LookupAttachment(resourceID, "dicom")
	if err != nil {
		t.Fatalf("LookupAttachment: %v", err)
	}
	if !found || attachment.UUID != "blob-uuid" {
		t.Fatalf("LookupAttachment = (%+v, %v), want uuid blob-uuid", attachment, found)
	}
}

func TestDeleteResourceCascades(t *testing.T) {
	db := openTestDB(t)

	var patientID, studyID int64
	err := db.Transaction(func(tx *Tx) error {
		var err error
		patientID, err = tx.CreateResource("patient-1", LevelPatient)
		if err != nil {
			return err
		}
		studyID, err = tx.CreateResource("study-1", LevelStudy)
		if err != nil {
			return err
		}
		return tx.AttachChild(patientID, studyID)
	})
	if err != nil {
		t.Fatalf("setup Transaction: %v", err)
	}

	var report *DeletionReport
	err = db.Transaction(func(tx *Tx) error {
		var err error
		report, err = tx.DeleteResource(patientID)
		return err
	})
	if err != nil {
		t.Fatalf("DeleteResource: %v", err)
	}
	if len(report.DeletedResources) != 2 {
		t.Fatalf("DeleteResource deleted %d resources, want 2 (patient + study)", len(report.DeletedResources))
	}

	if _, _, found, _ := db.LookupResource("patient-1"); found {
		t.Fatal("patient should no longer be found after delete")
	}
	if _, _, found, _ := db.LookupResource("study-1"); found {
		t.Fatal("study should no longer be found after cascading delete")
	}
}

func TestSelectPatientToRecycleOrdersByLeastRecentlyTouched(t *testing.T) {
	db := openTestDB(t)

	var first, second int64
	err := db.Transaction(func(tx *Tx) error {
		var err error
		first, err = tx.CreateResource("patient-1", LevelPatient)
		if err != nil {
			return err
		}
		second, err = tx.CreateResource("patient-2", LevelPatient)
		if err != nil {
			return err
		}
		// Touching `first` again moves it to the recently-used end, so
		// `second` becomes the least recently touched.
		return tx.TouchPatient(first)
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	var candidate int64
	var ok bool
	err = db.Transaction(func(tx *Tx) error {
		var err error
		candidate, ok, err = tx.SelectPatientToRecycle(0)
		return err
	})
	if err != nil {
		t.Fatalf("SelectPatientToRecycle: %v", err)
	}
	if !ok || candidate != second {
		t.Fatalf("SelectPatientToRecycle = (%d, %v), want (%d, true)", candidate, ok, second)
	}
}

func TestSelectPatientToRecycleSkipsProtected(t *testing.T) {
	db := openTestDB(t)

	var patientID int64
	err := db.Transaction(func(tx *Tx) error {
		var err error
		patientID, err = tx.CreateResource("patient-1", LevelPatient)
		if err != nil {
			return err
		}
		return tx.SetProtectedPatient(patientID, true)
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	var ok bool
	err = db.Transaction(func(tx *Tx) error {
		var err error
		_, ok, err = tx.SelectPatientToRecycle(0)
		return err
	})
	if err != nil {
		t.Fatalf("SelectPatientToRecycle: %v", err)
	}
	if ok {
		t.Fatal("a protected patient must never be selected for recycling")
	}
}

func TestLogChangeAndGetChanges(t *testing.T) {
	db := openTestDB(t)

	err := db.Transaction(func(tx *Tx) error {
		id, err := tx.CreateResource("patient-1", LevelPatient)
		if err != nil {
			return err
		}
		_, err = tx.LogChange(ChangeNewPatient, id)
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	changes, done, err := db.GetChanges(0, 10)
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if !done {
		t.Fatal("GetChanges should report done with only one change and a generous limit")
	}
	if len(changes) != 1 || changes[0].PublicID != "patient-1" {
		t.Fatalf("GetChanges = %v, want one NewPatient entry for patient-1", changes)
	}
}
