package admission

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
)

// PublicIDs holds the four stable public ids derived from an
// instance's UID chain (spec.md §4.6 step 1), grounded on
// DicomInstanceHasher::HashPatient/HashStudy/HashSeries/HashInstance
// in original_source/Core/DicomFormat/DicomInstanceHasher.cpp: each is
// the SHA-1 of the pipe-joined UID prefix.
type PublicIDs struct {
	Patient  string
	Study    string
	Series   string
	Instance string
}

// DeriveIdentifiers computes the four public ids, failing with
// MissingRequiredTag if any of the four UIDs is empty.
func DeriveIdentifiers(p ParsedInstance) (PublicIDs, error) {
	if p.PatientID == "" || p.StudyInstanceUID == "" || p.SeriesInstanceUID == "" || p.SOPInstanceUID == "" {
		return PublicIDs{}, apperr.New(apperr.CodeMissingRequiredTag).WithDetails(
			"PatientID, StudyInstanceUID, SeriesInstanceUID and SOPInstanceUID are all required")
	}

	return PublicIDs{
		Patient:  sha1Hex(p.PatientID),
		Study:    sha1Hex(join(p.PatientID, p.StudyInstanceUID)),
		Series:   sha1Hex(join(p.PatientID, p.StudyInstanceUID, p.SeriesInstanceUID)),
		Instance: sha1Hex(join(p.PatientID, p.StudyInstanceUID, p.SeriesInstanceUID, p.SOPInstanceUID)),
	}, nil
}

func join(parts ...string) string {
	return strings.Join(parts, "|")
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
