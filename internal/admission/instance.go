// Package admission implements the Admission Pipeline (spec.md §4.6):
// the fourteen-step sequence that turns one parsed DICOM instance into
// hierarchy rows, tags, attachments and change events. It is grounded
// on original_source/OrthancServer/ServerIndex.cpp's Store() method for
// step ordering, and on the teacher's UploadFile (blob write, hash,
// dedup-by-lookup) for the blob half of the pipeline.
package admission

import (
	"github.com/IMAGE-ET/Orthanc-2/internal/dicomtag"
)

// ParsedInstance is the input the out-of-scope DICOM parser is assumed
// to produce (spec.md §1 Non-goals: "no real DICOM parser"). It
// carries just enough to drive admission: the four identifying UIDs,
// the main tag values at each level, and the raw bytes to store.
type ParsedInstance struct {
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string

	PatientTags  []TagValue
	StudyTags    []TagValue
	SeriesTags   []TagValue
	InstanceTags []TagValue

	RawDicom []byte
}

// TagValue pairs a tag with its raw string value.
type TagValue struct {
	Tag   dicomtag.Tag
	Value string
}

// TagsForLevel returns the main tags a ParsedInstance carries for
// level, used by BuildSummary to walk the four levels in order.
func (p ParsedInstance) TagsForLevel(level dicomtag.Level) []TagValue {
	switch level {
	case dicomtag.LevelPatient:
		return p.PatientTags
	case dicomtag.LevelStudy:
		return p.StudyTags
	case dicomtag.LevelSeries:
		return p.SeriesTags
	default:
		return p.InstanceTags
	}
}

// Summary is the JSON document written as the "summary" attachment
// content type (spec.md §4.6 step 3): a flat view of every tag on the
// instance, used by the query engine's unindexed fallback (§4.7 step
// 3).
type Summary struct {
	PatientID         string            `json:"patient_id"`
	StudyInstanceUID  string            `json:"study_instance_uid"`
	SeriesInstanceUID string            `json:"series_instance_uid"`
	SOPInstanceUID    string            `json:"sop_instance_uid"`
	Tags              map[string]string `json:"tags"`
}

// BuildSummary flattens a ParsedInstance's tags into a Summary,
// grouping the four levels' tags into one tag→value map keyed by
// "GGGG,EEEE".
func BuildSummary(p ParsedInstance) Summary {
	tags := make(map[string]string)
	for _, level := range []dicomtag.Level{dicomtag.LevelPatient, dicomtag.LevelStudy, dicomtag.LevelSeries, dicomtag.LevelInstance} {
		for _, tv := range p.TagsForLevel(level) {
			tags[tv.Tag.String()] = tv.Value
		}
	}
	return Summary{
		PatientID:         p.PatientID,
		StudyInstanceUID:  p.StudyInstanceUID,
		SeriesInstanceUID: p.SeriesInstanceUID,
		SOPInstanceUID:    p.SOPInstanceUID,
		Tags:              tags,
	}
}
