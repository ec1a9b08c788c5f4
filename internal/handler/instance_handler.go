package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/IMAGE-ET/Orthanc-2/internal/admission"
	"github.com/IMAGE-ET/Orthanc-2/internal/response"
	"github.com/IMAGE-ET/Orthanc-2/internal/runtime"
)

// InstanceHandler exposes the Store operation (spec.md §6). It takes a
// pre-parsed instance rather than raw DICOM bytes off the wire — the
// DICOM parser itself is out of scope (spec.md §1 Non-goals).
type InstanceHandler struct {
	rt *runtime.Runtime
}

// NewInstanceHandler creates an instance handler bound to rt.
func NewInstanceHandler(rt *runtime.Runtime) *InstanceHandler {
	return &InstanceHandler{rt: rt}
}

// tagValueDTO mirrors admission.TagValue for JSON binding; Tag is
// accepted as a "GGGG,EEEE" string and resolved to a dicomtag.Tag by
// parseTagValues.
type tagValueDTO struct {
	Tag   string `json:"tag" binding:"required"`
	Value string `json:"value"`
}

// storeInstanceRequest is the body of POST /instances.
type storeInstanceRequest struct {
	PatientID         string        `json:"patient_id" binding:"required"`
	StudyInstanceUID  string        `json:"study_instance_uid" binding:"required"`
	SeriesInstanceUID string        `json:"series_instance_uid" binding:"required"`
	SOPInstanceUID    string        `json:"sop_instance_uid" binding:"required"`
	PatientTags       []tagValueDTO `json:"patient_tags"`
	StudyTags         []tagValueDTO `json:"study_tags"`
	SeriesTags        []tagValueDTO `json:"series_tags"`
	InstanceTags      []tagValueDTO `json:"instance_tags"`
	RawDicom          []byte        `json:"raw_dicom" binding:"required"`
	RemoteAET         string        `json:"remote_aet"`
}

// Store handles POST /instances.
func (h *InstanceHandler) Store(c *gin.Context) {
	var req storeInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	instance := admission.ParsedInstance{
		PatientID:         req.PatientID,
		StudyInstanceUID:  req.StudyInstanceUID,
		SeriesInstanceUID: req.SeriesInstanceUID,
		SOPInstanceUID:    req.SOPInstanceUID,
		PatientTags:       parseTagValues(req.PatientTags),
		StudyTags:         parseTagValues(req.StudyTags),
		SeriesTags:        parseTagValues(req.SeriesTags),
		InstanceTags:      parseTagValues(req.InstanceTags),
		RawDicom:          req.RawDicom,
	}

	status, publicID, err := h.rt.Store(instance, req.RemoteAET)
	if err != nil {
		writeErr(c, err)
		return
	}

	response.Success(c, gin.H{
		"status":    status.String(),
		"public_id": publicID,
	})
}

func parseTagValues(dtos []tagValueDTO) []admission.TagValue {
	values := make([]admission.TagValue, 0, len(dtos))
	for _, dto := range dtos {
		tag, ok := parseTag(dto.Tag)
		if !ok {
			continue
		}
		values = append(values, admission.TagValue{Tag: tag, Value: dto.Value})
	}
	return values
}
