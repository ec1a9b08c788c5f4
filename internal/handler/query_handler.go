package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/IMAGE-ET/Orthanc-2/internal/query"
	"github.com/IMAGE-ET/Orthanc-2/internal/response"
	"github.com/IMAGE-ET/Orthanc-2/internal/runtime"
)

// QueryHandler exposes the Query Engine's Find operation (spec.md
// §4.7, §6).
type QueryHandler struct {
	rt *runtime.Runtime
}

// NewQueryHandler creates a query handler bound to rt.
func NewQueryHandler(rt *runtime.Runtime) *QueryHandler {
	return &QueryHandler{rt: rt}
}

// constraintDTO mirrors query.Constraint for JSON binding.
type constraintDTO struct {
	Tag       string   `json:"tag" binding:"required"`
	Kind      string   `json:"kind"`
	Value     string   `json:"value"`
	RangeLow  string   `json:"range_low"`
	RangeHigh string   `json:"range_high"`
	Values    []string `json:"values"`
}

// findRequest is the body of POST /{level}/find.
type findRequest struct {
	Constraints []constraintDTO `json:"constraints"`
}

// Find handles POST /{level}/find.
func (h *QueryHandler) Find(c *gin.Context) {
	level, err := parseLevel(c.Param("level"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	var req findRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	constraints := make([]query.Constraint, 0, len(req.Constraints))
	for _, dto := range req.Constraints {
		tag, ok := parseTag(dto.Tag)
		if !ok {
			response.BadRequest(c, "invalid tag: "+dto.Tag)
			return
		}
		constraints = append(constraints, query.Constraint{
			Tag:       tag,
			Kind:      parseConstraintKind(dto.Kind),
			Value:     dto.Value,
			RangeLow:  dto.RangeLow,
			RangeHigh: dto.RangeHigh,
			Values:    dto.Values,
		})
	}

	ids, err := h.rt.Query.Find(level, constraints)
	if err != nil {
		writeErr(c, err)
		return
	}
	response.Success(c, gin.H{"resources": ids})
}

func parseConstraintKind(s string) query.ConstraintKind {
	switch s {
	case "wildcard":
		return query.Wildcard
	case "range":
		return query.Range
	case "set":
		return query.SetMembership
	default:
		return query.Exact
	}
}
