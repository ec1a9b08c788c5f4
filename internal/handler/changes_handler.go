package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/IMAGE-ET/Orthanc-2/internal/response"
	"github.com/IMAGE-ET/Orthanc-2/internal/runtime"
)

// ChangesHandler exposes the Change Fan-out's polling counterpart,
// ChangesSince (spec.md §6, §4.5).
type ChangesHandler struct {
	rt *runtime.Runtime
}

// NewChangesHandler creates a changes handler bound to rt.
func NewChangesHandler(rt *runtime.Runtime) *ChangesHandler {
	return &ChangesHandler{rt: rt}
}

// Since handles GET /changes?since=&limit=.
func (h *ChangesHandler) Since(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid since")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		response.BadRequest(c, "invalid limit")
		return
	}

	changes, done, err := h.rt.ChangesSince(since, limit)
	if err != nil {
		writeErr(c, err)
		return
	}
	response.Success(c, gin.H{"changes": changes, "done": done})
}
