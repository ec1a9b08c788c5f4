package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/IMAGE-ET/Orthanc-2/internal/response"
	"github.com/IMAGE-ET/Orthanc-2/internal/runtime"
)

// ResourceHandler exposes the Runtime's per-resource External
// Interface operations (spec.md §6): lookup, hierarchy navigation,
// deletion, protection, and attachment access.
type ResourceHandler struct {
	rt *runtime.Runtime
}

// NewResourceHandler creates a resource handler bound to rt.
func NewResourceHandler(rt *runtime.Runtime) *ResourceHandler {
	return &ResourceHandler{rt: rt}
}

// GetResource handles GET /{level}/:id.
func (h *ResourceHandler) GetResource(c *gin.Context) {
	level, err := parseLevel(c.Param("level"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	snapshot, err := h.rt.GetResource(c.Param("id"), level)
	if err != nil {
		writeErr(c, err)
		return
	}
	response.Success(c, snapshot)
}

// GetChildren handles GET /{level}/:id/children.
func (h *ResourceHandler) GetChildren(c *gin.Context) {
	children, err := h.rt.GetChildrenPublic(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	response.Success(c, gin.H{"children": children})
}

// GetParent handles GET /{level}/:id/parent.
func (h *ResourceHandler) GetParent(c *gin.Context) {
	parent, hasParent, err := h.rt.GetParentPublic(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	response.Success(c, gin.H{"parent": parent, "has_parent": hasParent})
}

// List handles GET /{level}.
func (h *ResourceHandler) List(c *gin.Context) {
	level, err := parseLevel(c.Param("level"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ids, err := h.rt.List(level)
	if err != nil {
		writeErr(c, err)
		return
	}
	response.Success(c, gin.H{"resources": ids})
}

// Delete handles DELETE /{level}/:id.
func (h *ResourceHandler) Delete(c *gin.Context) {
	level, err := parseLevel(c.Param("level"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	report, err := h.rt.Delete(c.Param("id"), level)
	if err != nil {
		writeErr(c, err)
		return
	}
	response.Success(c, report)
}

// setProtectedRequest is the body of PUT /patients/:id/protected.
type setProtectedRequest struct {
	Protected bool `json:"protected"`
}

// SetProtected handles PUT /patients/:id/protected.
func (h *ResourceHandler) SetProtected(c *gin.Context) {
	var req setProtectedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := h.rt.SetProtected(c.Param("id"), req.Protected); err != nil {
		writeErr(c, err)
		return
	}
	response.Success(c, nil)
}

// addAttachmentRequest is the body of PUT /{level}/:id/attachments/:contentType.
type addAttachmentRequest struct {
	Data []byte `json:"data"`
}

// AddAttachment handles PUT /{level}/:id/attachments/:contentType.
func (h *ResourceHandler) AddAttachment(c *gin.Context) {
	var req addAttachmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	compressed, err := h.rt.AddAttachment(c.Param("id"), c.Param("contentType"), req.Data)
	if err != nil {
		writeErr(c, err)
		return
	}
	response.Success(c, gin.H{"compressed": compressed})
}

// ReadAttachment handles GET /{level}/:id/attachments/:contentType.
func (h *ResourceHandler) ReadAttachment(c *gin.Context) {
	data, err := h.rt.ReadAttachment(c.Param("id"), c.Param("contentType"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}
