package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
	"github.com/IMAGE-ET/Orthanc-2/internal/response"
)

// writeErr maps a core apperr.Error onto an HTTP response, mirroring
// the teacher's errors.GetAppError dispatch in every handler.
func writeErr(c *gin.Context, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperr.CodeUnknownResource, apperr.CodeNotFound:
			response.NotFound(c, appErr.Error())
		case apperr.CodeMissingRequiredTag, apperr.CodeDuplicateResource, apperr.CodeBadFileFormat, apperr.CodeFilteredOut:
			response.BadRequest(c, appErr.Error())
		default:
			response.Error(c, int(appErr.Code), appErr.Error())
		}
		return
	}
	response.InternalServerError(c, err.Error())
}
