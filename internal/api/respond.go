package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gnosis-kg/gnosis/pkg/models"
)

// respondError maps domain sentinel errors onto HTTP status codes. Anything
// unrecognized is a 500 with the error text; structured job errors keep
// their kind.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrStateConflict), errors.Is(err, models.ErrAlreadyDispatched):
		status = http.StatusConflict
	case models.IsProviderUnavailable(err):
		status = http.StatusServiceUnavailable
	case models.IsProviderInvalidRequest(err):
		status = http.StatusBadGateway
	}

	var je *models.JobError
	if errors.As(err, &je) {
		if je.Kind == models.ErrKindValidation {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": je.Message, "kind": je.Kind, "detail": je.Detail})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
