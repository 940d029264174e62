// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"towhub/internal/modules/availability"
	"towhub/internal/modules/request"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: msg, Code: code})
}

type errorMapping struct {
	target error
	status int
	code   string
}

var requestErrors = []errorMapping{
	{request.ErrValidation, http.StatusBadRequest, "validation_error"},
	{availability.ErrMissingDriver, http.StatusBadRequest, "validation_error"},
	{availability.ErrInvalidPosition, http.StatusBadRequest, "validation_error"},
	{availability.ErrNoCategories, http.StatusBadRequest, "validation_error"},
	{request.ErrNotOwner, http.StatusForbidden, "not_owner"},
	{request.ErrNotFound, http.StatusNotFound, "not_found"},
	{request.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{request.ErrIllegalTransition, http.StatusConflict, "illegal_transition"},
	{request.ErrDuplicateActiveQuote, http.StatusConflict, "duplicate_active_quote"},
	{request.ErrAlreadyTerminal, http.StatusConflict, "already_terminal"},
	{request.ErrActiveRequest, http.StatusConflict, "active_request"},
	{request.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{request.ErrAssignmentConflict, http.StatusConflict, "assignment_conflict"},
}

func writeRequestError(c *gin.Context, err error) {
	for _, m := range requestErrors {
		if errors.Is(err, m.target) {
			writeJSON(c, m.status, errorResponse{
				Error:     err.Error(),
				Code:      m.code,
				Retryable: request.IsRetryable(err),
			})
			return
		}
	}
	_ = c.Error(err)
	writeError(c, http.StatusInternalServerError, "internal", "internal error")
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "validation_error", "invalid request body: "+err.Error())
		return false
	}
	return true
}
