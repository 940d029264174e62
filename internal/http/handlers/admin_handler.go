// README: Operator handlers for system cancellation, payment settlement and the transition log.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"towhub/internal/http/middleware"
	"towhub/internal/modules/request"
	"towhub/internal/types"
)

type AdminHandler struct {
	requests *RequestHandler
}

func NewAdminHandler(requests *RequestHandler) *AdminHandler {
	return &AdminHandler{requests: requests}
}

func (h *AdminHandler) Cancel(c *gin.Context) {
	var req cancelReq
	if !bindJSON(c, &req) {
		return
	}
	h.requests.cancel(c, request.CancelCommand{
		RequestID:  types.ID(c.Param("id")),
		ActorID:    types.ID(middleware.CallerUID(c)),
		ActorRole:  request.ActorSystem,
		ReasonCode: req.ReasonCode,
		FreeText:   req.FreeText,
	})
}

type settleReq struct {
	Reference string `json:"reference" binding:"required"`
}

func (h *AdminHandler) Settle(c *gin.Context) {
	var req settleReq
	if !bindJSON(c, &req) {
		return
	}
	cmd := request.SettleCommand{
		RequestID: types.ID(c.Param("id")),
		Reference: req.Reference,
		ActorID:   types.ID(middleware.CallerUID(c)),
	}
	ctx := c.Request.Context()
	r, err := retry(ctx, h.requests.retry, func() (*request.ServiceRequest, error) {
		return h.requests.requests.SettlePayment(ctx, cmd)
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *AdminHandler) Events(c *gin.Context) {
	events, err := h.requests.requests.Events(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"events": events})
}
