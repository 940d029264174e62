// README: Quote handlers for submit/withdraw/list.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"towhub/internal/http/middleware"
	"towhub/internal/modules/request"
	"towhub/internal/types"
)

type QuoteHandler struct {
	requests *request.Service
	ledger   *request.Ledger
	retry    RetryPolicy
}

func NewQuoteHandler(svc *request.Service, retry RetryPolicy) *QuoteHandler {
	return &QuoteHandler{requests: svc, ledger: svc.Ledger(), retry: retry}
}

type submitQuoteReq struct {
	Amount int64 `json:"amount" binding:"required"`
}

func (h *QuoteHandler) Submit(c *gin.Context) {
	var req submitQuoteReq
	if !bindJSON(c, &req) {
		return
	}
	cmd := request.SubmitQuoteCommand{
		RequestID: types.ID(c.Param("id")),
		DriverID:  types.ID(middleware.CallerUID(c)),
		Amount:    req.Amount,
	}
	ctx := c.Request.Context()
	q, err := retry(ctx, h.retry, func() (*request.Quote, error) {
		return h.ledger.SubmitQuote(ctx, cmd)
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, q)
}

func (h *QuoteHandler) Withdraw(c *gin.Context) {
	q, err := h.ledger.WithdrawQuote(c.Request.Context(), request.WithdrawQuoteCommand{
		QuoteID:  types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, q)
}

// ListActive is visible to the request's client and to admins.
func (h *QuoteHandler) ListActive(c *gin.Context) {
	ctx := c.Request.Context()
	id := types.ID(c.Param("id"))
	if middleware.CallerRole(c) != middleware.RoleAdmin {
		r, err := h.requests.Get(ctx, id)
		if err != nil {
			writeRequestError(c, err)
			return
		}
		if r.ClientID != types.ID(middleware.CallerUID(c)) {
			writeRequestError(c, request.ErrNotOwner)
			return
		}
	}
	quotes, err := h.ledger.ListActive(ctx, id)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"quotes": quotes})
}
