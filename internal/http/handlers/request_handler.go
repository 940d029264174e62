// README: Service request handlers for create/get/accept/advance/cancel/rate.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"towhub/internal/http/middleware"
	"towhub/internal/modules/request"
	"towhub/internal/types"
)

type RequestHandler struct {
	requests *request.Service
	retry    RetryPolicy
}

func NewRequestHandler(svc *request.Service, retry RetryPolicy) *RequestHandler {
	return &RequestHandler{requests: svc, retry: retry}
}

type vehicleReq struct {
	Plate    string `json:"plate"`
	Brand    string `json:"brand"`
	Model    string `json:"model"`
	Category string `json:"category" binding:"required"`
	Color    string `json:"color"`
	Year     int    `json:"year"`
}

type locationReq struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (l locationReq) toLocation() request.Location {
	return request.Location{Point: types.Point{Lat: l.Lat, Lng: l.Lng}, Address: l.Address}
}

type createRequestReq struct {
	Vehicle     vehicleReq   `json:"vehicle"`
	Origin      locationReq  `json:"origin"`
	Destination *locationReq `json:"destination"`
	Problem     string       `json:"problem" binding:"required"`
}

func (h *RequestHandler) Create(c *gin.Context) {
	var req createRequestReq
	if !bindJSON(c, &req) {
		return
	}
	cmd := request.CreateCommand{
		ClientID: types.ID(middleware.CallerUID(c)),
		Vehicle: request.VehicleSnapshot{
			Plate:    req.Vehicle.Plate,
			Brand:    req.Vehicle.Brand,
			Model:    req.Vehicle.Model,
			Category: req.Vehicle.Category,
			Color:    req.Vehicle.Color,
			Year:     req.Vehicle.Year,
		},
		Origin:  req.Origin.toLocation(),
		Problem: req.Problem,
	}
	if req.Destination != nil {
		dest := req.Destination.toLocation()
		cmd.Destination = &dest
	}
	r, err := h.requests.Create(c.Request.Context(), cmd)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

// Get returns the request to its client, the assigned driver, drivers while it
// is open for bids, and admins.
func (h *RequestHandler) Get(c *gin.Context) {
	r, err := h.requests.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeRequestError(c, err)
		return
	}
	if !canView(c, r) {
		writeError(c, http.StatusForbidden, "not_owner", "not allowed to view this request")
		return
	}
	if middleware.CallerRole(c) == middleware.RoleDriver && !isAssigned(c, r) {
		r = withoutQuotesOfOthers(r, types.ID(middleware.CallerUID(c)))
	}
	writeJSON(c, http.StatusOK, r)
}

func canView(c *gin.Context, r *request.ServiceRequest) bool {
	uid := types.ID(middleware.CallerUID(c))
	switch middleware.CallerRole(c) {
	case middleware.RoleAdmin:
		return true
	case middleware.RoleDriver:
		return r.Status.Biddable() || isAssigned(c, r)
	default:
		return r.ClientID == uid
	}
}

func isAssigned(c *gin.Context, r *request.ServiceRequest) bool {
	return r.AssignedDriverID != nil && *r.AssignedDriverID == types.ID(middleware.CallerUID(c))
}

// withoutQuotesOfOthers hides competing bids from a driver.
func withoutQuotesOfOthers(r *request.ServiceRequest, driverID types.ID) *request.ServiceRequest {
	out := r.Clone()
	out.Quotes = nil
	for _, q := range r.Quotes {
		if q.DriverID == driverID {
			out.Quotes = append(out.Quotes, q)
		}
	}
	return out
}

type acceptReq struct {
	QuoteID string `json:"quote_id" binding:"required"`
}

func (h *RequestHandler) Accept(c *gin.Context) {
	var req acceptReq
	if !bindJSON(c, &req) {
		return
	}
	cmd := request.AcceptCommand{
		RequestID: types.ID(c.Param("id")),
		QuoteID:   types.ID(req.QuoteID),
		ClientID:  types.ID(middleware.CallerUID(c)),
	}
	ctx := c.Request.Context()
	r, err := retry(ctx, h.retry, func() (*request.ServiceRequest, error) {
		return h.requests.AcceptQuote(ctx, cmd)
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type advanceReq struct {
	Status string `json:"status" binding:"required"`
}

func (h *RequestHandler) Advance(c *gin.Context) {
	var req advanceReq
	if !bindJSON(c, &req) {
		return
	}
	target, err := request.ParseStatus(req.Status)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	cmd := request.AdvanceCommand{
		RequestID: types.ID(c.Param("id")),
		DriverID:  types.ID(middleware.CallerUID(c)),
		Target:    target,
	}
	ctx := c.Request.Context()
	r, err := retry(ctx, h.retry, func() (*request.ServiceRequest, error) {
		return h.requests.AdvanceStatus(ctx, cmd)
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type cancelReq struct {
	ReasonCode string `json:"reason_code"`
	FreeText   string `json:"free_text"`
}

// Cancel handles client and driver cancellation; the actor role comes from the token.
func (h *RequestHandler) Cancel(c *gin.Context) {
	var req cancelReq
	if !bindJSON(c, &req) {
		return
	}
	role := request.ActorClient
	if middleware.CallerRole(c) == middleware.RoleDriver {
		role = request.ActorDriver
	}
	h.cancel(c, request.CancelCommand{
		RequestID:  types.ID(c.Param("id")),
		ActorID:    types.ID(middleware.CallerUID(c)),
		ActorRole:  role,
		ReasonCode: req.ReasonCode,
		FreeText:   req.FreeText,
	})
}

func (h *RequestHandler) cancel(c *gin.Context, cmd request.CancelCommand) {
	ctx := c.Request.Context()
	r, err := retry(ctx, h.retry, func() (*request.ServiceRequest, error) {
		return h.requests.Cancel(ctx, cmd)
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type rateReq struct {
	Stars   int    `json:"stars" binding:"required"`
	Comment string `json:"comment"`
	Tip     int64  `json:"tip"`
}

func (h *RequestHandler) Rate(c *gin.Context) {
	var req rateReq
	if !bindJSON(c, &req) {
		return
	}
	cmd := request.RateCommand{
		RequestID: types.ID(c.Param("id")),
		ClientID:  types.ID(middleware.CallerUID(c)),
		Stars:     req.Stars,
		Comment:   req.Comment,
		Tip:       req.Tip,
	}
	ctx := c.Request.Context()
	r, err := retry(ctx, h.retry, func() (*request.ServiceRequest, error) {
		return h.requests.Rate(ctx, cmd)
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}
