// README: Driver availability feed handler.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"towhub/internal/http/middleware"
	"towhub/internal/modules/availability"
	"towhub/internal/types"
)

type AvailabilityHandler struct {
	availability *availability.Service
}

func NewAvailabilityHandler(svc *availability.Service) *AvailabilityHandler {
	return &AvailabilityHandler{availability: svc}
}

type availabilityReq struct {
	Online     *bool    `json:"online" binding:"required"`
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	Categories []string `json:"categories"`
}

func (h *AvailabilityHandler) Update(c *gin.Context) {
	var req availabilityReq
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	driverID := types.ID(middleware.CallerUID(c))
	var err error
	if *req.Online {
		err = h.availability.SetOnline(ctx, driverID, types.Point{Lat: req.Lat, Lng: req.Lng}, req.Categories)
	} else {
		err = h.availability.SetOffline(ctx, driverID)
	}
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"driver_id": driverID, "online": *req.Online})
}
