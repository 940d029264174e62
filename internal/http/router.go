// README: HTTP router registration.
package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"towhub/internal/http/handlers"
	"towhub/internal/http/middleware"
	"towhub/internal/infra"
	"towhub/internal/modules/availability"
	"towhub/internal/modules/request"
)

type RouterDeps struct {
	Requests     *request.Service
	Availability *availability.Service
	Verifier     infra.TokenVerifier
	Retry        handlers.RetryPolicy
	Logger       zerolog.Logger
	Env          string
}

func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Logging(deps.Logger), middleware.Recovery(deps.Logger))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		ExposeHeaders:   []string{"Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	requestHandler := handlers.NewRequestHandler(deps.Requests, deps.Retry)
	quoteHandler := handlers.NewQuoteHandler(deps.Requests, deps.Retry)
	adminHandler := handlers.NewAdminHandler(requestHandler)

	client := middleware.RequireRole(middleware.RoleClient)
	driver := middleware.RequireRole(middleware.RoleDriver)

	api := router.Group("/api")
	api.Use(middleware.Auth(deps.Verifier))
	{
		api.POST("/requests", client, requestHandler.Create)
		api.GET("/requests/:id", requestHandler.Get)
		api.GET("/requests/:id/quotes", quoteHandler.ListActive)
		api.POST("/requests/:id/quotes", driver, quoteHandler.Submit)
		api.POST("/quotes/:id/withdraw", driver, quoteHandler.Withdraw)
		api.POST("/requests/:id/accept", client, requestHandler.Accept)
		api.POST("/requests/:id/status", driver, requestHandler.Advance)
		api.POST("/requests/:id/cancel", middleware.RequireRole(middleware.RoleClient, middleware.RoleDriver), requestHandler.Cancel)
		api.POST("/requests/:id/rating", client, requestHandler.Rate)

		if deps.Availability != nil {
			availabilityHandler := handlers.NewAvailabilityHandler(deps.Availability)
			api.PUT("/drivers/me/availability", driver, availabilityHandler.Update)
		}
	}

	admin := api.Group("/admin")
	admin.Use(middleware.RequireRole(middleware.RoleAdmin))
	{
		admin.POST("/requests/:id/cancel", adminHandler.Cancel)
		admin.POST("/requests/:id/settle", adminHandler.Settle)
		admin.GET("/requests/:id/events", adminHandler.Events)
	}

	return router
}
