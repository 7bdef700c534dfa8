package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/knowdeck/knowdeck-backend/internal/handlers"
	"github.com/knowdeck/knowdeck-backend/internal/middleware"
)

type RouterConfig struct {
	CardHandler    *handlers.CardHandler
	AuthMiddleware *middleware.AuthMiddleware
	AllowOrigins   []string
	ServiceName    string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(otelgin.Middleware(cfg.ServiceName))

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	api.Use(cfg.AuthMiddleware.RequireAuth())
	{
		api.GET("/cards", cfg.CardHandler.ListCards)
		api.GET("/cards/count", cfg.CardHandler.CountCards)
		api.POST("/cards", cfg.CardHandler.CreateCard)
		api.POST("/cards/ingest", cfg.CardHandler.IngestCards)
		api.GET("/cards/:id", cfg.CardHandler.GetCard)
		api.PUT("/cards/:id", cfg.CardHandler.UpdateCard)
		api.DELETE("/cards/:id", cfg.CardHandler.DeleteCard)
		api.PATCH("/cards/:id/review", cfg.CardHandler.ReviewCard)
		api.PATCH("/cards/:id/rate", cfg.CardHandler.RateCard)
		api.POST("/cards/:id/regenerate", cfg.CardHandler.RegenerateCard)
		api.DELETE("/cards/:id/regenerate", cfg.CardHandler.CancelRegeneration)
	}

	return router
}
