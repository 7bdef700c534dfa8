package app

import (
	"github.com/gin-gonic/gin"

	"github.com/knowdeck/knowdeck-backend/internal/server"
)

func wireRouter(cfg Config, handlerset Handlers, mw Middleware) *gin.Engine {
	return server.NewRouter(server.RouterConfig{
		CardHandler:    handlerset.Card,
		AuthMiddleware: mw.Auth,
		AllowOrigins:   cfg.AllowOrigins,
		ServiceName:    cfg.ServiceName,
	})
}
