package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/chatrelay/chatrelay/internal/chat"
	"github.com/chatrelay/chatrelay/internal/common"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/httpapi/handlers"
	"github.com/chatrelay/chatrelay/internal/httpapi/middleware"
	"github.com/chatrelay/chatrelay/internal/stream"
)

func NewRouter(cfg config.Config, svc *chat.Service, table *stream.Table, limiter handlers.Limiter) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{cfg.FrontendURL},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
	}))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(cfg, svc, table, limiter)

	r.GET("/ping", h.Ping)

	r.POST("/chat", h.PostMessage)
	r.GET("/chat/:user_id", h.GetHistory)
	r.GET("/chat/:user_id/stream", h.Stream)

	return r
}
