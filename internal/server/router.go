package server

import (
	"context"
	"net/http"
	"time"

	"securedrop/internal/auth"
	"securedrop/internal/config"
	"securedrop/internal/db"
	"securedrop/internal/metrics"
	"securedrop/internal/mw"
	"securedrop/internal/presence"
	"securedrop/internal/service"
	"securedrop/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, gdb *gorm.DB, hub *ws.Hub, tracker *presence.Tracker) *gin.Engine {
	opts := []service.Option{service.WithStoreTimeout(cfg.StoreTimeout), service.WithPublisher(hub)}
	chatSvc := service.NewChatService(gdb, tracker, opts...)
	h := NewHandler(
		service.NewUserService(gdb, cfg, opts...),
		chatSvc,
		service.NewMessageService(gdb, opts...),
	)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowOrigins))
	// 控制单个 IP+路由的速率。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := db.Ping(ctx, gdb); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/confirm-registration", h.ConfirmRegistration)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口，每次请求都会刷新在线状态。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, gdb, tracker))

	authed.GET("/users/me", h.Me)
	authed.PUT("/users/me", h.UpdateMe)
	authed.GET("/users", h.SearchUsers)

	authed.POST("/chats", h.CreateChat)
	authed.GET("/chats", h.ListChats)
	authed.DELETE("/chats/:id", h.DeleteChat)
	authed.POST("/chats/:id/messages", h.SendMessage)
	authed.GET("/chats/:id/messages", h.ListMessages)
	authed.DELETE("/chats/:id/messages/:mid", h.DeleteMessage)

	r.GET("/ws", ws.Serve(hub, gdb, chatSvc, tracker, cfg))
	return r
}
