// Package httpapi exposes the realtime service over HTTP: the WebSocket
// upgrade endpoint, health and stats, presence queries and the push
// endpoints collaborators call after a durable write.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EthanQC/pulse/pkg/zlog"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/in"
)

// Deps 路由依赖，除 Delivery 与 Query 外都可为空
type Deps struct {
	Delivery       in.DeliveryUseCase
	Query          in.PresenceQuery
	WS             http.HandlerFunc
	UpgradeLimiter *UpgradeLimiter
	Gatherer       prometheus.Gatherer
	Client         *ClientSettings
}

// NewRouter 注册所有路由
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(zlog.GinLogger("/health", "/metrics"), gin.Recovery())

	h := &handler{delivery: d.Delivery, query: d.Query}

	if d.WS != nil {
		handlers := []gin.HandlerFunc{gin.WrapF(d.WS)}
		if d.UpgradeLimiter != nil {
			handlers = append([]gin.HandlerFunc{d.UpgradeLimiter.Middleware()}, handlers...)
		}
		r.GET("/ws", handlers...)
	}
	r.GET("/health", h.health)
	r.GET("/stats", h.stats)
	r.GET("/presence", h.presence)
	if d.Client != nil {
		client := *d.Client
		r.GET("/client-config", func(c *gin.Context) { c.JSON(http.StatusOK, client) })
	}

	deliver := r.Group("/internal/deliver")
	{
		deliver.POST("/message", h.deliverMessage)
		deliver.POST("/notification", h.deliverNotification)
	}

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	level := gin.WrapF(zlog.LevelHTTPHandler())
	r.GET("/log/level", level)
	r.PUT("/log/level", level)

	return r
}
