package router

import (
	"net/http"

	"github.com/wb-go/wbf/ginext"

	"pushgate/internal/api/handlers/notification"
	"pushgate/internal/metrics"
)

func New(handler *notification.Handler, m *metrics.Metrics) *ginext.Engine {
	e := ginext.New()
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	e.POST("/notify", handler.Notify)
	e.POST("/notify-delayed", handler.NotifyDelayed)
	e.POST("/notify-at", handler.NotifyAt)
	e.POST("/schedule-notification", handler.Schedule)
	e.GET("/schedule-notification", handler.ListScheduled)
	e.GET("/schedule-notification/:id", handler.GetScheduled)

	e.GET("/health", func(c *ginext.Context) {
		c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", m.Handler())

	return e
}
