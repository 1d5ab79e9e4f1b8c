package global

import (
	"net/http"

	mid "deskchat/middleware"
	"deskchat/module/chat/api"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 挂载 REST、/ws、/healthz、/metrics
func NewRouter(app *App) *gin.Engine {
	if app.Conf.Server.Mode != "" {
		gin.SetMode(app.Conf.Server.Mode)
	}
	r := gin.New()
	mid.NewManager().Defaults().Install(r)

	srv := &api.Server{Engine: app.Engine, Rooms: app.Rooms}
	if app.Presence != nil {
		srv.Presence = app.Presence
	}
	srv.Register(r, app.Auth)

	// 鉴权在 CONNECT 帧里完成
	mid.GET(r, "/ws", app.Gateway.HandleWS, mid.RouteOpt{IsAuth: false})
	mid.GET(r, "/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP", "nodeId": app.Gateway.NodeID()})
	}, mid.RouteOpt{IsAuth: false})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
