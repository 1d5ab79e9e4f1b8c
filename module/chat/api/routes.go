package api

import (
	"deskchat/logger"
	"deskchat/middleware"
	midsec "deskchat/middleware/security"
	"deskchat/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const Prefix = "/api/chat"

// Register mounts the chat routes; all of them require a bearer token.
func (s *Server) Register(r gin.IRouter, auth *midsec.Options) {
	g := r.Group(Prefix)
	opt := middleware.RouteOpt{IsAuth: true, Auth: auth}

	middleware.GET(g, "/rooms", wrap(s.ListRooms), opt)
	middleware.POST(g, "/rooms", wrap(s.CreateGroup), opt)
	middleware.POST(g, "/rooms/direct", wrap(s.GetOrCreateDirect), opt)
	middleware.GET(g, "/rooms/:roomId", wrap(s.GetRoom), opt)
	middleware.POST(g, "/rooms/:roomId/leave", wrap(s.Leave), opt)
	middleware.POST(g, "/rooms/:roomId/invite", wrap(s.Invite), opt)
	middleware.GET(g, "/rooms/:roomId/messages", wrap(s.PageMessages), opt)
	middleware.POST(g, "/rooms/:roomId/messages", wrap(s.SendMessage), opt)
	middleware.PUT(g, "/rooms/:roomId/read", wrap(s.MarkAsRead), opt)
	if s.Presence != nil {
		middleware.GET(g, "/presence", wrap(s.OnlineStatus), opt)
	}
}

// wrap 把返回 error 的 handler 转成统一的错误响应
func wrap(h func(*gin.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h(c)
		if err == nil {
			return
		}
		_ = c.Error(err)
		status := errs.HTTPStatus(err)
		ce, ok := errs.CodeOf(err)
		if !ok {
			ce = errs.ErrInternalServer
		}
		if status >= 500 {
			logger.Error("[HTTP] handler failed", zap.String("path", c.FullPath()), zap.Error(err))
		}
		body := gin.H{"code": ce.Code, "message": ce.Msg}
		if ce.Detail != "" && status < 500 {
			body["detail"] = ce.Detail
		}
		c.AbortWithStatusJSON(status, body)
	}
}
