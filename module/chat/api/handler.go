package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	midsec "deskchat/middleware/security"
	"deskchat/module/chat/service"
	"deskchat/tools/errs"

	"github.com/gin-gonic/gin"
)

// PresenceReader answers whether users hold a live gateway connection.
type PresenceReader interface {
	IsOnline(ctx context.Context, users []string) (map[string]bool, error)
}

// Server exposes the chat engine and room directory over REST.
type Server struct {
	Engine   *service.Engine
	Rooms    *service.RoomDirectory
	Presence PresenceReader // 可为空
}

const maxPresenceQuery = 100

type createGroupReq struct {
	Name    string   `json:"name"`
	UserIDs []string `json:"userIds"`
}

type directReq struct {
	TargetUserID string `json:"targetUserId"`
}

type inviteReq struct {
	UserIDs []string `json:"userIds"`
}

type readReq struct {
	MessageSeq *int64 `json:"messageSeq"`
}

var success = gin.H{"result": "SUCCESS"}

// ListRooms 当前用户参与中的房间，按最近消息倒序
func (s *Server) ListRooms(c *gin.Context) error {
	rooms, err := s.Rooms.GetActiveRoomsForUser(c.Request.Context(), midsec.Identity(c))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, rooms)
	return nil
}

func (s *Server) GetRoom(c *gin.Context) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	room, err := s.Rooms.GetRoom(c.Request.Context(), roomID, midsec.Identity(c))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, room)
	return nil
}

func (s *Server) CreateGroup(c *gin.Context) error {
	var req createGroupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return errs.ErrArgs.WrapMsg("invalid body", "err", err.Error())
	}
	room, err := s.Rooms.CreateGroupRoom(c.Request.Context(), req.Name, midsec.Identity(c), req.UserIDs)
	if err != nil {
		return err
	}
	c.JSON(http.StatusCreated, room)
	return nil
}

func (s *Server) GetOrCreateDirect(c *gin.Context) error {
	var req directReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return errs.ErrArgs.WrapMsg("invalid body", "err", err.Error())
	}
	room, err := s.Rooms.GetOrCreateDirectRoom(c.Request.Context(), midsec.Identity(c), req.TargetUserID)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, room)
	return nil
}

func (s *Server) Leave(c *gin.Context) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	if err := s.Rooms.LeaveRoom(c.Request.Context(), roomID, midsec.Identity(c)); err != nil {
		return err
	}
	c.JSON(http.StatusOK, success)
	return nil
}

func (s *Server) Invite(c *gin.Context) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	var req inviteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return errs.ErrArgs.WrapMsg("invalid body", "err", err.Error())
	}
	if err := s.Rooms.InviteUsers(c.Request.Context(), roomID, midsec.Identity(c), req.UserIDs); err != nil {
		return err
	}
	c.JSON(http.StatusOK, success)
	return nil
}

// PageMessages ?page=1&size=20，最新的在前
func (s *Server) PageMessages(c *gin.Context) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	var req service.PageRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		return errs.ErrArgs.WrapMsg("invalid paging", "err", err.Error())
	}
	page, err := s.Engine.PageMessages(c.Request.Context(), roomID, midsec.Identity(c), req)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, page)
	return nil
}

func (s *Server) SendMessage(c *gin.Context) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	var req service.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return errs.ErrArgs.WrapMsg("invalid body", "err", err.Error())
	}
	msg, err := s.Engine.SendMessage(c.Request.Context(), roomID, midsec.Identity(c), req)
	if err != nil {
		return err
	}
	c.JSON(http.StatusCreated, msg)
	return nil
}

func (s *Server) MarkAsRead(c *gin.Context) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	var req readReq
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageSeq == nil {
		return errs.ErrArgs.WrapMsg("messageSeq is required")
	}
	if _, err := s.Engine.MarkAsRead(c.Request.Context(), roomID, midsec.Identity(c), *req.MessageSeq); err != nil {
		return err
	}
	c.JSON(http.StatusOK, success)
	return nil
}

// OnlineStatus ?userIds=a,b 返回在线状态
func (s *Server) OnlineStatus(c *gin.Context) error {
	var users []string
	for _, u := range strings.Split(c.Query("userIds"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	if len(users) == 0 || len(users) > maxPresenceQuery {
		return errs.ErrArgs.WrapMsg("userIds must list 1..100 ids")
	}
	online, err := s.Presence.IsOnline(c.Request.Context(), users)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"online": online})
	return nil
}

func roomParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("roomId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.ErrArgs.WrapMsg("invalid roomId", "roomId", c.Param("roomId"))
	}
	return id, nil
}
