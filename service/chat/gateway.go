package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"deskchat/logger"
	midsec "deskchat/middleware/security"
	"deskchat/module/chat/service"
	"deskchat/service/metrics"
	"deskchat/tools/errs"
	"deskchat/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ===== 配置 =====

type Conf struct {
	WriteWait      time.Duration // 单次写超时
	PongWait       time.Duration // 读超时（收到 pong 续期）
	PingPeriod     time.Duration // 服务端 ping 周期
	ConnectTimeout time.Duration // 未 CONNECT 的连接多久后踢掉
	MaxMessageSize int64
	SendQueue      int
	PendingSends   int // 每个连接排队中的 SEND 上限
	FanoutWorkers  int
	FanoutQueue    int
	NodeID         string
}

func (c *Conf) norm() {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait / 2
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20 // 1MB
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.PendingSends <= 0 {
		c.PendingSends = 16
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
}

// PresenceTracker records which users hold a live connection on which node.
type PresenceTracker interface {
	Online(ctx context.Context, user, connID, nodeID string) error
	Offline(ctx context.Context, user, connID string) error
}

// Relay carries room frames and evictions to other gateway nodes.
type Relay interface {
	Publish(ctx context.Context, roomID int64, frame []byte) error
	PublishEvict(ctx context.Context, roomID int64, userID string) error
}

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }}

// Gateway serves /ws and implements service.Broadcaster for the local node.
type Gateway struct {
	conf     Conf
	engine   *service.Engine
	auth     *midsec.Options
	hub      *Hub
	fanout   *Fanout
	relay    Relay
	presence PresenceTracker
}

func NewGateway(conf Conf, engine *service.Engine, auth *midsec.Options) *Gateway {
	conf.norm()
	return &Gateway{
		conf:   conf,
		engine: engine,
		auth:   auth,
		hub:    NewHub(),
		fanout: NewFanout(conf.FanoutWorkers, conf.FanoutQueue),
	}
}

// SetRelay enables cross-node delivery.
func (g *Gateway) SetRelay(r Relay) { g.relay = r }

func (g *Gateway) SetPresence(p PresenceTracker) { g.presence = p }

func (g *Gateway) NodeID() string { return g.conf.NodeID }

func (g *Gateway) Close() { g.fanout.Close() }

// Publish delivers a persisted message to local subscribers and, when a
// relay is set, to other nodes.
func (g *Gateway) Publish(ctx context.Context, roomID int64, msg *service.MessageView) error {
	frame, err := BuildMessageFrame(roomID, msg)
	if err != nil {
		return err
	}
	g.DeliverLocal(roomID, frame)
	if g.relay == nil {
		return nil
	}
	return g.relay.Publish(ctx, roomID, frame)
}

// Evict drops every subscription userID holds on roomID, here and on other nodes.
func (g *Gateway) Evict(ctx context.Context, roomID int64, userID string) error {
	g.EvictLocal(roomID, userID)
	if g.relay == nil {
		return nil
	}
	return g.relay.PublishEvict(ctx, roomID, userID)
}

// EvictLocal unsubscribes userID's connections on this node and tells them so.
func (g *Gateway) EvictLocal(roomID int64, userID string) {
	conns := g.hub.EvictUser(roomID, userID)
	for _, cl := range conns {
		cl.Enqueue(encode(&Frame{Type: FrameUnsubscribed, RoomID: roomID}))
	}
	if len(conns) > 0 {
		logger.Info("[WS] subscriptions evicted", zap.Int64("roomId", roomID), zap.String("userId", userID), zap.Int("conns", len(conns)))
	}
}

// DeliverLocal pushes an encoded frame to this node's subscribers of roomID.
func (g *Gateway) DeliverLocal(roomID int64, frame []byte) {
	g.fanout.Broadcast(g.hub.Subscribers(roomID), frame)
}

// HandleWS upgrades the request and runs the frame loop until the peer goes away.
func (g *Gateway) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Info("[WS] upgrade failed", zap.Error(err))
		return
	}
	headerToken := midsec.TokenFrom(c.Request, g.auth)

	cl := NewClient(uuid.NewString(), ws, g.conf.SendQueue)
	cl.pending = make(chan sendJob, g.conf.PendingSends)
	g.hub.Add(cl)
	metrics.WsConnections.Inc()

	writerDone := make(chan struct{})
	safe.SafeGo("ws-writer", func() {
		defer close(writerDone)
		g.writeLoop(cl)
	})
	// 已收下的 SEND 在断线后也要落库，所以不跟随请求取消
	sendCtx := context.WithoutCancel(c.Request.Context())
	safe.SafeGo("ws-sender", func() { g.sendLoop(sendCtx, cl) })

	g.readLoop(c.Request.Context(), cl, headerToken)

	// ---- 退出阶段：摘除订阅、等待写协程收尾 ----
	close(cl.pending)
	g.hub.Remove(cl)
	if cl.UserID != "" {
		g.markOffline(cl)
	}
	cl.stop()
	<-writerDone
	_ = ws.Close()
	metrics.WsConnections.Dec()
	logger.Info("[WS] connection closed", zap.String("connId", cl.ConnID), zap.String("userId", cl.UserID))
}

func (g *Gateway) readLoop(ctx context.Context, cl *Client, headerToken string) {
	ws := cl.WS
	ws.SetReadLimit(g.conf.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(g.conf.PongWait))
	ws.SetPongHandler(func(string) error {
		if cl.UserID != "" {
			g.markOnline(cl)
		}
		return ws.SetReadDeadline(time.Now().Add(g.conf.PongWait))
	})

	// 未授权连接超时踢掉
	kick := time.AfterFunc(g.conf.ConnectTimeout, func() {
		logger.Info("[WS] no CONNECT in time, closing", zap.String("connId", cl.ConnID))
		_ = ws.Close()
	})
	defer kick.Stop()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			logReadErr(cl, err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		// 有业务帧也算活跃
		_ = ws.SetReadDeadline(time.Now().Add(g.conf.PongWait))

		f, err := ParseFrame(data)
		if err != nil {
			cl.Enqueue(errorFrame(err))
			continue
		}

		if cl.UserID == "" {
			if f.Type != FrameConnect {
				cl.Enqueue(errorFrame(errs.ErrTokenMissing.WrapMsg("CONNECT first")))
				continue
			}
			if !g.connect(cl, f, headerToken) {
				return
			}
			kick.Stop()
			continue
		}

		g.dispatch(ctx, cl, f)
	}
}

func (g *Gateway) connect(cl *Client, f *Frame, headerToken string) bool {
	token := f.Token
	if token == "" {
		token = headerToken
	}
	if token == "" {
		cl.Enqueue(errorFrame(errs.ErrTokenMissing.WrapMsg("bearer token required")))
		return false
	}
	identity, err := g.auth.Resolver.Identity(token)
	if err != nil {
		logger.Info("[WS] CONNECT rejected", zap.String("connId", cl.ConnID), zap.Error(err))
		cl.Enqueue(errorFrame(err))
		return false
	}
	cl.UserID = identity
	g.markOnline(cl)
	cl.Enqueue(encode(&Frame{Type: FrameConnected, UserID: identity}))
	logger.Info("[WS] connected", zap.String("connId", cl.ConnID), zap.String("userId", identity))
	return true
}

func (g *Gateway) dispatch(ctx context.Context, cl *Client, f *Frame) {
	switch f.Type {
	case FramePing:
		cl.Enqueue(encode(&Frame{Type: FramePong}))

	case FrameConnect:
		cl.Enqueue(encode(&Frame{Type: FrameConnected, UserID: cl.UserID}))

	case FrameSubscribe:
		if _, err := g.engine.RequireActive(ctx, f.RoomID, cl.UserID); err != nil {
			cl.Enqueue(errorFrame(err))
			return
		}
		g.hub.Subscribe(cl, f.RoomID)
		cl.Enqueue(encode(&Frame{Type: FrameSubscribed, RoomID: f.RoomID}))

	case FrameUnsubscribe:
		g.hub.Unsubscribe(cl, f.RoomID)
		cl.Enqueue(encode(&Frame{Type: FrameUnsubscribed, RoomID: f.RoomID}))

	case FrameSend:
		job := sendJob{roomID: f.RoomID, ref: f.Ref}
		if len(f.Payload) == 0 {
			cl.Enqueue(errorFrame(errs.ErrArgs.WrapMsg("payload is required"), f.Ref))
			return
		}
		if err := json.Unmarshal(f.Payload, &job.req); err != nil {
			cl.Enqueue(errorFrame(errs.ErrArgs.WrapMsg("invalid payload", "err", err.Error()), f.Ref))
			return
		}
		select {
		case cl.pending <- job:
		default:
			cl.Enqueue(errorFrame(errs.ErrBusy.WrapMsg("too many pending sends", "roomId", f.RoomID), f.Ref))
		}

	default:
		cl.Enqueue(errorFrame(errs.ErrArgs.WrapMsg("unknown frame type", "type", f.Type)))
	}
}

// sendLoop 按到达顺序处理一个连接的 SEND。AI 过滤可能很慢，放在读协程外，
// 读循环照常续期、回 PONG。
func (g *Gateway) sendLoop(ctx context.Context, cl *Client) {
	for job := range cl.pending {
		view, err := g.engine.SendMessage(ctx, job.roomID, cl.UserID, job.req)
		if err != nil {
			logger.Info("[WS] send rejected", zap.String("userId", cl.UserID), zap.Int64("roomId", job.roomID), zap.Error(err))
			cl.Enqueue(errorFrame(err, job.ref))
			continue
		}
		frame, err := buildFrame(FrameSent, job.roomID, job.ref, view)
		if err != nil {
			logger.Error("[WS] encode receipt failed", zap.Int64("roomId", job.roomID), zap.Error(err))
			continue
		}
		cl.Enqueue(frame)
	}
}

func (g *Gateway) writeLoop(cl *Client) {
	ticker := time.NewTicker(g.conf.PingPeriod)
	defer ticker.Stop()
	ws := cl.WS

	for {
		select {
		case payload := <-cl.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(g.conf.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Info("[WS] write failed", zap.String("connId", cl.ConnID), zap.Error(err))
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(g.conf.WriteWait)); err != nil {
				_ = ws.Close()
				return
			}
		case <-cl.done:
			g.flush(cl)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(g.conf.WriteWait))
			return
		}
	}
}

// flush writes whatever is still queued, e.g. the ERROR for a rejected CONNECT.
func (g *Gateway) flush(cl *Client) {
	for {
		select {
		case payload := <-cl.Send:
			_ = cl.WS.SetWriteDeadline(time.Now().Add(g.conf.WriteWait))
			if err := cl.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

const presenceTimeout = 2 * time.Second

func (g *Gateway) markOnline(cl *Client) {
	if g.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := g.presence.Online(ctx, cl.UserID, cl.ConnID, g.conf.NodeID); err != nil {
		logger.Warn("[WS] presence online failed", zap.String("userId", cl.UserID), zap.Error(err))
	}
}

func (g *Gateway) markOffline(cl *Client) {
	if g.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := g.presence.Offline(ctx, cl.UserID, cl.ConnID); err != nil {
		logger.Warn("[WS] presence offline failed", zap.String("userId", cl.UserID), zap.Error(err))
	}
}

func logReadErr(cl *Client, err error) {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		logger.Debug("[WS] peer closed", zap.String("connId", cl.ConnID), zap.Error(err))
	case errors.As(err, &ne) && ne.Timeout():
		logger.Info("[WS] read timeout", zap.String("connId", cl.ConnID), zap.Error(err))
	default:
		logger.Debug("[WS] read err", zap.String("connId", cl.ConnID), zap.Error(err))
	}
}
