package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	midsec "deskchat/middleware/security"
	"deskchat/module/chat/aifilter"
	"deskchat/module/chat/seq"
	"deskchat/module/chat/service"
	"deskchat/module/chat/store"
	"deskchat/module/member"
	"deskchat/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokens map[string]string

func (t tokens) Identity(token string) (string, error) {
	if id, ok := t[token]; ok {
		return id, nil
	}
	return "", errs.ErrTokenInvalid.WrapMsg("bad token")
}

type relayRecorder struct {
	mu      sync.Mutex
	frames  map[int64][][]byte
	evicted []string
}

func (r *relayRecorder) PublishEvict(_ context.Context, roomID int64, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, strconv.FormatInt(roomID, 10)+"/"+userID)
	return nil
}

func (r *relayRecorder) Publish(_ context.Context, roomID int64, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[int64][][]byte)
	}
	r.frames[roomID] = append(r.frames[roomID], frame)
	return nil
}

type env struct {
	srv   *httptest.Server
	gw    *Gateway
	eng   *service.Engine
	rooms *service.RoomDirectory
	relay *relayRecorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, Conf{ConnectTimeout: 2 * time.Second})
}

func newEnvWith(t *testing.T, conf Conf, opts ...service.Option) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	dir := member.NewMemory(
		member.Member{ID: "alice@corp.io", DisplayName: "Alice"},
		member.Member{ID: "bob@corp.io", DisplayName: "Bob"},
		member.Member{ID: "carol@corp.io", DisplayName: "Carol"},
	)
	eng := service.NewEngine(st, seq.NewStoreAllocator(st), dir, opts...)
	auth := midsec.DefaultOptions(tokens{"ta": "alice@corp.io", "tb": "bob@corp.io", "tc": "carol@corp.io"})
	gw := NewGateway(conf, eng, auth)
	relay := &relayRecorder{}
	gw.SetRelay(relay)
	eng.SetBroadcaster(gw)

	r := gin.New()
	r.GET("/ws", gw.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		gw.Close()
	})
	return &env{srv: srv, gw: gw, eng: eng, rooms: service.NewRoomDirectory(eng), relay: relay}
}

func (e *env) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(f))
}

func read(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readTypes reads n frames and keys them by type.
func readTypes(t *testing.T, conn *websocket.Conn, n int) map[string]Frame {
	t.Helper()
	out := make(map[string]Frame, n)
	for i := 0; i < n; i++ {
		f := read(t, conn)
		out[f.Type] = f
	}
	return out
}

func (e *env) connect(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, nil)
	send(t, conn, Frame{Type: FrameConnect, Token: token})
	f := read(t, conn)
	require.Equal(t, FrameConnected, f.Type, f.Message)
	return conn
}

func TestFramesBeforeConnectAreRejected(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, nil)

	send(t, conn, Frame{Type: FrameSubscribe, RoomID: 1})
	f := read(t, conn)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, errs.TokenMissingError, f.Code)

	send(t, conn, Frame{Type: FramePing})
	assert.Equal(t, FrameError, read(t, conn).Type)
	assert.Equal(t, 0, len(e.gw.hub.Subscribers(1)))
}

func TestConnectWithBadTokenClosesConnection(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, nil)

	send(t, conn, Frame{Type: FrameConnect, Token: "nope"})
	f := read(t, conn)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, errs.TokenInvalidError, f.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestConnectUsesUpgradeHeader(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, http.Header{"Authorization": []string{"Bearer tb"}})

	send(t, conn, Frame{Type: "connect"})
	f := read(t, conn)
	assert.Equal(t, FrameConnected, f.Type)
	assert.Equal(t, "bob@corp.io", f.UserID)

	send(t, conn, Frame{Type: FramePing})
	assert.Equal(t, FramePong, read(t, conn).Type)
}

func TestSubscribeRequiresActiveParticipant(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	room, err := e.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)

	carol := e.connect(t, "tc")
	send(t, carol, Frame{Type: FrameSubscribe, RoomID: room.ID})
	f := read(t, carol)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, errs.NoPermissionError, f.Code)
	assert.Empty(t, e.gw.hub.Subscribers(room.ID))
}

func TestSendFansOutToSubscribers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	room, err := e.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)

	alice := e.connect(t, "ta")
	bob := e.connect(t, "tb")
	for _, c := range []*websocket.Conn{alice, bob} {
		send(t, c, Frame{Type: FrameSubscribe, RoomID: room.ID})
		f := read(t, c)
		require.Equal(t, FrameSubscribed, f.Type)
		assert.Equal(t, room.ID, f.RoomID)
	}

	payload, _ := json.Marshal(service.SendRequest{Content: "hello over ws"})
	send(t, alice, Frame{Type: FrameSend, RoomID: room.ID, Ref: "r-1", Payload: payload})

	// 发送方另收一个 SENT 回执，与 MESSAGE 先后不定
	got := readTypes(t, alice, 2)
	receipt, ok := got[FrameSent]
	require.True(t, ok)
	assert.Equal(t, "r-1", receipt.Ref)
	assert.Contains(t, got, FrameMessage)
	got[FrameMessage+"/bob"] = read(t, bob)
	for _, key := range []string{FrameSent, FrameMessage, FrameMessage + "/bob"} {
		f := got[key]
		assert.Equal(t, room.ID, f.RoomID)
		var mv service.MessageView
		require.NoError(t, json.Unmarshal(f.Payload, &mv))
		assert.Equal(t, int64(1), mv.MessageSeq)
		assert.Equal(t, "hello over ws", mv.Content)
		assert.Equal(t, "Alice", mv.SenderNickname)
	}
	assert.Equal(t, FrameMessage, got[FrameMessage+"/bob"].Type)

	// REST 发送同样推送
	_, err = e.eng.SendMessage(ctx, room.ID, "bob@corp.io", service.SendRequest{Content: "via rest"})
	require.NoError(t, err)
	for _, c := range []*websocket.Conn{alice, bob} {
		assert.Equal(t, FrameMessage, read(t, c).Type)
	}

	e.relay.mu.Lock()
	assert.Len(t, e.relay.frames[room.ID], 2)
	e.relay.mu.Unlock()

	send(t, bob, Frame{Type: FrameUnsubscribe, RoomID: room.ID})
	assert.Equal(t, FrameUnsubscribed, read(t, bob).Type)
	assert.Len(t, e.gw.hub.Subscribers(room.ID), 1)
}

func TestSendErrorsComeBackAsFrames(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	room, err := e.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)
	carol := e.connect(t, "tc")

	payload, _ := json.Marshal(service.SendRequest{Content: "let me in"})
	send(t, carol, Frame{Type: FrameSend, RoomID: room.ID, Ref: "c-1", Payload: payload})
	f := read(t, carol)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, errs.NoPermissionError, f.Code)
	assert.Equal(t, "c-1", f.Ref)

	send(t, carol, Frame{Type: FrameSend, RoomID: room.ID})
	assert.Equal(t, errs.ArgsError, read(t, carol).Code)

	send(t, carol, Frame{Type: "SHOUT"})
	assert.Equal(t, errs.ArgsError, read(t, carol).Code)

	require.NoError(t, carol.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, errs.ArgsError, read(t, carol).Code)
}

func TestHubRemoveDropsSubscriptions(t *testing.T) {
	h := NewHub()
	c := NewClient("c1", nil, 1)
	h.Add(c)
	h.Subscribe(c, 1)
	h.Subscribe(c, 2)
	assert.Len(t, h.Subscribers(2), 1)

	h.Remove(c)
	assert.Empty(t, h.Subscribers(1))
	assert.Empty(t, h.Subscribers(2))
	assert.Equal(t, 0, h.Len())

	// 未登记的连接不能订阅
	h.Subscribe(c, 3)
	assert.Empty(t, h.Subscribers(3))
}

func TestClientEnqueueAfterStop(t *testing.T) {
	c := NewClient("c1", nil, 1)
	assert.True(t, c.Enqueue([]byte("a")))
	assert.False(t, c.Enqueue([]byte("b")))
	c.stop()
	<-c.Send
	assert.False(t, c.Enqueue([]byte("c")))
}

type presenceRecorder struct {
	mu     sync.Mutex
	online map[string]int
}

func (p *presenceRecorder) Online(_ context.Context, user, connID, nodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online == nil {
		p.online = make(map[string]int)
	}
	p.online[user+"/"+connID] = 1
	return nil
}

func (p *presenceRecorder) Offline(_ context.Context, user, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, user+"/"+connID)
	return nil
}

func (p *presenceRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}

func TestPresenceFollowsConnection(t *testing.T) {
	e := newEnv(t)
	pr := &presenceRecorder{}
	e.gw.SetPresence(pr)

	conn := e.connect(t, "ta")
	assert.Equal(t, 1, pr.count())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()
	assert.Eventually(t, func() bool { return pr.count() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestSlowFilterDoesNotStallConnection(t *testing.T) {
	release := make(chan struct{})
	ai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(1500 * time.Millisecond):
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{\"filteredMessage\":\"Please check the VPN.\",\"shouldCreateTicket\":false}"}}`))
	}))
	t.Cleanup(ai.Close)
	t.Cleanup(func() { close(release) })

	filter := aifilter.New(aifilter.Config{Enabled: true, BaseURL: ai.URL, Timeout: 5 * time.Second})
	e := newEnvWith(t, Conf{ConnectTimeout: 2 * time.Second, PongWait: 600 * time.Millisecond}, service.WithFilter(filter))
	ctx := context.Background()
	room, err := e.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)

	alice := e.connect(t, "ta")
	send(t, alice, Frame{Type: FrameSubscribe, RoomID: room.ID})
	require.Equal(t, FrameSubscribed, read(t, alice).Type)

	payload, _ := json.Marshal(service.SendRequest{Content: "the damn VPN is down", AiEnabled: true})
	send(t, alice, Frame{Type: FrameSend, RoomID: room.ID, Ref: "s-1", Payload: payload})

	// AI 还没回来，读循环照常应答
	send(t, alice, Frame{Type: FramePing})
	assert.Equal(t, FramePong, read(t, alice).Type)

	// 读等待期间客户端自动回 pong，连接撑过多个 PongWait
	got := readTypes(t, alice, 2)
	require.Contains(t, got, FrameSent)
	require.Contains(t, got, FrameMessage)
	assert.Equal(t, "s-1", got[FrameSent].Ref)
	var mv service.MessageView
	require.NoError(t, json.Unmarshal(got[FrameSent].Payload, &mv))
	assert.Equal(t, "Please check the VPN.", mv.Content)

	send(t, alice, Frame{Type: FramePing})
	assert.Equal(t, FramePong, read(t, alice).Type)
}

func TestPendingSendsAreBounded(t *testing.T) {
	release := make(chan struct{})
	ai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(ai.Close)
	t.Cleanup(func() { close(release) })

	filter := aifilter.New(aifilter.Config{Enabled: true, BaseURL: ai.URL, Timeout: 5 * time.Second})
	e := newEnvWith(t, Conf{ConnectTimeout: 2 * time.Second, PendingSends: 1}, service.WithFilter(filter))
	room, err := e.rooms.GetOrCreateDirectRoom(context.Background(), "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)
	alice := e.connect(t, "ta")

	// 一条在 AI 调用里卡住，一条排队，三条里至少有一条被拒
	payload, _ := json.Marshal(service.SendRequest{Content: "hi", AiEnabled: true})
	for _, ref := range []string{"1", "2", "3"} {
		send(t, alice, Frame{Type: FrameSend, RoomID: room.ID, Ref: ref, Payload: payload})
	}
	busy := read(t, alice)
	assert.Equal(t, FrameError, busy.Type)
	assert.Equal(t, errs.BusyError, busy.Code)
	assert.Contains(t, []string{"2", "3"}, busy.Ref)
}

func TestLeaveDropsLiveSubscription(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	room, err := e.rooms.CreateGroupRoom(ctx, "team", "alice@corp.io", []string{"bob@corp.io"})
	require.NoError(t, err)

	alice := e.connect(t, "ta")
	bob := e.connect(t, "tb")
	for _, c := range []*websocket.Conn{alice, bob} {
		send(t, c, Frame{Type: FrameSubscribe, RoomID: room.ID})
		require.Equal(t, FrameSubscribed, read(t, c).Type)
	}

	require.NoError(t, e.rooms.LeaveRoom(ctx, room.ID, "bob@corp.io"))
	f := read(t, bob)
	assert.Equal(t, FrameUnsubscribed, f.Type)
	assert.Equal(t, room.ID, f.RoomID)
	assert.Equal(t, FrameMessage, read(t, alice).Type) // "Bob left the room."

	_, err = e.eng.SendMessage(ctx, room.ID, "alice@corp.io", service.SendRequest{Content: "after bob left"})
	require.NoError(t, err)
	assert.Equal(t, FrameMessage, read(t, alice).Type)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "left member must not receive room frames")

	e.relay.mu.Lock()
	assert.Equal(t, []string{strconv.FormatInt(room.ID, 10) + "/bob@corp.io"}, e.relay.evicted)
	e.relay.mu.Unlock()
}
