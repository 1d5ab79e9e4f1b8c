package natsx

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"deskchat/logger"
	"deskchat/service/metrics"

	"github.com/nats-io/nats.go"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	HeaderNodeID    = "X-Node-Id"
	HeaderMsgID     = "Nats-Msg-Id"
	HeaderEvictUser = "X-Evict-User" // 订阅剔除指令，不是房间消息

	DefaultSubjectPrefix = "chat.room"
)

// Bus is the slice of *nats.Conn the relay uses.
type Bus interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// DeliverFunc hands a relayed frame to the local gateway.
type DeliverFunc func(roomID int64, frame []byte)

// EvictFunc drops a user's local subscriptions to a room.
type EvictFunc func(roomID int64, userID string)

// RoomRelay mirrors room frames between gateway nodes over
// <prefix>.<roomId>. Frames published by this node are ignored on the way back.
type RoomRelay struct {
	bus     Bus
	nodeID  string
	prefix  string
	deliver DeliverFunc
	evict   EvictFunc
	mws     []NatsxMiddleware
	seq     atomic.Uint64
	track   func(*nats.Subscription)
}

func NewRoomRelay(bus Bus, nodeID, prefix string, deliver DeliverFunc, mws ...NatsxMiddleware) *RoomRelay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &RoomRelay{bus: bus, nodeID: nodeID, prefix: prefix, deliver: deliver, mws: mws}
}

// NewClientRelay wires a relay onto a connected client so Close drains its subscription.
func NewClientRelay(c *NatsxClient, nodeID, prefix string, deliver DeliverFunc, mws ...NatsxMiddleware) *RoomRelay {
	r := NewRoomRelay(c.Conn(), nodeID, prefix, deliver, mws...)
	r.track = c.track
	return r
}

// OnEvict sets the handler for evictions published by other nodes.
func (r *RoomRelay) OnEvict(fn EvictFunc) { r.evict = fn }

func (r *RoomRelay) subject(roomID int64) string {
	return r.prefix + "." + strconv.FormatInt(roomID, 10)
}

// Publish sends an encoded room frame to the other nodes.
func (r *RoomRelay) Publish(_ context.Context, roomID int64, frame []byte) error {
	return r.publish(roomID, frame, "")
}

// PublishEvict asks the other nodes to drop userID's subscriptions to roomID.
func (r *RoomRelay) PublishEvict(_ context.Context, roomID int64, userID string) error {
	return r.publish(roomID, nil, userID)
}

func (r *RoomRelay) publish(roomID int64, frame []byte, evictUser string) error {
	msg := nats.NewMsg(r.subject(roomID))
	msg.Data = frame
	msg.Header.Set(HeaderNodeID, r.nodeID)
	if evictUser != "" {
		msg.Header.Set(HeaderEvictUser, evictUser)
	}
	msg.Header.Set(HeaderMsgID, r.nodeID+"-"+strconv.FormatUint(r.seq.Add(1), 10))
	if err := r.bus.PublishMsg(msg); err != nil {
		metrics.RelayTotal.WithLabelValues("out", "error").Inc()
		return pkgerrors.Wrap(err, "relay publish")
	}
	metrics.RelayTotal.WithLabelValues("out", "ok").Inc()
	return nil
}

// Start subscribes to every room subject.
func (r *RoomRelay) Start() error {
	h := NatsxChain(r.handle, r.mws...)
	sub, err := r.bus.Subscribe(r.prefix+".*", func(m *nats.Msg) {
		_ = h(context.Background(), NatsxMessage{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		})
	})
	if err != nil {
		return pkgerrors.Wrap(err, "relay subscribe")
	}
	if r.track != nil {
		r.track(sub)
	}
	logger.Info("[NATS] room relay started", zap.String("subject", r.prefix+".*"), zap.String("nodeId", r.nodeID))
	return nil
}

func (r *RoomRelay) handle(_ context.Context, msg NatsxMessage) error {
	if msg.Header[HeaderNodeID] == r.nodeID {
		return nil
	}
	roomID, err := strconv.ParseInt(strings.TrimPrefix(msg.Subject, r.prefix+"."), 10, 64)
	if err != nil {
		metrics.RelayTotal.WithLabelValues("in", "bad_subject").Inc()
		logger.Warn("[NATS] relay frame with bad subject", zap.String("subject", msg.Subject))
		return nil
	}
	if user := msg.Header[HeaderEvictUser]; user != "" {
		if r.evict != nil {
			r.evict(roomID, user)
		}
		metrics.RelayTotal.WithLabelValues("in", "evict").Inc()
		return nil
	}
	r.deliver(roomID, msg.Data)
	metrics.RelayTotal.WithLabelValues("in", "ok").Inc()
	return nil
}

func headerToMap(h nats.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
