package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"deskchat/logger"
	"deskchat/module/chat/model"
	"deskchat/module/chat/seq"
	"deskchat/module/chat/store"
	"deskchat/module/member"
	"deskchat/service/metrics"
	"deskchat/tools/errs"
	"deskchat/tools/ids"

	"go.uber.org/zap"
)

const defaultMaxAppendRetries = 3

// Engine owns the message path: permission check, AI filter, seq allocation,
// persistence, then fan-out. Appends for one room are serialized by a keyed lock.
type Engine struct {
	store   store.Store
	alloc   seq.Allocator
	locks   *seq.RoomLocks
	members member.Directory
	filter  Filter
	bc      Broadcaster
	events  EventPublisher
	idGen   *ids.Generator
	now     func() time.Time

	maxRetries int
}

type Option func(*Engine)

func WithFilter(f Filter) Option           { return func(e *Engine) { e.filter = f } }
func WithBroadcaster(b Broadcaster) Option { return func(e *Engine) { e.bc = b } }
func WithEvents(p EventPublisher) Option   { return func(e *Engine) { e.events = p } }
func WithIDGenerator(g *ids.Generator) Option {
	return func(e *Engine) { e.idGen = g }
}
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithMaxAppendRetries bounds retries after a (room, seq) conflict.
func WithMaxAppendRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

func NewEngine(st store.Store, alloc seq.Allocator, members member.Directory, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		alloc:      alloc,
		locks:      seq.NewRoomLocks(),
		members:    members,
		filter:     passthrough{},
		bc:         nopBroadcaster{},
		idGen:      ids.NewGenerator(1),
		now:        time.Now,
		maxRetries: defaultMaxAppendRetries,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetBroadcaster swaps the fan-out target. The websocket hub needs the engine
// before it exists, so main wires it after construction.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = nopBroadcaster{}
	}
	e.bc = b
}

func (e *Engine) Store() store.Store { return e.store }

// evict drops userID's live subscriptions to roomID when the broadcaster holds any.
func (e *Engine) evict(ctx context.Context, roomID int64, userID string) {
	ev, ok := e.bc.(Evictor)
	if !ok {
		return
	}
	if err := ev.Evict(ctx, roomID, userID); err != nil {
		logger.Warn("[Chat] evict subscriptions failed", zap.Int64("roomId", roomID), zap.String("userId", userID), zap.Error(err))
	}
}

// RequireActive returns the caller's ACTIVE row or PermissionError.
func (e *Engine) RequireActive(ctx context.Context, roomID int64, userID string) (*model.Participant, error) {
	p, err := e.store.GetParticipant(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, errs.ErrRecordNotFound) {
			return nil, errs.ErrNoPermission.WrapMsg("not a participant", "roomId", roomID, "userId", userID)
		}
		return nil, err
	}
	if !p.Active() {
		return nil, errs.ErrNoPermission.WrapMsg("participant is not active", "roomId", roomID, "userId", userID)
	}
	return p, nil
}

// SendMessage persists a client message and fans it out. TEXT goes through the
// AI filter when requested; the ticket flag rides on the returned view only.
func (e *Engine) SendMessage(ctx context.Context, roomID int64, senderID string, req SendRequest) (*MessageView, error) {
	mt, ok := model.ParseMessageType(req.MessageType)
	if !ok {
		return nil, errs.ErrArgs.WrapMsg("unknown messageType", "messageType", req.MessageType)
	}
	switch mt {
	case model.MessageSystem:
		return nil, errs.ErrArgs.WrapMsg("SYSTEM messages cannot be sent by clients")
	case model.MessageText:
		if strings.TrimSpace(req.Content) == "" {
			return nil, errs.ErrArgs.WrapMsg("content is required")
		}
	case model.MessageTicketPreview:
		if req.TicketID == nil {
			return nil, errs.ErrArgs.WrapMsg("ticketId is required for TICKET_PREVIEW")
		}
	}

	if _, err := e.RequireActive(ctx, roomID, senderID); err != nil {
		return nil, err
	}

	content, trigger := req.Content, false
	if mt == model.MessageText {
		// 过滤在加锁之前完成，锁内只做发号和落库
		res := e.filter.Filter(ctx, req.Content, req.AiEnabled)
		content, trigger = res.FilteredMessage, res.ShouldCreateTicket
	}

	msg, err := e.append(ctx, roomID, senderID, mt, content, req.TicketID)
	if err != nil {
		return nil, err
	}
	e.advanceOwnCursor(ctx, msg)

	view := messageView(msg, e.displayName(ctx, senderID), trigger)
	e.afterPersist(ctx, view)
	return view, nil
}

// CreateSystemMessage writes a SYSTEM message through the same seq path.
// An empty actorID stores the message under model.SystemSender.
func (e *Engine) CreateSystemMessage(ctx context.Context, roomID int64, content, actorID string) (*MessageView, error) {
	sender := actorID
	if sender == "" {
		sender = model.SystemSender
	}
	msg, err := e.append(ctx, roomID, sender, model.MessageSystem, content, nil)
	if err != nil {
		return nil, err
	}
	nickname := model.SystemSender
	if actorID != "" {
		e.advanceOwnCursor(ctx, msg)
		nickname = e.displayName(ctx, actorID)
	}
	view := messageView(msg, nickname, false)
	e.afterPersist(ctx, view)
	return view, nil
}

// MarkAsRead moves the caller's cursor to max(current, seq) and returns it.
func (e *Engine) MarkAsRead(ctx context.Context, roomID int64, userID string, seq int64) (int64, error) {
	if seq < 0 {
		return 0, errs.ErrArgs.WrapMsg("messageSeq must not be negative", "messageSeq", seq)
	}
	cur, err := e.store.AdvanceReadSeq(ctx, roomID, userID, seq)
	if err != nil {
		return 0, err
	}
	logger.Debug("[Chat] read cursor", zap.Int64("roomId", roomID), zap.String("userId", userID), zap.Int64("seq", cur))
	return cur, nil
}

// PageMessages returns messages newest first. Caller must be ACTIVE.
func (e *Engine) PageMessages(ctx context.Context, roomID int64, userID string, req PageRequest) (*PageResponse, error) {
	if _, err := e.RequireActive(ctx, roomID, userID); err != nil {
		return nil, err
	}
	req = req.norm()
	msgs, total, err := e.store.PageMessages(ctx, roomID, req.offset(), req.Size)
	if err != nil {
		return nil, err
	}
	names := e.nameCache()
	list := make([]*MessageView, 0, len(msgs))
	for _, m := range msgs {
		nickname := model.SystemSender
		if m.SenderID != model.SystemSender {
			nickname = names.get(ctx, m.SenderID)
		}
		list = append(list, messageView(m, nickname, false))
	}
	return &PageResponse{
		DtoList:    list,
		TotalCount: total,
		Page:       req.Page,
		Size:       req.Size,
		HasNext:    int64(req.offset()+len(list)) < total,
	}, nil
}

func (e *Engine) append(ctx context.Context, roomID int64, senderID string, mt model.MessageType, content string, ticketID *int64) (*model.Message, error) {
	unlock := e.locks.Lock(roomID)
	defer unlock()

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		s, err := e.alloc.Next(ctx, roomID)
		if err != nil {
			return nil, errs.WrapMsg(err, "allocate seq", "roomId", roomID)
		}
		msg := &model.Message{
			ID:          e.idGen.Next(),
			RoomID:      roomID,
			MessageSeq:  s,
			SenderID:    senderID,
			MessageType: mt,
			Content:     content,
			TicketID:    ticketID,
			CreatedAt:   e.now(),
		}
		err = e.store.AppendMessage(ctx, msg)
		if err == nil {
			metrics.MessagesTotal.WithLabelValues(string(mt)).Inc()
			return msg, nil
		}
		if !errors.Is(err, errs.ErrSeqConflict) {
			return nil, err
		}

		metrics.SeqConflictsTotal.Inc()
		logger.Warn("[Chat] seq conflict, retrying",
			zap.Int64("roomId", roomID), zap.Int64("seq", s), zap.Int("attempt", attempt+1))
		e.resync(ctx, roomID)
	}
	return nil, errs.ErrInternalServer.WrapMsg("seq allocation kept conflicting", "roomId", roomID, "attempts", e.maxRetries+1)
}

func (e *Engine) resync(ctx context.Context, roomID int64) {
	rs, ok := e.alloc.(seq.Resyncer)
	if !ok {
		return
	}
	top, err := e.store.MaxSeq(ctx, roomID)
	if err != nil {
		logger.Warn("[Chat] read max seq for resync failed", zap.Int64("roomId", roomID), zap.Error(err))
		return
	}
	if err := rs.Resync(ctx, roomID, top); err != nil {
		logger.Warn("[Chat] resync allocator failed", zap.Int64("roomId", roomID), zap.Error(err))
	}
}

// The author has seen what they wrote.
func (e *Engine) advanceOwnCursor(ctx context.Context, msg *model.Message) {
	if _, err := e.store.AdvanceReadSeq(ctx, msg.RoomID, msg.SenderID, msg.MessageSeq); err != nil {
		logger.Warn("[Chat] advance sender cursor failed",
			zap.Int64("roomId", msg.RoomID), zap.String("userId", msg.SenderID), zap.Error(err))
	}
}

// afterPersist runs strictly after commit; nothing here can undo the message.
func (e *Engine) afterPersist(ctx context.Context, view *MessageView) {
	if err := e.bc.Publish(ctx, view.ChatRoomID, view); err != nil {
		logger.Warn("[Chat] publish failed", zap.Int64("roomId", view.ChatRoomID), zap.Int64("seq", view.MessageSeq), zap.Error(err))
	}
	if e.events == nil {
		return
	}
	ev := &MessageEvent{
		MessageID:     view.ID,
		RoomID:        view.ChatRoomID,
		MessageSeq:    view.MessageSeq,
		SenderID:      view.SenderID,
		MessageType:   string(view.MessageType),
		TicketTrigger: view.TicketTrigger,
		CreatedAt:     view.CreatedAt,
	}
	if err := e.events.PublishMessageCreated(ctx, ev); err != nil {
		logger.Warn("[Chat] message event not published", zap.Int64("roomId", ev.RoomID), zap.Int64("seq", ev.MessageSeq), zap.Error(err))
	}
}

func (e *Engine) displayName(ctx context.Context, userID string) string {
	mb, err := e.members.FindByID(ctx, userID)
	if err != nil || mb.DisplayName == "" {
		return userID
	}
	return mb.DisplayName
}

type nameCache struct {
	e *Engine
	m map[string]string
}

func (e *Engine) nameCache() *nameCache { return &nameCache{e: e, m: make(map[string]string)} }

func (c *nameCache) get(ctx context.Context, userID string) string {
	if n, ok := c.m[userID]; ok {
		return n
	}
	n := c.e.displayName(ctx, userID)
	c.m[userID] = n
	return n
}
