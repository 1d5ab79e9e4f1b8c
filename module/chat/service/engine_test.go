package service

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deskchat/module/chat/aifilter"
	"deskchat/module/chat/model"
	"deskchat/module/chat/seq"
	"deskchat/module/chat/store"
	"deskchat/module/member"
	"deskchat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*MessageView
	err  error
}

func (r *recorder) Publish(_ context.Context, _ int64, m *MessageView) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

func (r *recorder) all() []*MessageView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MessageView(nil), r.msgs...)
}

type eventRecorder struct {
	mu  sync.Mutex
	evs []*MessageEvent
}

func (r *eventRecorder) PublishMessageCreated(_ context.Context, ev *MessageEvent) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	st    *store.Memory
	eng   *Engine
	rooms *RoomDirectory
	bc    *recorder
	ev    *eventRecorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemory()
	dir := member.NewMemory(
		member.Member{ID: "alice@corp.io", DisplayName: "Alice"},
		member.Member{ID: "bob@corp.io", DisplayName: "Bob"},
		member.Member{ID: "carol@corp.io", DisplayName: "Carol"},
		member.Member{ID: "dave@corp.io", DisplayName: "Dave"},
	)
	bc := &recorder{}
	ev := &eventRecorder{}
	opts = append([]Option{WithBroadcaster(bc), WithEvents(ev)}, opts...)
	eng := NewEngine(st, seq.NewStoreAllocator(st), dir, opts...)
	return &fixture{st: st, eng: eng, rooms: NewRoomDirectory(eng), bc: bc, ev: ev}
}

func (f *fixture) unread(t *testing.T, roomID int64, userID string) int64 {
	t.Helper()
	v, err := f.rooms.GetRoom(context.Background(), roomID, userID)
	require.NoError(t, err)
	return v.UnreadCount
}

func text(s string) SendRequest { return SendRequest{MessageType: "TEXT", Content: s} }

func TestSendMessageHydratesAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)

	v, err := f.eng.SendMessage(ctx, room.ID, "alice@corp.io", text("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.MessageSeq)
	assert.Equal(t, "Alice", v.SenderNickname)
	assert.Equal(t, model.MessageText, v.MessageType)
	assert.Equal(t, room.ID, v.ChatRoomID)
	assert.False(t, v.TicketTrigger)

	got := f.bc.all()
	require.Len(t, got, 1)
	assert.Equal(t, v, got[0])
	require.Len(t, f.ev.evs, 1)
	assert.Equal(t, int64(1), f.ev.evs[0].MessageSeq)

	r, err := f.st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.LastMsgSeq)
	assert.Equal(t, "hello", r.LastMsgContent)
	require.NotNil(t, r.LastMsgAt)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)

	_, err = f.eng.SendMessage(ctx, room.ID, "alice@corp.io", SendRequest{MessageType: "SYSTEM", Content: "x"})
	assert.ErrorIs(t, err, errs.ErrArgs)
	_, err = f.eng.SendMessage(ctx, room.ID, "alice@corp.io", SendRequest{MessageType: "VIDEO", Content: "x"})
	assert.ErrorIs(t, err, errs.ErrArgs)
	_, err = f.eng.SendMessage(ctx, room.ID, "alice@corp.io", text("   "))
	assert.ErrorIs(t, err, errs.ErrArgs)
	_, err = f.eng.SendMessage(ctx, room.ID, "alice@corp.io", SendRequest{MessageType: "TICKET_PREVIEW"})
	assert.ErrorIs(t, err, errs.ErrArgs)

	_, err = f.eng.SendMessage(ctx, room.ID, "carol@corp.io", text("hi"))
	assert.ErrorIs(t, err, errs.ErrNoPermission)

	ticket := int64(42)
	v, err := f.eng.SendMessage(ctx, room.ID, "bob@corp.io", SendRequest{MessageType: "ticket_preview", Content: "Printer broken", TicketID: &ticket})
	require.NoError(t, err)
	assert.Equal(t, model.MessageTicketPreview, v.MessageType)
	require.NotNil(t, v.TicketID)
	assert.Equal(t, int64(42), *v.TicketID)
	assert.Len(t, f.bc.all(), 1)
}

func TestSendMessageAfterLeaveIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateGroupRoom(ctx, "ops", "alice@corp.io", []string{"bob@corp.io"})
	require.NoError(t, err)
	require.NoError(t, f.rooms.LeaveRoom(ctx, room.ID, "bob@corp.io"))

	_, err = f.eng.SendMessage(ctx, room.ID, "bob@corp.io", text("still here?"))
	assert.ErrorIs(t, err, errs.ErrNoPermission)
}

func TestConcurrentSendsGetDistinctSeqs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateGroupRoom(ctx, "load", "alice@corp.io", []string{"bob@corp.io", "carol@corp.io"})
	require.NoError(t, err)
	base := room.LastMsgSeq

	const n = 60
	senders := []string{"alice@corp.io", "bob@corp.io", "carol@corp.io"}
	var wg sync.WaitGroup
	seqs := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.eng.SendMessage(ctx, room.ID, senders[i%len(senders)], text("m"))
			if assert.NoError(t, err) {
				seqs[i] = v.MessageSeq
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, s := range seqs {
		assert.Equal(t, base+int64(i)+1, s)
	}
	page, err := f.eng.PageMessages(ctx, room.ID, "alice@corp.io", PageRequest{Size: MaxPageSize})
	require.NoError(t, err)
	assert.Equal(t, int64(n)+base, page.TotalCount)
}

// conflictStore rejects the first appends with a seq conflict, the way a
// second node racing on the same room would.
type conflictStore struct {
	store.Store
	left atomic.Int32
}

func (c *conflictStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	if c.left.Add(-1) >= 0 {
		return errs.ErrSeqConflict.WrapMsg("injected", "seq", msg.MessageSeq)
	}
	return c.Store.AppendMessage(ctx, msg)
}

type resyncAlloc struct {
	seq.Allocator
	resyncs atomic.Int32
}

func (r *resyncAlloc) Resync(context.Context, int64, int64) error {
	r.resyncs.Add(1)
	return nil
}

func TestAppendRetriesOnSeqConflict(t *testing.T) {
	mem := store.NewMemory()
	cs := &conflictStore{Store: mem}
	alloc := &resyncAlloc{Allocator: seq.NewStoreAllocator(mem)}
	dir := member.NewMemory(member.Member{ID: "a", DisplayName: "A"}, member.Member{ID: "b", DisplayName: "B"})
	eng := NewEngine(cs, alloc, dir, WithMaxAppendRetries(2))
	rooms := NewRoomDirectory(eng)
	ctx := context.Background()

	room, err := rooms.GetOrCreateDirectRoom(ctx, "a", "b")
	require.NoError(t, err)

	cs.left.Store(2)
	v, err := eng.SendMessage(ctx, room.ID, "a", text("eventually"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.MessageSeq)
	assert.Equal(t, int32(2), alloc.resyncs.Load())

	cs.left.Store(3)
	_, err = eng.SendMessage(ctx, room.ID, "a", text("never"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInternalServer)
}

func TestMarkAsReadIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.eng.SendMessage(ctx, room.ID, "alice@corp.io", text("x"))
		require.NoError(t, err)
	}

	cur, err := f.eng.MarkAsRead(ctx, room.ID, "bob@corp.io", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cur)

	cur, err = f.eng.MarkAsRead(ctx, room.ID, "bob@corp.io", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cur)
	assert.Equal(t, int64(1), f.unread(t, room.ID, "bob@corp.io"))

	_, err = f.eng.MarkAsRead(ctx, room.ID, "bob@corp.io", -1)
	assert.ErrorIs(t, err, errs.ErrArgs)
	_, err = f.eng.MarkAsRead(ctx, room.ID, "carol@corp.io", 1)
	assert.ErrorIs(t, err, errs.ErrRecordNotFound)
}

func TestUnreadCountsAfterSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateGroupRoom(ctx, "team", "alice@corp.io", []string{"bob@corp.io", "carol@corp.io"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), room.UnreadCount)

	_, err = f.eng.SendMessage(ctx, room.ID, "bob@corp.io", text("anyone?"))
	require.NoError(t, err)

	assert.Equal(t, int64(0), f.unread(t, room.ID, "bob@corp.io"))
	// 创建消息 + 新消息
	assert.Equal(t, int64(1), f.unread(t, room.ID, "alice@corp.io"))
	assert.Equal(t, int64(2), f.unread(t, room.ID, "carol@corp.io"))
}

func TestPageMessagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.eng.SendMessage(ctx, room.ID, "bob@corp.io", text("x"))
		require.NoError(t, err)
	}

	p1, err := f.eng.PageMessages(ctx, room.ID, "alice@corp.io", PageRequest{Page: 1, Size: 2})
	require.NoError(t, err)
	require.Len(t, p1.DtoList, 2)
	assert.Equal(t, int64(5), p1.DtoList[0].MessageSeq)
	assert.Equal(t, int64(4), p1.DtoList[1].MessageSeq)
	assert.Equal(t, "Bob", p1.DtoList[0].SenderNickname)
	assert.True(t, p1.HasNext)
	assert.Equal(t, int64(5), p1.TotalCount)

	p3, err := f.eng.PageMessages(ctx, room.ID, "alice@corp.io", PageRequest{Page: 3, Size: 2})
	require.NoError(t, err)
	require.Len(t, p3.DtoList, 1)
	assert.Equal(t, int64(1), p3.DtoList[0].MessageSeq)
	assert.False(t, p3.HasNext)

	def, err := f.eng.PageMessages(ctx, room.ID, "alice@corp.io", PageRequest{Page: -3, Size: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, def.Page)
	assert.Equal(t, MaxPageSize, def.Size)

	_, err = f.eng.PageMessages(ctx, room.ID, "carol@corp.io", PageRequest{})
	assert.ErrorIs(t, err, errs.ErrNoPermission)
}

func TestPageMessagesFarPageIsEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)
	_, err = f.eng.SendMessage(ctx, room.ID, "bob@corp.io", text("x"))
	require.NoError(t, err)

	for _, page := range []int{92233720368547760, math.MaxInt} {
		p, err := f.eng.PageMessages(ctx, room.ID, "alice@corp.io", PageRequest{Page: page, Size: 100})
		require.NoError(t, err)
		assert.Empty(t, p.DtoList)
		assert.Equal(t, int64(1), p.TotalCount)
		assert.False(t, p.HasNext)
		assert.LessOrEqual(t, p.Page, math.MaxInt/100)
	}
}

type stubFilter struct {
	calls atomic.Int32
	res   aifilter.Result
}

func (s *stubFilter) Filter(_ context.Context, raw string, requested bool) aifilter.Result {
	if !requested {
		return aifilter.Result{FilteredMessage: raw}
	}
	s.calls.Add(1)
	return s.res
}

func TestSendMessageCarriesTicketTriggerWithoutStoringIt(t *testing.T) {
	flt := &stubFilter{res: aifilter.Result{FilteredMessage: "Please register a ticket for the VPN outage.", ShouldCreateTicket: true}}
	f := newFixture(t, WithFilter(flt))
	ctx := context.Background()
	room, err := f.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)

	v, err := f.eng.SendMessage(ctx, room.ID, "alice@corp.io", SendRequest{Content: "fix the stupid VPN, make a ticket", AiEnabled: true})
	require.NoError(t, err)
	assert.True(t, v.TicketTrigger)
	assert.Equal(t, "Please register a ticket for the VPN outage.", v.Content)
	assert.True(t, f.ev.evs[0].TicketTrigger)

	page, err := f.eng.PageMessages(ctx, room.ID, "bob@corp.io", PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, v.Content, page.DtoList[0].Content)
	assert.False(t, page.DtoList[0].TicketTrigger)

	// TICKET_PREVIEW 和未开启 AI 的消息不过滤
	ticket := int64(7)
	_, err = f.eng.SendMessage(ctx, room.ID, "alice@corp.io", SendRequest{MessageType: "TICKET_PREVIEW", Content: "draft", TicketID: &ticket, AiEnabled: true})
	require.NoError(t, err)
	_, err = f.eng.SendMessage(ctx, room.ID, "alice@corp.io", text("plain"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), flt.calls.Load())
}

func TestPublishFailureDoesNotFailSend(t *testing.T) {
	f := newFixture(t)
	f.bc.err = errs.New("subscriber gone")
	ctx := context.Background()
	room, err := f.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)

	v, err := f.eng.SendMessage(ctx, room.ID, "alice@corp.io", text("still saved"))
	require.NoError(t, err)
	page, err := f.eng.PageMessages(ctx, room.ID, "alice@corp.io", PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, v.ID, page.DtoList[0].ID)
}

func TestCreateSystemMessageWithoutActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.GetOrCreateDirectRoom(ctx, "alice@corp.io", "bob@corp.io")
	require.NoError(t, err)

	v, err := f.eng.CreateSystemMessage(ctx, room.ID, "Maintenance at 18:00.", "")
	require.NoError(t, err)
	assert.Equal(t, model.SystemSender, v.SenderID)
	assert.Equal(t, model.MessageSystem, v.MessageType)
	assert.Equal(t, int64(1), f.unread(t, room.ID, "alice@corp.io"))
	assert.Equal(t, int64(1), f.unread(t, room.ID, "bob@corp.io"))
}

// DIRECT(A,B); A "hello"; B reads; A "world" with the AI backend hanging.
func TestExampleScenarioWithAiTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	gw := aifilter.New(aifilter.Config{Enabled: true, BaseURL: srv.URL, Timeout: 150 * time.Millisecond})
	f := newFixture(t, WithFilter(gw))
	ctx := context.Background()
	a, b := "alice@corp.io", "bob@corp.io"

	room, err := f.rooms.GetOrCreateDirectRoom(ctx, a, b)
	require.NoError(t, err)

	m1, err := f.eng.SendMessage(ctx, room.ID, a, text("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), m1.MessageSeq)
	assert.Equal(t, int64(1), f.unread(t, room.ID, b))

	_, err = f.eng.MarkAsRead(ctx, room.ID, b, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.unread(t, room.ID, b))

	m2, err := f.eng.SendMessage(ctx, room.ID, a, SendRequest{Content: "world", AiEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), m2.MessageSeq)
	assert.Equal(t, "world", m2.Content)
	assert.False(t, m2.TicketTrigger)
	assert.Equal(t, int64(1), f.unread(t, room.ID, b))
	assert.Equal(t, int64(0), f.unread(t, room.ID, a))
}
