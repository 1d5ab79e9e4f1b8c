package aifilter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	srv   *httptest.Server
	calls atomic.Int32
	last  atomic.Value // chatRequest
	key   atomic.Value // string
}

func newBackend(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) *backend {
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		b.key.Store(r.Header.Get("X-API-Key"))
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			b.last.Store(req)
		}
		handle(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func replyContent(content string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "qwen3:8b",
			"message": map[string]any{"role": "assistant", "content": content},
			"done":    true,
		})
	}
}

func enabled(url string) Config {
	return Config{Enabled: true, BaseURL: url, Model: "qwen3:8b", APIKey: "k-1", Timeout: 2 * time.Second}
}

func TestFilterRewritesAndFlagsTicket(t *testing.T) {
	b := newBackend(t, replyContent(`{"filteredMessage":"  Please register this as a ticket.  ","shouldCreateTicket":true}`))
	g := New(enabled(b.srv.URL))

	res := g.Filter(context.Background(), "make a damn ticket now", true)
	assert.Equal(t, "Please register this as a ticket.", res.FilteredMessage)
	assert.True(t, res.ShouldCreateTicket)
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, "k-1", b.key.Load())

	req := b.last.Load().(chatRequest)
	assert.Equal(t, "qwen3:8b", req.Model)
	assert.False(t, req.Stream)
	assert.False(t, req.Think)
	assert.Equal(t, "json", req.Format)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "make a damn ticket now", req.Messages[1].Content)
	assert.Equal(t, chatOptions{Temperature: 0.2, TopP: 0.9, NumPredict: 200}, req.Options)
}

func TestFilterCloudModelUsesTighterOptions(t *testing.T) {
	b := newBackend(t, replyContent(`{"filteredMessage":"ok","shouldCreateTicket":false}`))
	cfg := enabled(b.srv.URL)
	cfg.Model = "gpt-oss:120b-cloud"

	New(cfg).Filter(context.Background(), "hi", true)
	req := b.last.Load().(chatRequest)
	assert.Equal(t, chatOptions{Temperature: 0.1, TopP: 0.8, NumPredict: 100}, req.Options)
}

func TestFilterPassthroughMakesNoCalls(t *testing.T) {
	b := newBackend(t, replyContent(`{"filteredMessage":"x","shouldCreateTicket":true}`))

	serverOff := enabled(b.srv.URL)
	serverOff.Enabled = false
	res := New(serverOff).Filter(context.Background(), "  raw text ", true)
	assert.Equal(t, Result{FilteredMessage: "  raw text "}, res)

	res = New(enabled(b.srv.URL)).Filter(context.Background(), "  raw text ", false)
	assert.Equal(t, Result{FilteredMessage: "  raw text "}, res)

	assert.Equal(t, int32(0), b.calls.Load())
}

func TestFilterBlankInputSkipsBackend(t *testing.T) {
	b := newBackend(t, replyContent(`{}`))
	res := New(enabled(b.srv.URL)).Filter(context.Background(), "   ", true)
	assert.Equal(t, "   ", res.FilteredMessage)
	assert.False(t, res.ShouldCreateTicket)
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestFilterFallbacks(t *testing.T) {
	cases := []struct {
		name   string
		handle func(http.ResponseWriter, *http.Request)
	}{
		{"http 500", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"error":"model not loaded"}`, http.StatusInternalServerError)
		}},
		{"outer body not json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>bad gateway</html>"))
		}},
		{"empty content", replyContent("   ")},
		{"missing message", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"done":true}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t, tc.handle)
			res := New(enabled(b.srv.URL)).Filter(context.Background(), "  ticket please  ", true)
			assert.Equal(t, Result{FilteredMessage: "ticket please"}, res)
		})
	}
}

func TestFilterTimeoutFallsBackToOriginal(t *testing.T) {
	release := make(chan struct{})
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	cfg := enabled(b.srv.URL)
	cfg.Timeout = 100 * time.Millisecond

	start := time.Now()
	res := New(cfg).Filter(context.Background(), " world ", true)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Result{FilteredMessage: "world"}, res)
}

func TestFilterUnreachableBackend(t *testing.T) {
	b := newBackend(t, replyContent("{}"))
	url := b.srv.URL
	b.srv.Close()

	res := New(enabled(url)).Filter(context.Background(), "hello", true)
	assert.Equal(t, Result{FilteredMessage: "hello"}, res)
}

func TestFilterContentParsing(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    Result
	}{
		{"plain text mentioning ticket", "Please open a Ticket for the outage", Result{"Please open a Ticket for the outage", true}},
		{"plain korean ticket keyword", " 티켓 등록 부탁드립니다 ", Result{"티켓 등록 부탁드립니다", true}},
		{"plain text without keyword", "sorry, cannot help", Result{"sorry, cannot help", false}},
		{"blank filtered message", `{"filteredMessage":"  ","shouldCreateTicket":true}`, Result{"original text", true}},
		{"null filtered message", `{"filteredMessage":null}`, Result{"original text", false}},
		{"string boolean", `{"filteredMessage":"ok","shouldCreateTicket":"TRUE"}`, Result{"ok", true}},
		{"odd boolean", `{"filteredMessage":"ok","shouldCreateTicket":1}`, Result{"ok", false}},
		{"fenced json", "```json\n{\"filteredMessage\":\"fenced\",\"shouldCreateTicket\":true}\n```", Result{"fenced", true}},
		{"trailing comma repaired", `{"filteredMessage":"fixed","shouldCreateTicket":false,}`, Result{"fixed", false}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t, replyContent(tc.content))
			res := New(enabled(b.srv.URL)).Filter(context.Background(), " original text ", true)
			assert.Equal(t, tc.want, res)
		})
	}
}
