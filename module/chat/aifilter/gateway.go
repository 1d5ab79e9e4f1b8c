package aifilter

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"deskchat/logger"
	"deskchat/service/metrics"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const chatPath = "/api/chat"

const (
	OutcomePassthrough   = "passthrough"
	OutcomeFiltered      = "filtered"
	OutcomeParseFallback = "parse_fallback"
	OutcomeEmpty         = "empty_content"
	OutcomeTimeout       = "timeout"
	OutcomeError         = "error"
)

type Config struct {
	Enabled        bool
	BaseURL        string
	Model          string
	APIKey         string
	Timeout        time.Duration
	ConnectTimeout time.Duration
}

func (c *Config) norm() {
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:11434"
	}
	if c.Model == "" {
		c.Model = "qwen3:8b"
	}
	if c.Timeout <= 0 {
		c.Timeout = 360 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

// Result is what chat persists and returns. It is never empty for non-blank input.
type Result struct {
	FilteredMessage    string `json:"filteredMessage"`
	ShouldCreateTicket bool   `json:"shouldCreateTicket"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format"`
	Think    bool          `json:"think"`
	Options  chatOptions   `json:"options"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Gateway calls an Ollama-compatible /api/chat endpoint. Every failure
// resolves to a fallback Result; callers never see an error.
type Gateway struct {
	cfg    Config
	client *resty.Client
}

func New(cfg Config) *Gateway {
	cfg.norm()
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	client := resty.New().
		SetTransport(transport).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout + 5*time.Second)
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Gateway{cfg: cfg, client: client}
}

// Enabled reports the server-side switch.
func (g *Gateway) Enabled() bool { return g.cfg.Enabled }

func isCloudModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "cloud")
}

func modelOptions(cloud bool) chatOptions {
	if cloud {
		return chatOptions{Temperature: 0.1, TopP: 0.8, NumPredict: 100}
	}
	return chatOptions{Temperature: 0.2, TopP: 0.9, NumPredict: 200}
}

// Filter rewrites raw when both the server switch and the caller ask for it.
func (g *Gateway) Filter(ctx context.Context, raw string, requested bool) Result {
	if !g.cfg.Enabled || !requested {
		metrics.AiFilterTotal.WithLabelValues(OutcomePassthrough).Inc()
		return Result{FilteredMessage: raw}
	}
	if strings.TrimSpace(raw) == "" {
		return Result{FilteredMessage: raw}
	}

	start := time.Now()
	res, outcome := g.call(ctx, raw)
	metrics.AiFilterDuration.Observe(time.Since(start).Seconds())
	metrics.AiFilterTotal.WithLabelValues(outcome).Inc()
	logger.Info("[AI] filter done",
		zap.String("outcome", outcome),
		zap.Bool("ticketTrigger", res.ShouldCreateTicket),
		zap.Duration("took", time.Since(start)))
	return res
}

func (g *Gateway) call(ctx context.Context, raw string) (res Result, outcome string) {
	fallback := Result{FilteredMessage: strings.TrimSpace(raw)}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[AI] panic in filter, using original text", zap.Any("panic", r))
			res, outcome = fallback, OutcomeError
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	cloud := isCloudModel(g.cfg.Model)
	body := chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: raw},
		},
		Stream:  false,
		Format:  "json",
		Think:   false,
		Options: modelOptions(cloud),
	}
	logger.Debug("[AI] filter request",
		zap.String("baseUrl", g.cfg.BaseURL),
		zap.String("model", g.cfg.Model),
		zap.Bool("cloud", cloud),
		zap.Duration("timeout", g.cfg.Timeout))

	resp, err := g.client.R().SetContext(ctx).SetBody(body).Post(chatPath)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("[AI] timeout, using original text", zap.Duration("timeout", g.cfg.Timeout), zap.String("model", g.cfg.Model))
			return fallback, OutcomeTimeout
		}
		logger.Warn("[AI] request failed, using original text", zap.Error(err), zap.String("model", g.cfg.Model))
		return fallback, OutcomeError
	}
	if resp.IsError() {
		logger.Warn("[AI] backend http error, using original text", zap.Int("status", resp.StatusCode()), zap.String("model", g.cfg.Model))
		return fallback, OutcomeError
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		logger.Warn("[AI] backend body is not json, using original text", zap.Error(err))
		return fallback, OutcomeError
	}
	content := out.Message.Content
	if strings.TrimSpace(content) == "" {
		logger.Warn("[AI] empty content, using original text")
		return fallback, OutcomeEmpty
	}
	return parseContent(content, raw)
}
