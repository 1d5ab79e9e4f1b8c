package aifilter

import (
	"encoding/json"
	"fmt"
	"strings"

	"deskchat/logger"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"
)

var ticketKeywords = []string{"티켓", "ticket"}

// parseContent reads the model's JSON answer. Unparseable answers are used
// verbatim with a keyword guess for the ticket flag.
func parseContent(content, raw string) (Result, string) {
	obj, ok := decodeObject(content)
	if !ok {
		logger.Warn("[AI] content is not the expected json, using it as text", zap.Int("len", len(content)))
		return Result{
			FilteredMessage:    strings.TrimSpace(content),
			ShouldCreateTicket: mentionsTicket(content),
		}, OutcomeParseFallback
	}

	msg := stringify(obj["filteredMessage"])
	if strings.TrimSpace(msg) == "" {
		msg = raw
	}
	return Result{
		FilteredMessage:    strings.TrimSpace(msg),
		ShouldCreateTicket: lenientBool(obj["shouldCreateTicket"]),
	}, OutcomeFiltered
}

func decodeObject(content string) (map[string]any, bool) {
	var obj map[string]any
	cleaned := stripFences(content)
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil && obj != nil {
		return obj, true
	}
	if !strings.HasPrefix(cleaned, "{") {
		return nil, false
	}
	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// stripFences drops a surrounding ```json ... ``` block.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func lenientBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		return false
	}
}

func mentionsTicket(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range ticketKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
