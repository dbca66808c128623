// Package upstream calls the n8n-style workflow endpoint that produces
// assistant replies and proactive messages, following spec.md §4.4.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hrygo/nikabridge/internal/metrics"
)

// Intent enumerates the workflow entry points the upstream exposes.
type Intent string

const (
	IntentReply             Intent = "reply"
	IntentProactiveMorning  Intent = "proactive_morning"
	IntentProactiveEvening  Intent = "proactive_evening"
	IntentProactiveReengage Intent = "proactive_reengage"
	IntentProactiveGeneric  Intent = "proactive_generic"
	IntentUserGoodnight     Intent = "user_goodnight"
	IntentGoodnightFollowup Intent = "goodnight_followup"
)

// HistoryItem is one entry of Context.History.
type HistoryItem struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Context carries the chat's recent history plus the last-activity
// timestamps the workflow uses for tone.
type Context struct {
	History         []HistoryItem `json:"history"`
	LastUserMsgAt   *time.Time    `json:"last_user_msg_at,omitempty"`
	LastAssistantAt *time.Time    `json:"last_assistant_at,omitempty"`
}

// ChatInfo identifies the chat/user/persona for the request.
type ChatInfo struct {
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id,omitempty"`
	Lang      string `json:"lang,omitempty"`
	Username  string `json:"username,omitempty"`
	Persona   string `json:"persona,omitempty"`
	MemoryRev int    `json:"memory_rev,omitempty"`
}

// MessageIn carries the triggering message, text and/or media.
type MessageIn struct {
	Text        string  `json:"text,omitempty"`
	Origin      string  `json:"origin,omitempty"` // "text" | "voice" | "audio" | "photo"
	AudioURL    string  `json:"audio_url,omitempty"`
	VoiceFileID string  `json:"voice_file_id,omitempty"`
	ImageURL    string  `json:"image_url,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	MimeType    string  `json:"mime_type,omitempty"`
}

// Request is the full body POSTed to the upstream workflow.
type Request struct {
	Intent  Intent     `json:"intent"`
	Chat    ChatInfo   `json:"chat"`
	Context Context    `json:"context"`
	Message *MessageIn `json:"message,omitempty"`
	TraceID string     `json:"trace_id,omitempty"`
}

// ResponseMeta is the workflow's free-form metadata alongside the reply.
type ResponseMeta struct {
	Persona   string  `json:"persona,omitempty"`
	Intent    string  `json:"intent,omitempty"`
	Abuse     bool    `json:"abuse,omitempty"`
	MuteHours float64 `json:"mute_hours,omitempty"`
	Severity  string  `json:"severity,omitempty"`
	Model     string  `json:"model,omitempty"`
	Tokens    int     `json:"tokens,omitempty"`
	// Flags carries the nested `meta.flags.{abuse,mute_hours}` shape some
	// workflows use instead of the top-level fields above.
	Flags *ResponseFlags `json:"flags,omitempty"`
}

// ResponseFlags is the nested form of the abuse/mute_hours report.
type ResponseFlags struct {
	Abuse     bool    `json:"abuse,omitempty"`
	MuteHours float64 `json:"mute_hours,omitempty"`
}

// IsAbuse reports whether the workflow flagged this turn as abuse, checking
// the top-level field first and falling back to the nested meta.flags form.
func (m ResponseMeta) IsAbuse() bool {
	if m.Abuse {
		return true
	}
	return m.Flags != nil && m.Flags.Abuse
}

// EffectiveMuteHours returns the mute duration reported for this turn,
// preferring the top-level field and falling back to meta.flags.mute_hours.
func (m ResponseMeta) EffectiveMuteHours() float64 {
	if m.MuteHours != 0 {
		return m.MuteHours
	}
	if m.Flags != nil {
		return m.Flags.MuteHours
	}
	return 0
}

// Response is the validated, normalized reply from the workflow.
type Response struct {
	Reply string       `json:"reply"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorClass distinguishes retryable from terminal upstream failures.
type ErrorClass string

const (
	ClassServerError ErrorClass = "server" // 5xx, retryable
	ClassClientError ErrorClass = "client" // 4xx, not retryable
	ClassOtherError  ErrorClass = "other"  // network/JSON/transport
)

// CallError wraps an upstream failure with its classification.
type CallError struct {
	Class      ErrorClass
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s error (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s error: %v", e.Class, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports whether the task queue should retry this failure.
func (e *CallError) Retryable() bool { return e.Class == ClassServerError }

// Client calls the upstream workflow endpoint.
type Client struct {
	endpoint string
	referer  string
	http     *http.Client
	metrics  *metrics.Registry
}

// New builds a Client. referer, if set, is normalized into the Referer
// header on every request (spec.md §4.4: "ASCII URL with scheme").
func New(endpoint, referer string, m *metrics.Registry) *Client {
	return &Client{
		endpoint: endpoint,
		referer:  referer,
		http:     &http.Client{Timeout: 60 * time.Second},
		metrics:  m,
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func normalizedReferer(raw string) string {
	raw = trimSpace(raw)
	if raw == "" || !isASCII(raw) {
		return ""
	}
	candidate := raw
	if !hasScheme(candidate) {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func hasScheme(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ':':
			return i > 0
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '+', c == '-', c == '.':
			continue
		default:
			return false
		}
	}
	return false
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// Call POSTs req to the workflow endpoint and returns the normalized,
// validated response. traceID is attached as X-Trace-Id only if it is
// pure ASCII.
func (c *Client) Call(ctx context.Context, req Request, traceID string) (resp *Response, err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveUpstream(string(req.Intent), time.Since(start))
		}
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &CallError{Class: ClassOtherError, Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Class: ClassOtherError, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if traceID != "" {
		if isASCII(traceID) {
			httpReq.Header.Set("X-Trace-Id", traceID)
		} else {
			slog.Warn("upstream: skipping non-ASCII trace id")
		}
	}
	if ref := normalizedReferer(c.referer); ref != "" {
		httpReq.Header.Set("Referer", ref)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &CallError{Class: ClassOtherError, Err: fmt.Errorf("do request: %w", err)}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &CallError{Class: ClassOtherError, Err: fmt.Errorf("read response: %w", err)}
	}

	if httpResp.StatusCode >= 500 {
		return nil, &CallError{Class: ClassServerError, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("upstream server error")}
	}
	if httpResp.StatusCode >= 400 {
		return nil, &CallError{Class: ClassClientError, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("upstream client error")}
	}

	if len(raw) == 0 {
		return nil, &CallError{Class: ClassServerError, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("empty response body")}
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &CallError{Class: ClassServerError, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	data := normalizeShape(generic)
	normalizedJSON, err := json.Marshal(data)
	if err != nil {
		return nil, &CallError{Class: ClassOtherError, Err: fmt.Errorf("re-encode normalized response: %w", err)}
	}

	var out Response
	if err := json.Unmarshal(normalizedJSON, &out); err != nil {
		return nil, &CallError{Class: ClassServerError, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("validate response shape: %w", err)}
	}
	return &out, nil
}

// normalizeShape implements spec.md §4.4's response-shape normalization:
// a top-level list takes arr[0].json (falling back to arr[0] itself); a
// dict with a nested "json" or "data" object unwraps to that object.
func normalizeShape(raw any) any {
	switch v := raw.(type) {
	case []any:
		if len(v) == 0 {
			return raw
		}
		first, ok := v[0].(map[string]any)
		if !ok {
			return v[0]
		}
		if inner, ok := first["json"].(map[string]any); ok {
			return inner
		}
		return first
	case map[string]any:
		if inner, ok := v["json"].(map[string]any); ok {
			return inner
		}
		if inner, ok := v["data"].(map[string]any); ok {
			return inner
		}
		return v
	default:
		return raw
	}
}
