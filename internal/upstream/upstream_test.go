package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseMeta_IsAbuse_TopLevelField(t *testing.T) {
	assert.True(t, ResponseMeta{Abuse: true}.IsAbuse())
	assert.False(t, ResponseMeta{Abuse: false}.IsAbuse())
}

func TestResponseMeta_IsAbuse_FallsBackToNestedFlags(t *testing.T) {
	assert.True(t, ResponseMeta{Flags: &ResponseFlags{Abuse: true}}.IsAbuse())
	assert.False(t, ResponseMeta{Flags: &ResponseFlags{Abuse: false}}.IsAbuse())
	assert.False(t, ResponseMeta{}.IsAbuse())
}

func TestResponseMeta_EffectiveMuteHours_PrefersTopLevelField(t *testing.T) {
	assert.Equal(t, 4.0, ResponseMeta{MuteHours: 4, Flags: &ResponseFlags{MuteHours: 8}}.EffectiveMuteHours())
}

func TestResponseMeta_EffectiveMuteHours_FallsBackToNestedFlags(t *testing.T) {
	assert.Equal(t, 8.0, ResponseMeta{Flags: &ResponseFlags{MuteHours: 8}}.EffectiveMuteHours())
	assert.Equal(t, 0.0, ResponseMeta{}.EffectiveMuteHours())
}

func TestCall_UnmarshalsNestedAbuseFlags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"ok","meta":{"flags":{"abuse":true,"mute_hours":6}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	resp, err := c.Call(context.Background(), Request{}, "")
	require.NoError(t, err)
	require.NotNil(t, resp.Meta.Flags)
	assert.True(t, resp.Meta.IsAbuse())
	assert.Equal(t, 6.0, resp.Meta.EffectiveMuteHours())
}

func TestIsASCII(t *testing.T) {
	assert.True(t, isASCII("https://example.com/webhook"))
	assert.False(t, isASCII("https://пример.рф"))
}

func TestHasScheme(t *testing.T) {
	assert.True(t, hasScheme("https://example.com"))
	assert.True(t, hasScheme("http://example.com"))
	assert.False(t, hasScheme("example.com"))
	assert.False(t, hasScheme(""))
	assert.False(t, hasScheme("://no-scheme-name"))
}

func TestTrimSpace(t *testing.T) {
	assert.Equal(t, "hello", trimSpace("  hello  "))
	assert.Equal(t, "hello world", trimSpace("\thello world\t"))
	assert.Equal(t, "", trimSpace("   "))
}

func TestNormalizedReferer(t *testing.T) {
	assert.Equal(t, "https://example.com/app", normalizedReferer("https://example.com/app"))
	assert.Equal(t, "https://example.com", normalizedReferer("example.com"))
	assert.Equal(t, "", normalizedReferer(""))
	assert.Equal(t, "", normalizedReferer("   "))
	assert.Equal(t, "", normalizedReferer("https://пример.рф"), "non-ASCII referers are rejected")
	assert.Equal(t, "", normalizedReferer("ftp://example.com"), "only http/https schemes are accepted")
}

func TestNormalizeShape_UnwrapsN8nListOfJson(t *testing.T) {
	raw := []any{map[string]any{"json": map[string]any{"reply": "hi"}}}
	got := normalizeShape(raw)
	assert.Equal(t, map[string]any{"reply": "hi"}, got)
}

func TestNormalizeShape_ListWithoutJsonKeyReturnsFirstElement(t *testing.T) {
	raw := []any{map[string]any{"reply": "hi"}}
	got := normalizeShape(raw)
	assert.Equal(t, map[string]any{"reply": "hi"}, got)
}

func TestNormalizeShape_EmptyListReturnsRawUnchanged(t *testing.T) {
	raw := []any{}
	assert.Equal(t, raw, normalizeShape(raw))
}

func TestNormalizeShape_DictWithDataKeyUnwraps(t *testing.T) {
	raw := map[string]any{"data": map[string]any{"reply": "hi"}}
	assert.Equal(t, map[string]any{"reply": "hi"}, normalizeShape(raw))
}

func TestNormalizeShape_PlainDictPassesThrough(t *testing.T) {
	raw := map[string]any{"reply": "hi"}
	assert.Equal(t, raw, normalizeShape(raw))
}

func TestCallError_RetryableOnlyForServerClass(t *testing.T) {
	assert.True(t, (&CallError{Class: ClassServerError}).Retryable())
	assert.False(t, (&CallError{Class: ClassClientError}).Retryable())
	assert.False(t, (&CallError{Class: ClassOtherError}).Retryable())
}

func TestCallError_UnwrapReturnsWrappedErr(t *testing.T) {
	inner := errors.New("boom")
	err := &CallError{Err: inner}
	assert.Same(t, inner, errors.Unwrap(err))
}

func TestCall_EmptyBodyIsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	_, err := c.Call(context.Background(), Request{Intent: IntentReply}, "")
	require.Error(t, err)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ClassServerError, callErr.Class)
}

func TestCall_N8nListShapeUnwrapsToReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"json":{"reply":"hello there"}}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	resp, err := c.Call(context.Background(), Request{Intent: IntentReply}, "")
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Reply)
}

func TestCall_SetsReferHeaderWhenNormalizable(t *testing.T) {
	var gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "myapp.example.com", nil)
	_, err := c.Call(context.Background(), Request{Intent: IntentReply}, "")
	require.NoError(t, err)
	assert.Equal(t, "https://myapp.example.com", gotReferer)
}

func TestCall_NonASCIITraceIDIsDropped(t *testing.T) {
	var gotTraceID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceID = r.Header.Get("X-Trace-Id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	_, err := c.Call(context.Background(), Request{Intent: IntentReply}, "трасса-123")
	require.NoError(t, err)
	assert.Empty(t, gotTraceID)
}
