package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

type recordedRequest struct {
	Method        string
	Path          string
	RawQuery      string
	Authorization string
	ContentType   string
	IfMatch       string
	Body          string
}

func recordingUpstream(t *testing.T, status int, body string, calls *atomic.Int32, record *recordedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		payload, _ := io.ReadAll(r.Body)
		*record = recordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			RawQuery:      r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
			IfMatch:       r.Header.Get("If-Match"),
			Body:          string(payload),
		}
		w.Header().Set("ETag", `"v42"`)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestForwardQueryStringVerbatim(t *testing.T) {
	var calls atomic.Int32
	var record recordedRequest
	upstream := recordingUpstream(t, http.StatusOK, `{"items":[]}`, &calls, &record)
	defer upstream.Close()

	f := NewForwarder(upstream.URL)

	r := httptest.NewRequest(http.MethodGet, "/api/documents/42?expand=meta&order=a%20b", nil)
	envelope := f.Forward(r, "/api/documents/42")

	if envelope.Kind != KindNone {
		t.Fatalf("expected kind None, got %s", envelope.Kind)
	}
	if record.Path != "/api/documents/42" {
		t.Errorf("expected path /api/documents/42, got %s", record.Path)
	}
	if record.RawQuery != "expand=meta&order=a%20b" {
		t.Errorf("query not forwarded verbatim: %s", record.RawQuery)
	}
}

func TestForwardAuthorizationVerbatimOrAbsent(t *testing.T) {
	var calls atomic.Int32
	var record recordedRequest
	upstream := recordingUpstream(t, http.StatusOK, `{}`, &calls, &record)
	defer upstream.Close()

	f := NewForwarder(upstream.URL)

	r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	r.Header.Set("Authorization", "Bearer token-123")
	f.Forward(r, "/api/users")
	if record.Authorization != "Bearer token-123" {
		t.Errorf("expected identical Authorization header, got %q", record.Authorization)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/users", nil)
	f.Forward(r, "/api/users")
	if record.Authorization != "" {
		t.Errorf("expected no Authorization header, got %q", record.Authorization)
	}
}

func TestForwardAttachesSessionTokenOnlyWithoutInboundHeader(t *testing.T) {
	var calls atomic.Int32
	var record recordedRequest
	upstream := recordingUpstream(t, http.StatusOK, `{}`, &calls, &record)
	defer upstream.Close()

	f := NewForwarder(upstream.URL, WithTokenFunc(func(ctx context.Context) (string, error) {
		return "session-token", nil
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	f.Forward(r, "/api/users")
	if record.Authorization != "Bearer session-token" {
		t.Errorf("expected session token attached, got %q", record.Authorization)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/users", nil)
	r.Header.Set("Authorization", "Bearer browser-token")
	f.Forward(r, "/api/users")
	if record.Authorization != "Bearer browser-token" {
		t.Errorf("inbound header must win, got %q", record.Authorization)
	}
}

func TestForwardConfigMissingSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	var record recordedRequest
	upstream := recordingUpstream(t, http.StatusOK, `{}`, &calls, &record)
	defer upstream.Close()

	f := NewForwarder("")

	r := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	envelope := f.Forward(r, "/api/documents")

	if envelope.Status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", envelope.Status)
	}
	if envelope.Kind != KindConfigMissing {
		t.Errorf("expected kind ConfigMissing, got %s", envelope.Kind)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no upstream calls, got %d", calls.Load())
	}
}

func TestForwardUnreachable(t *testing.T) {
	f := NewForwarder("http://127.0.0.1:1")

	r := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	envelope := f.Forward(r, "/api/documents")

	if envelope.Status != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", envelope.Status)
	}
	if envelope.Kind != KindUnreachable {
		t.Errorf("expected kind Unreachable, got %s", envelope.Kind)
	}
	if !strings.Contains(envelope.Message, "http://127.0.0.1:1") {
		t.Errorf("diagnostic must name the configured base address, got %q", envelope.Message)
	}
}

func TestForwardDeleteWithoutBody(t *testing.T) {
	var calls atomic.Int32
	var record recordedRequest
	upstream := recordingUpstream(t, http.StatusNoContent, "", &calls, &record)
	defer upstream.Close()

	f := NewForwarder(upstream.URL)

	r := httptest.NewRequest(http.MethodDelete, "/api/admin/users/7", nil)
	envelope := f.Forward(r, "/api/admin/users/7")

	if envelope.Status != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", envelope.Status)
	}
	if record.Body != "" {
		t.Errorf("expected empty forwarded body, got %q", record.Body)
	}
	if record.ContentType != "" {
		t.Errorf("expected empty Content-Type, got %q", record.ContentType)
	}
}

func TestForwardBodyAndIfMatchVerbatim(t *testing.T) {
	var calls atomic.Int32
	var record recordedRequest
	upstream := recordingUpstream(t, http.StatusOK, `{"ok":true}`, &calls, &record)
	defer upstream.Close()

	f := NewForwarder(upstream.URL)

	r := httptest.NewRequest(http.MethodPatch, "/api/documents/42", strings.NewReader(`{"title":"new"}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("If-Match", `"v41"`)
	envelope := f.Forward(r, "/api/documents/42")

	if record.Body != `{"title":"new"}` {
		t.Errorf("body not forwarded verbatim: %q", record.Body)
	}
	if record.IfMatch != `"v41"` {
		t.Errorf("If-Match not forwarded verbatim: %q", record.IfMatch)
	}
	if got := envelope.Header.Get("ETag"); got != `"v42"` {
		t.Errorf("expected upstream ETag copied through, got %q", got)
	}
}

func TestForwardParseFailureIsNonFatal(t *testing.T) {
	var calls atomic.Int32
	var record recordedRequest
	upstream := recordingUpstream(t, http.StatusOK, "<html>not json</html>", &calls, &record)
	defer upstream.Close()

	f := NewForwarder(upstream.URL)

	r := httptest.NewRequest(http.MethodGet, "/api/reports", nil)
	envelope := f.Forward(r, "/api/reports")

	if envelope.Status != http.StatusOK {
		t.Errorf("upstream status must be honored, got %d", envelope.Status)
	}
	if envelope.Kind != KindParseFailure {
		t.Errorf("expected kind ParseFailure, got %s", envelope.Kind)
	}
	if payload, ok := envelope.Payload.(map[string]any); !ok || len(payload) != 0 {
		t.Errorf("expected empty object payload, got %v", envelope.Payload)
	}
	if string(envelope.Body) != "<html>not json</html>" {
		t.Errorf("raw body must be preserved, got %q", envelope.Body)
	}
}

func TestForwardArrayBodyParsesCleanly(t *testing.T) {
	var calls atomic.Int32
	var record recordedRequest
	upstream := recordingUpstream(t, http.StatusOK, `[{"id":"1"},{"id":"2"}]`, &calls, &record)
	defer upstream.Close()

	f := NewForwarder(upstream.URL)

	r := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	envelope := f.Forward(r, "/api/tags")

	if envelope.Kind != KindNone {
		t.Errorf("a JSON array body is valid JSON, got kind %s", envelope.Kind)
	}
	items, ok := envelope.Payload.([]any)
	if !ok {
		t.Fatalf("expected array payload, got %T", envelope.Payload)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %d", len(items))
	}
}

func TestForwardUpstreamErrorPassthrough(t *testing.T) {
	var calls atomic.Int32
	var record recordedRequest
	upstream := recordingUpstream(t, http.StatusNotFound, `{"success":false}`, &calls, &record)
	defer upstream.Close()

	f := NewForwarder(upstream.URL)

	r := httptest.NewRequest(http.MethodGet, "/api/documents/999", nil)
	envelope := f.Forward(r, "/api/documents/999")

	if envelope.Status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", envelope.Status)
	}
	if envelope.Kind != KindNone {
		t.Errorf("upstream errors are not forwarder errors, got kind %s", envelope.Kind)
	}
	if string(envelope.Body) != `{"success":false}` {
		t.Errorf("expected exact upstream body, got %q", envelope.Body)
	}
}

func TestForwardTokenFuncFailureForwardsWithoutCredentials(t *testing.T) {
	var calls atomic.Int32
	var record recordedRequest
	upstream := recordingUpstream(t, http.StatusUnauthorized, `{}`, &calls, &record)
	defer upstream.Close()

	f := NewForwarder(upstream.URL, WithTokenFunc(func(ctx context.Context) (string, error) {
		return "", errors.New("no active session")
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	envelope := f.Forward(r, "/api/users")

	if envelope.Status != http.StatusUnauthorized {
		t.Errorf("expected upstream 401 mirrored, got %d", envelope.Status)
	}
	if record.Authorization != "" {
		t.Errorf("expected request without credentials, got %q", record.Authorization)
	}
}
