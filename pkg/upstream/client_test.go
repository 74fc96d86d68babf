package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stubSolver struct {
	token string
	calls int
}

func (s *stubSolver) Solve(_ context.Context, userAgent string) (string, error) {
	if userAgent == "" {
		return "", errors.New("missing user agent")
	}
	s.calls++
	return s.token, nil
}

type stubGovernor struct {
	admits  int
	limited time.Duration
}

func (g *stubGovernor) Admit(context.Context) error { g.admits++; return nil }
func (g *stubGovernor) MarkLimited(d time.Duration) { g.limited = d }

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *stubSolver, *stubGovernor, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	solver := &stubSolver{token: "tok-123"}
	gov := &stubGovernor{}
	return NewClient(srv.URL, srv.Client(), solver, gov), solver, gov, srv.Close
}

func chatHandler(t *testing.T, lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/duckchat/v1/chat" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("x-vqd-hash-1"); got != "tok-123" {
			t.Fatalf("missing challenge token, got %q", got)
		}
		if r.Header.Get("User-Agent") == "" {
			t.Fatalf("missing user agent")
		}
		var payload struct {
			Model    string    `json:"model"`
			Messages []Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode chat payload: %v", err)
		}
		if payload.Model == "" || len(payload.Messages) == 0 {
			t.Fatalf("incomplete chat payload: %+v", payload)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
		}
	}
}

func TestChatConcatenatesFragments(t *testing.T) {
	lines := []string{
		`data: {"message":"Hi"}`,
		`: keepalive comment`,
		`data: {"message":" there"}`,
		`data: not-even-json`,
		`data: {"message":"!"}`,
		`data: [DONE]`,
	}
	client, solver, gov, done := newTestClient(t, chatHandler(t, lines))
	defer done()

	text, err := client.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if text != "Hi there!" {
		t.Fatalf("unexpected text: %q", text)
	}
	if gov.admits != 1 {
		t.Fatalf("expected exactly one governor admission, got %d", gov.admits)
	}
	if solver.calls != 1 {
		t.Fatalf("expected exactly one token solve, got %d", solver.calls)
	}
}

func TestChatStreamDeliversFragmentsInOrder(t *testing.T) {
	lines := []string{
		`data: {"message":"Hi"}`,
		`data: {"message":" there"}`,
		`data: {"message":"!"}`,
		`data: [DONE]`,
	}
	client, _, _, done := newTestClient(t, chatHandler(t, lines))
	defer done()

	var got []string
	err := client.ChatStream(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hello"}}, func(fragment string) error {
		got = append(got, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	want := []string{"Hi", " there", "!"}
	if len(got) != len(want) {
		t.Fatalf("fragment count: got %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fragment %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRateLimitedResponseSurfaces(t *testing.T) {
	client, _, gov, done := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer done()

	_, err := client.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "x"}})
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.RetryAfter != 17*time.Second {
		t.Fatalf("retry-after: got %v, want 17s", rle.RetryAfter)
	}
	if gov.limited != 17*time.Second {
		t.Fatalf("governor not told about the limit: %v", gov.limited)
	}
}

func TestRateLimitedDefaultsRetryAfter(t *testing.T) {
	client, _, _, done := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer done()

	_, err := client.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "x"}})
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.RetryAfter != 60*time.Second {
		t.Fatalf("missing header must default to 60s, got %v", rle.RetryAfter)
	}
}

func TestErrorActionPayloadIsFatal(t *testing.T) {
	lines := []string{
		`data: {"action":"error","status":418,"type":"ERR_CONVERSATION_LIMIT"}`,
	}
	client, _, _, done := newTestClient(t, chatHandler(t, lines))
	defer done()

	_, err := client.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "x"}})
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError for error action, got %v", err)
	}
	if ue.ErrType != "ERR_CONVERSATION_LIMIT" {
		t.Fatalf("error type not carried: %+v", ue)
	}
}

func TestBareErrorObjectIsFatal(t *testing.T) {
	client, _, _, done := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"action":"error","status":400,"type":"ERR_INVALID_MODEL"}`))
	})
	defer done()

	_, err := client.Chat(context.Background(), "bogus-model", []Message{{Role: "user", Content: "x"}})
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError for bare error body, got %v", err)
	}
}

func TestNonSuccessStatusIsUpstreamError(t *testing.T) {
	client, _, _, done := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone fishing", http.StatusServiceUnavailable)
	})
	defer done()

	_, err := client.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "x"}})
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d", ue.StatusCode)
	}
}

func TestRandomUserAgentLooksLikeABrowser(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		ua := RandomUserAgent()
		if ua == "" {
			t.Fatalf("empty user agent")
		}
		if len(ua) < len("Mozilla/5.0") || ua[:len("Mozilla/5.0")] != "Mozilla/5.0" {
			t.Fatalf("user agent does not look like a browser: %q", ua)
		}
		seen[ua] = true
	}
	if len(seen) < 2 {
		t.Fatalf("user agents are not randomized")
	}
}
