package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lunabot/internal/app"
	"lunabot/pkg/store"
)

type stubAssistant struct{}

func (stubAssistant) CreateThread(context.Context) (string, error) { return "thread_test", nil }
func (stubAssistant) Ask(context.Context, string, string) (string, error) {
	return "resposta do assistente", nil
}

// stallingAssistant never answers before the request deadline.
type stallingAssistant struct{}

func (stallingAssistant) CreateThread(context.Context) (string, error) { return "thread_slow", nil }
func (stallingAssistant) Ask(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	a := &app.App{Store: st, Assistant: stubAssistant{}}
	return New(Config{App: a, WebhookToken: "secret"}), st
}

func doRequest(t *testing.T, s *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestWebhookRejectsBadToken(t *testing.T) {
	s, _ := newTestServer(t)
	for _, method := range []string{http.MethodHead, http.MethodGet, http.MethodPost} {
		rec := doRequest(t, s, method, "/webhook", "", map[string]string{"X-Webhook-Token": "wrong"})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s with bad token: status = %d, want 403", method, rec.Code)
		}
	}
	if rec := doRequest(t, s, http.MethodGet, "/webhook", "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("missing token: status = %d, want 403", rec.Code)
	}
}

func TestWebhookTokenSources(t *testing.T) {
	s, _ := newTestServer(t)
	cases := []struct {
		name   string
		target string
		header map[string]string
	}{
		{"header", "/webhook", map[string]string{"X-Webhook-Token": "secret"}},
		{"query", "/webhook?token=secret", nil},
		{"hub_verify_token", "/webhook?hub.verify_token=secret", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodGet, tc.target, "", tc.header)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
		})
	}
}

func TestWebhookWithoutConfiguredTokenAcceptsAll(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(Config{App: &app.App{Store: st, Assistant: stubAssistant{}}})

	if rec := doRequest(t, s, http.MethodGet, "/webhook", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("tokenless request: status = %d, want 200", rec.Code)
	}
	rec := doRequest(t, s, http.MethodGet, "/webhook?token=whatever", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("request carrying a token: status = %d, want 200", rec.Code)
	}
}

func TestWebhookPostSlowAssistantStillAnswers200(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(Config{
		App:            &app.App{Store: st, Assistant: stallingAssistant{}},
		WebhookToken:   "secret",
		InboundTimeout: 50 * time.Millisecond,
	})

	payload := `{"chatId": "5511999990000@c.us", "text": "oi"}`
	rec := doRequest(t, s, http.MethodPost, "/webhook?token=secret", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 so provider does not retry", rec.Code)
	}
	if body := decodeBody(t, rec); body["received"] != true {
		t.Fatalf("body = %v", body)
	}

	user, ok, err := st.GetUserByPhone("5511999990000")
	if err != nil || !ok {
		t.Fatalf("user not created: ok=%v err=%v", ok, err)
	}
	msgs, err := st.ListMessages(user.ID, 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("messages = %d err=%v, want inbound and reply", len(msgs), err)
	}
	if msgs[1].Content != "Desculpe, não consegui processar sua mensagem agora." {
		t.Fatalf("reply = %q, want the canned apology", msgs[1].Content)
	}
}

func TestWebhookVerifyEchoesChallenge(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/webhook?token=secret&hub.challenge=12345", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type = %q, want text/plain", ct)
	}
	if rec.Body.String() != "12345" {
		t.Fatalf("body = %q, want challenge echoed", rec.Body.String())
	}
}

func TestWebhookHeadOK(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodHead, "/webhook/", "", map[string]string{"X-Webhook-Token": "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestWebhookPostInvalidJSON(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/webhook?token=secret", "{not json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 so provider does not retry", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["received"] != false {
		t.Fatalf("body = %v, want received=false", body)
	}
}

func TestWebhookPostNoPhone(t *testing.T) {
	s, st := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/webhook?token=secret", `{"hello":"world"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["note"] != "no phone" {
		t.Fatalf("body = %v", body)
	}
	if n, _ := st.UserCount(); n != 0 {
		t.Fatalf("no user should be created, got %d", n)
	}
}

func TestWebhookPostHappyPath(t *testing.T) {
	s, st := newTestServer(t)
	payload := `{"chatId": "5511999990000@c.us", "text": "oi"}`
	rec := doRequest(t, s, http.MethodPost, "/webhook/?token=secret", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["received"] != true {
		t.Fatalf("body = %v", body)
	}

	user, ok, err := st.GetUserByPhone("5511999990000")
	if err != nil || !ok {
		t.Fatalf("user not created: ok=%v err=%v", ok, err)
	}
	msgs, err := st.ListMessages(user.ID, 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("messages = %d err=%v, want inbound and reply", len(msgs), err)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header from middleware chain")
	}
}
