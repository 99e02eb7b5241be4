package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type stubGenerator struct {
	reply string
	calls atomic.Int32
}

func (s *stubGenerator) GenerateText(_ context.Context, _, _ string) (string, error) {
	s.calls.Add(1)
	return s.reply, nil
}

func newTestClient(t *testing.T, baseURL string, fallback TextGenerator) *AssistantClient {
	t.Helper()
	c, err := NewAssistantClient(AssistantConfig{
		BaseURL:      baseURL,
		APIKey:       "sk-test",
		AssistantID:  "asst_1",
		Model:        "gpt-4o-mini",
		PollInterval: time.Millisecond,
		PollBudget:   20,
		Fallback:     fallback,
	})
	if err != nil {
		t.Fatalf("new assistant client: %v", err)
	}
	return c
}

func TestCreateThread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("OpenAI-Beta"); got != "assistants=v2" {
			t.Errorf("missing assistants beta header, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "thread_123"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	id, err := c.CreateThread(context.Background())
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if id != "thread_123" {
		t.Fatalf("unexpected thread id %q", id)
	}
}

func TestAskHappyPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg_1"})
	})
	mux.HandleFunc("POST /threads/thread_1/runs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["assistant_id"] != "asst_1" {
			t.Errorf("expected assistant_id run, got %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run_1", "status": "queued"})
	})
	mux.HandleFunc("GET /threads/thread_1/runs/run_1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run_1", "status": "completed"})
	})
	mux.HandleFunc("GET /threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"role": "assistant",
					"content": []map[string]any{
						{"type": "text", "text": map[string]string{"value": "olá!"}},
					},
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	reply, err := c.Ask(context.Background(), "thread_1", "oi")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if reply != "olá!" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestAskWaitsOutActiveRun(t *testing.T) {
	var msgPosts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		if msgPosts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Thread already has an active run run_9."}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg_1"})
	})
	mux.HandleFunc("GET /threads/thread_1/runs/run_9", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run_9", "status": "completed"})
	})
	mux.HandleFunc("POST /threads/thread_1/runs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run_2", "status": "queued"})
	})
	mux.HandleFunc("GET /threads/thread_1/runs/run_2", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run_2", "status": "completed"})
	})
	mux.HandleFunc("GET /threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"role": "assistant",
					"content": []map[string]any{
						{"type": "text", "text": map[string]string{"value": "pronto"}},
					},
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	reply, err := c.Ask(context.Background(), "thread_1", "oi")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if reply != "pronto" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if msgPosts.Load() != 2 {
		t.Fatalf("expected message post retry, got %d posts", msgPosts.Load())
	}
}

func TestAskFallsBackWhenRunFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg_1"})
	})
	mux.HandleFunc("POST /threads/thread_1/runs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run_1", "status": "queued"})
	})
	mux.HandleFunc("GET /threads/thread_1/runs/run_1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run_1", "status": "failed"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fallback := &stubGenerator{reply: "resposta alternativa"}
	c := newTestClient(t, srv.URL, fallback)
	reply, err := c.Ask(context.Background(), "thread_1", "oi")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if reply != "resposta alternativa" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if fallback.calls.Load() != 1 {
		t.Fatalf("expected one fallback call, got %d", fallback.calls.Load())
	}
}

func TestAskFallsBackToModelRun(t *testing.T) {
	var runPosts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg_1"})
	})
	mux.HandleFunc("POST /threads/thread_1/runs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if runPosts.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"No assistant found"}}`))
			return
		}
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("expected model run, got %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run_1", "status": "queued"})
	})
	mux.HandleFunc("GET /threads/thread_1/runs/run_1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run_1", "status": "completed"})
	})
	mux.HandleFunc("GET /threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"role": "assistant",
					"content": []map[string]any{
						{"type": "text", "text": map[string]string{"value": "ok"}},
					},
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	reply, err := c.Ask(context.Background(), "thread_1", "oi")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if reply != "ok" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if runPosts.Load() != 2 {
		t.Fatalf("expected run retry with model, got %d posts", runPosts.Load())
	}
}
