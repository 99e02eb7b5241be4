package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

var activeRunIDPattern = regexp.MustCompile(`(run_[a-zA-Z0-9]+)`)

// Terminal run states. requires_action is treated as a dead end because the
// bot registers no tools.
var terminalRunStatus = map[string]bool{
	"completed": true,
	"failed":    true,
	"expired":   true,
	"cancelled": true,
}

// AssistantConfig configures the Assistants v2 client.
type AssistantConfig struct {
	BaseURL         string // defaults to https://api.openai.com/v1
	APIKey          string
	AssistantID     string
	Model           string // run fallback when the assistant id is rejected
	RunInstructions string
	PollInterval    time.Duration
	PollBudget      int // poll iterations before giving up on a run
	Fallback        TextGenerator
	HTTPClient      *http.Client
}

// AssistantClient drives the OpenAI Assistants v2 API: one thread per user,
// messages appended to the thread, runs polled to completion. Requests for
// the same thread are serialized so two webhook deliveries cannot race a run.
type AssistantClient struct {
	baseURL         string
	apiKey          string
	assistantID     string
	model           string
	runInstructions string
	pollInterval    time.Duration
	pollBudget      int
	fallback        TextGenerator
	httpClient      *http.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAssistantClient validates config and builds the client.
func NewAssistantClient(cfg AssistantConfig) (*AssistantClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("assistant api key required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	pollBudget := cfg.PollBudget
	if pollBudget <= 0 {
		pollBudget = 60
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &AssistantClient{
		baseURL:         baseURL,
		apiKey:          strings.TrimSpace(cfg.APIKey),
		assistantID:     strings.TrimSpace(cfg.AssistantID),
		model:           strings.TrimSpace(cfg.Model),
		runInstructions: strings.TrimSpace(cfg.RunInstructions),
		pollInterval:    pollInterval,
		pollBudget:      pollBudget,
		fallback:        cfg.Fallback,
		httpClient:      httpClient,
		locks:           make(map[string]*sync.Mutex),
	}, nil
}

func (c *AssistantClient) lockFor(threadID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[threadID] = l
	}
	return l
}

// CreateThread creates a new assistant thread and returns its id.
func (c *AssistantClient) CreateThread(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	status, body, err := c.do(ctx, http.MethodPost, "/threads", map[string]any{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if status >= 400 {
		return "", fmt.Errorf("create thread: status %d: %s", status, truncate(body, 200))
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("create thread decode: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("create thread: no thread id in response")
	}
	return resp.ID, nil
}

// Ask appends the user message to the thread, runs the assistant, and returns
// the reply. Every failure path falls back to chat completions when a
// fallback generator is configured.
func (c *AssistantClient) Ask(ctx context.Context, threadID, userMessage string) (string, error) {
	lock := c.lockFor(threadID)
	lock.Lock()
	defer lock.Unlock()

	if err := c.postUserMessage(ctx, threadID, userMessage); err != nil {
		slog.Warn("assistant post message failed", "thread", threadID, "err", err)
	}

	runID, err := c.createRun(ctx, threadID)
	if err != nil || runID == "" {
		slog.Warn("assistant run not created, using fallback", "thread", threadID, "err", err)
		return c.chatFallback(ctx, userMessage)
	}

	status, err := c.pollRun(ctx, threadID, runID)
	if err != nil || status != "completed" {
		slog.Warn("assistant run did not complete", "thread", threadID, "run", runID, "status", status, "err", err)
		return c.chatFallback(ctx, userMessage)
	}

	reply, err := c.latestAssistantReply(ctx, threadID)
	if err != nil || reply == "" {
		slog.Warn("assistant reply fetch failed", "thread", threadID, "err", err)
		return c.chatFallback(ctx, userMessage)
	}
	return reply, nil
}

// postUserMessage appends the user message, waiting out an active run once.
func (c *AssistantClient) postUserMessage(ctx context.Context, threadID, text string) error {
	payload := map[string]any{
		"role":    "user",
		"content": []map[string]any{{"type": "text", "text": text}},
	}
	status, body, err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", payload)
	if err != nil {
		return err
	}
	if status == http.StatusBadRequest && hasActiveRun(body) {
		c.waitActiveRun(ctx, threadID, extractRunID(body))
		status, body, err = c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", payload)
		if err != nil {
			return err
		}
	}
	if status >= 400 {
		return fmt.Errorf("post message: status %d: %s", status, truncate(body, 200))
	}
	return nil
}

// createRun starts a run with the configured assistant id, retrying once
// after an active run settles and falling back to a model-only run when the
// assistant id is rejected.
func (c *AssistantClient) createRun(ctx context.Context, threadID string) (string, error) {
	payload := map[string]any{"assistant_id": c.assistantID}
	if c.runInstructions != "" {
		payload["instructions"] = c.runInstructions
	}
	status, body, err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", payload)
	if err != nil {
		return "", err
	}
	if status == http.StatusBadRequest && hasActiveRun(body) {
		c.waitActiveRun(ctx, threadID, extractRunID(body))
		status, body, err = c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", payload)
		if err != nil {
			return "", err
		}
	}
	if status >= 400 && c.model != "" {
		modelPayload := map[string]any{"model": c.model}
		if c.runInstructions != "" {
			modelPayload["instructions"] = c.runInstructions
		}
		status, body, err = c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", modelPayload)
		if err != nil {
			return "", err
		}
	}
	if status >= 400 {
		return "", fmt.Errorf("create run: status %d: %s", status, truncate(body, 200))
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("create run decode: %w", err)
	}
	return resp.ID, nil
}

// pollRun waits for the run to reach a terminal state within the poll budget.
func (c *AssistantClient) pollRun(ctx context.Context, threadID, runID string) (string, error) {
	for i := 0; i < c.pollBudget; i++ {
		status, body, err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil)
		if err != nil {
			return "", err
		}
		if status >= 400 {
			return "", fmt.Errorf("get run: status %d: %s", status, truncate(body, 200))
		}
		var resp struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("get run decode: %w", err)
		}
		if terminalRunStatus[resp.Status] || resp.Status == "requires_action" {
			return resp.Status, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return "", errors.New("run did not finish within poll budget")
}

// waitActiveRun blocks until the named run settles or the budget runs out.
// With no run id it just yields a few poll intervals so a finishing run can
// drain.
func (c *AssistantClient) waitActiveRun(ctx context.Context, threadID, runID string) {
	if runID == "" {
		for i := 0; i < 3; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pollInterval):
			}
		}
		return
	}
	for i := 0; i < c.pollBudget; i++ {
		status, body, err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil)
		if err != nil || status >= 400 {
			return
		}
		var resp struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return
		}
		if terminalRunStatus[resp.Status] {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pollInterval):
		}
	}
}

// latestAssistantReply returns the text of the newest assistant message.
func (c *AssistantClient) latestAssistantReply(ctx context.Context, threadID string) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages?limit=20", nil)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", fmt.Errorf("list messages: status %d: %s", status, truncate(body, 200))
	}
	var resp struct {
		Data []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("list messages decode: %w", err)
	}
	for _, m := range resp.Data {
		if m.Role != "assistant" {
			continue
		}
		for _, c := range m.Content {
			if c.Type == "text" && c.Text.Value != "" {
				return c.Text.Value, nil
			}
		}
	}
	return "", nil
}

func (c *AssistantClient) chatFallback(ctx context.Context, userMessage string) (string, error) {
	if c.fallback == nil {
		return "", errors.New("assistant unavailable and no fallback configured")
	}
	return c.fallback.GenerateText(ctx, c.runInstructions, userMessage)
}

// do performs an Assistants v2 request and returns status plus raw body.
func (c *AssistantClient) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func hasActiveRun(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "active run")
}

func extractRunID(body []byte) string {
	m := activeRunIDPattern.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
