// Package whatsapp sends messages to WhatsApp users through a Uazapi
// instance.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultSendTextPath  = "/send/text"
	defaultSendMediaPath = "/send/media"
)

// APIError represents a Uazapi error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("uazapi: status %d: %s", e.Status, e.Message)
}

// Config configures the Uazapi client. SendTextPath and SendMediaPath can be
// overridden for installations with non-standard endpoint layouts.
type Config struct {
	BaseURL       string
	Token         string
	SendTextPath  string
	SendMediaPath string
	HTTPClient    *http.Client
}

// Client implements Sender against the Uazapi HTTP API.
type Client struct {
	baseURL       string
	token         string
	sendTextPath  string
	sendMediaPath string
	httpClient    *http.Client
}

// NewClient validates config and constructs a Uazapi client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("uazapi base url required")
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("uazapi token required")
	}
	textPath := strings.TrimSpace(cfg.SendTextPath)
	if textPath == "" {
		textPath = defaultSendTextPath
	}
	mediaPath := strings.TrimSpace(cfg.SendMediaPath)
	if mediaPath == "" {
		mediaPath = defaultSendMediaPath
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:       baseURL,
		token:         token,
		sendTextPath:  textPath,
		sendMediaPath: mediaPath,
		httpClient:    httpClient,
	}, nil
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	return c.post(ctx, c.sendTextPath, map[string]string{
		"chatId": phone,
		"text":   text,
	})
}

// SendMedia delivers a media message with an optional caption.
func (c *Client) SendMedia(ctx context.Context, phone, fileURL, caption, mimeType string) error {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return c.post(ctx, c.sendMediaPath, map[string]string{
		"chatId":   phone,
		"fileUrl":  fileURL,
		"caption":  caption,
		"mimeType": mimeType,
	})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uazapi request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Message
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	return nil
}
