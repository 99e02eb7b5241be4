package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultMaxMediaBytes = 32 << 20
	defaultPresignTTL    = 7 * 24 * time.Hour
)

// Offloader copies media from a provider URL into object storage and hands
// back a pre-signed URL to store on the message.
type Offloader struct {
	store      MediaStore
	httpClient *http.Client
	maxBytes   int64
	presignTTL time.Duration
}

// NewOffloader builds an Offloader over the given store.
func NewOffloader(store MediaStore, maxBytes int64, presignTTL time.Duration) *Offloader {
	if maxBytes <= 0 {
		maxBytes = defaultMaxMediaBytes
	}
	if presignTTL <= 0 {
		presignTTL = defaultPresignTTL
	}
	return &Offloader{
		store:      store,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxBytes:   maxBytes,
		presignTTL: presignTTL,
	}
}

// OffloadFromURL downloads the media at srcURL, stores it under key, and
// returns a pre-signed URL for it.
func (o *Offloader) OffloadFromURL(ctx context.Context, key, srcURL string) (string, error) {
	if o == nil || o.store == nil {
		return "", errors.New("media store not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch media: status %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, o.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > o.maxBytes {
		return "", fmt.Errorf("media exceeds %d bytes", o.maxBytes)
	}

	if err := o.store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return "", err
	}
	return o.store.PresignGet(ctx, key, o.presignTTL)
}
