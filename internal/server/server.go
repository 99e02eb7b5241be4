// Package server exposes the webhook and health HTTP endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"lunabot/internal/app"
	"lunabot/internal/util"
)

const webhookTokenHeader = "X-Webhook-Token"

// DefaultInboundTimeout bounds one webhook's pipeline run. The http server's
// write timeout must stay above it so a slow assistant degrades to the
// canned apology instead of a dropped response and a provider retry.
const DefaultInboundTimeout = 25 * time.Second

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	WebhookToken   string
	TrustedProxies *util.TrustedProxies
	// InboundTimeout overrides DefaultInboundTimeout when positive.
	InboundTimeout time.Duration
}

// Server handles provider webhooks for inbound WhatsApp messages.
type Server struct {
	app           *app.App
	token         string
	trusted       *util.TrustedProxies
	inboundBudget time.Duration
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	budget := cfg.InboundTimeout
	if budget <= 0 {
		budget = DefaultInboundTimeout
	}
	s := &Server{
		app:           cfg.App,
		token:         cfg.WebhookToken,
		trusted:       cfg.TrustedProxies,
		inboundBudget: budget,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(s.trusted, util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	// Both forms are registered so providers that keep or drop the
	// trailing slash never see a 301.
	s.mux.Handle("/webhook", s.withToken(s.handleWebhook))
	s.mux.Handle("/webhook/", s.withToken(s.handleWebhook))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withToken enforces the shared webhook secret. The token may arrive in the
// X-Webhook-Token header, a token query parameter, or the Meta-style
// hub.verify_token parameter.
func (s *Server) withToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No configured token means no token check, matching deployments
		// that lock the endpoint down at the network layer instead.
		if s.token == "" {
			next(w, r)
			return
		}
		provided := r.Header.Get(webhookTokenHeader)
		if provided == "" {
			provided = r.URL.Query().Get("token")
		}
		if provided == "" {
			provided = r.URL.Query().Get("hub.verify_token")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.token)) != 1 {
			writeError(w, http.StatusForbidden, "invalid webhook token")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		s.handleVerify(w, r)
	case http.MethodPost:
		s.handleInbound(w, r)
	default:
		methodNotAllowed(w)
	}
}

// handleVerify answers provider liveness checks. A Meta-style subscription
// handshake echoes hub.challenge back as plain text.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if challenge := r.URL.Query().Get("hub.challenge"); challenge != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleInbound processes a webhook delivery. Malformed or unusable payloads
// still get a 200 so the provider does not retry them forever.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	logger := util.LoggerFromContext(r.Context())

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"received": false, "reason": "invalid JSON"})
		return
	}

	ev, ok := app.ExtractEvent(payload)
	if !ok {
		logger.Warn("webhook payload without usable phone")
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "note": "no phone"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.inboundBudget)
	defer cancel()

	res, err := s.app.HandleEvent(ctx, ev)
	if err != nil {
		logger.Error("inbound pipeline failed", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "note": "processing error"})
		return
	}
	if res.Status == app.StatusRateLimited {
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "note": "rate limited"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
