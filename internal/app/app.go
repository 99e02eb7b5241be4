// Package app holds the inbound message pipeline: payload extraction,
// user bootstrap, persistence, assistant round-trip and reply enqueue.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"lunabot/internal/util"
	"lunabot/pkg/domain"
	"lunabot/pkg/nlu"
	"lunabot/pkg/queue"
	"lunabot/pkg/store"
)

const (
	fallbackReply = "Desculpe, não consegui processar sua mensagem agora."
	mediaAckReply = "Arquivo recebido com sucesso. Já estou processando! ✅"
)

// Assistant produces replies bound to a provider-side conversation thread.
type Assistant interface {
	CreateThread(ctx context.Context) (string, error)
	Ask(ctx context.Context, threadID, userMessage string) (string, error)
}

// Enqueuer hands a stored outbound message to the delivery workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, messageID int64, phone string) (queue.Delivery, error)
}

// MediaOffloader re-hosts provider media on our own storage.
type MediaOffloader interface {
	OffloadFromURL(ctx context.Context, key, srcURL string) (string, error)
}

// Limiter caps inbound traffic per phone.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Sender pushes outbound messages to the WhatsApp provider.
type Sender interface {
	SendText(ctx context.Context, phone, text string) error
	SendMedia(ctx context.Context, phone, fileURL, caption, mimeType string) error
}

// Result summarizes how an inbound event was handled.
type Result struct {
	Status   string `json:"status"`
	UserID   int64  `json:"userId,omitempty"`
	ReplyID  int64  `json:"replyId,omitempty"`
	Delivery string `json:"delivery,omitempty"`
}

const (
	StatusHandled     = "handled"
	StatusRateLimited = "rate_limited"
)

// App wires the pipeline dependencies. Offloader and Limiter are optional.
type App struct {
	Store     store.Store
	Assistant Assistant
	Queue     Enqueuer
	Sender    Sender
	Offloader MediaOffloader
	Limiter   Limiter

	threadGroup singleflight.Group
}

// Deliver runs as the queue worker callback: it loads the stored outbound
// message and pushes it to the provider. A missing message is dropped rather
// than retried.
func (a *App) Deliver(ctx context.Context, d queue.Delivery) error {
	msg, ok, err := a.Store.GetMessage(d.MessageID)
	if err != nil {
		return fmt.Errorf("load message %d: %w", d.MessageID, err)
	}
	if !ok {
		util.LoggerFromContext(ctx).Warn("delivery references missing message", "message_id", d.MessageID)
		return nil
	}
	if msg.MediaType != domain.MediaText && msg.MediaURL != "" {
		return a.Sender.SendMedia(ctx, d.Phone, msg.MediaURL, msg.Content, "")
	}
	return a.Sender.SendText(ctx, d.Phone, msg.Content)
}

// HandleEvent runs the full inbound pipeline for one extracted event.
// The caller has already verified the webhook token and extracted the event.
func (a *App) HandleEvent(ctx context.Context, ev domain.Event) (Result, error) {
	logger := util.LoggerFromContext(ctx).With("phone", ev.Phone)

	if a.Limiter != nil && !a.Limiter.Allow(ctx, ev.Phone) {
		logger.Warn("inbound rate limited")
		return Result{Status: StatusRateLimited}, nil
	}

	user, err := a.getOrCreateUser(ev.Phone, ev.PushName)
	if err != nil {
		return Result{}, fmt.Errorf("get or create user: %w", err)
	}

	mediaURL := ev.MediaURL
	if mediaURL != "" && a.Offloader != nil {
		key := fmt.Sprintf("media/%d/%s", user.ID, util.NewID())
		hosted, err := a.Offloader.OffloadFromURL(ctx, key, mediaURL)
		if err != nil {
			logger.Warn("media offload failed, keeping provider url", "error", err)
		} else {
			mediaURL = hosted
		}
	}

	inbound := domain.Message{
		UserID:    user.ID,
		Sender:    domain.SenderUser,
		MediaType: ev.MediaType,
		MediaURL:  mediaURL,
		Payload:   ev.Raw,
	}
	if ev.IsText() {
		inbound.Content = ev.Text
	}
	if _, err := a.Store.AppendMessage(inbound); err != nil {
		return Result{}, fmt.Errorf("persist inbound message: %w", err)
	}

	replyText := mediaAckReply
	if ev.IsText() {
		replyText = a.answer(ctx, user, ev.Text)
	}

	outbound, err := a.Store.AppendMessage(domain.Message{
		UserID:    user.ID,
		Sender:    domain.SenderAssistant,
		Content:   replyText,
		MediaType: domain.MediaText,
	})
	if err != nil {
		return Result{}, fmt.Errorf("persist outbound message: %w", err)
	}

	res := Result{Status: StatusHandled, UserID: user.ID, ReplyID: outbound.ID}
	if a.Queue != nil {
		// The reply is already stored; the enqueue must survive a request
		// deadline that the assistant round-trip exhausted.
		d, err := a.Queue.Enqueue(context.WithoutCancel(ctx), outbound.ID, ev.Phone)
		if err != nil {
			logger.Error("enqueue delivery failed", "message_id", outbound.ID, "error", err)
		} else {
			res.Delivery = d.ID
		}
	}
	return res, nil
}

// answer runs the assistant round-trip. Every failure degrades to the canned
// apology so the contact always hears back.
func (a *App) answer(ctx context.Context, user domain.User, text string) string {
	logger := util.LoggerFromContext(ctx).With("user_id", user.ID)

	threadID, err := a.ensureThread(ctx, user)
	if err != nil {
		logger.Error("ensure thread failed", "error", err)
		return fallbackReply
	}

	prompt := text
	if format := nlu.ExtractFormat(text); format != "" {
		prompt = fmt.Sprintf("%s\n\n[formato_detectado: %s]", text, format)
	}

	reply, err := a.Assistant.Ask(ctx, threadID, prompt)
	if err != nil || strings.TrimSpace(reply) == "" {
		if err != nil {
			logger.Error("assistant ask failed", "error", err)
		}
		return fallbackReply
	}
	return reply
}

// ensureThread returns the user's assistant thread, creating one on first
// contact. Concurrent webhooks for the same phone share a single create.
func (a *App) ensureThread(ctx context.Context, user domain.User) (string, error) {
	if user.ThreadID != "" {
		return user.ThreadID, nil
	}
	v, err, _ := a.threadGroup.Do(user.Phone, func() (any, error) {
		// Re-read: another request may have created the thread already.
		fresh, ok, err := a.Store.GetUserByID(user.ID)
		if err != nil {
			return "", err
		}
		if ok && fresh.ThreadID != "" {
			return fresh.ThreadID, nil
		}
		threadID, err := a.Assistant.CreateThread(ctx)
		if err != nil {
			return "", err
		}
		if err := a.Store.SetUserThread(user.ID, threadID); err != nil {
			return "", err
		}
		return threadID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *App) getOrCreateUser(phone, name string) (domain.User, error) {
	user, ok, err := a.Store.GetUserByPhone(phone)
	if err != nil {
		return domain.User{}, err
	}
	if ok {
		return user, nil
	}
	created, err := a.Store.CreateUser(domain.User{Phone: phone, Name: name})
	if err == nil {
		return created, nil
	}
	// Lost the race to a concurrent webhook for the same phone.
	if errors.Is(err, store.ErrPhoneTaken) {
		user, ok, lookupErr := a.Store.GetUserByPhone(phone)
		if lookupErr == nil && ok {
			return user, nil
		}
	}
	return domain.User{}, err
}
