// Package queue implements the outbound delivery queue on Redis Streams.
// Replies are enqueued after they are persisted; consumers send them through
// the WhatsApp API with bounded retries, so a provider hiccup never loses a
// reply that is already in the database.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Delivery tracks one outbound reply through the queue.
type Delivery struct {
	ID           string    `json:"id"`
	MessageID    int64     `json:"messageId"`
	Phone        string    `json:"phone"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Config for the Redis-backed delivery queue. Zero values fall back to
// sensible defaults.
type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
}

// DeliveryQueue is a Redis Streams queue with a consumer group. Stale
// pending entries are reclaimed with XAUTOCLAIM so a crashed consumer's
// deliveries are retried by its peers.
type DeliveryQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64

	once    sync.Once
	workers *errgroup.Group
}

// NewDeliveryQueue validates config and connects to Redis.
func NewDeliveryQueue(cfg Config) (*DeliveryQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "luna:deliveries"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "senders"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = uuid.NewString()
	}
	q := &DeliveryQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       cfg.JobTTL,
		maxRetries:   cfg.MaxRetries,
		block:        cfg.Block,
		claimIdle:    cfg.ClaimIdle,
		retryDelay:   cfg.RetryDelay,
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
	}
	if q.jobTTL <= 0 {
		q.jobTTL = 24 * time.Hour
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 3
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = 30 * time.Second
	}
	if q.retryDelay <= 0 {
		q.retryDelay = 2 * time.Second
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	if q.readCount <= 0 {
		q.readCount = 10
	}
	return q, nil
}

// Enqueue records a delivery and pushes it onto the stream.
func (q *DeliveryQueue) Enqueue(ctx context.Context, messageID int64, phone string) (Delivery, error) {
	phone = strings.TrimSpace(phone)
	if messageID <= 0 || phone == "" {
		return Delivery{}, errors.New("message id and phone required")
	}
	now := time.Now().UTC()
	d := Delivery{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Phone:     phone,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, d); err != nil {
		return Delivery{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: deliveryFields(d),
	}).Err(); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

// GetDelivery fetches the status hash for a delivery.
func (q *DeliveryQueue) GetDelivery(ctx context.Context, id string) (Delivery, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Delivery{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.statusKey(id)).Result()
	if err != nil {
		return Delivery{}, false, err
	}
	if len(data) == 0 {
		return Delivery{}, false, nil
	}
	return decodeDelivery(id, data), true, nil
}

// Start launches consumers. They stop when ctx is canceled; Wait blocks
// until all have returned.
func (q *DeliveryQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, Delivery) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		g.Go(func() error {
			q.consumeLoop(gctx, consumer, handler)
			return nil
		})
	}
	q.workers = g
}

// Wait blocks until all consumers started by Start have exited.
func (q *DeliveryQueue) Wait() {
	if q.workers != nil {
		_ = q.workers.Wait()
	}
}

func (q *DeliveryQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// surfaces on consume if the group really is missing
		}
	})
}

func (q *DeliveryQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, Delivery) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimStale(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *DeliveryQueue) claimStale(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *DeliveryQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Delivery) error) {
	id, _ := msg.Values["delivery_id"].(string)
	if id == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	d, err := q.markProcessing(ctx, id, msg.Values)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, d); err == nil {
		_ = q.setStatus(ctx, id, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	} else if d.Attempts >= q.maxRetries {
		_ = q.setStatus(ctx, id, StatusFailed, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	} else {
		_ = q.setStatus(ctx, id, StatusQueued, err.Error())
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, msg.Values)
}

func (q *DeliveryQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *DeliveryQueue) requeueAndAck(ctx context.Context, msgID string, values map[string]any) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: values,
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *DeliveryQueue) markProcessing(ctx context.Context, id string, values map[string]any) (Delivery, error) {
	d, ok, err := q.GetDelivery(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	if !ok {
		// status hash expired; rebuild from stream fields
		d = Delivery{ID: id, CreatedAt: time.Now().UTC()}
		if raw, _ := values["message_id"].(string); raw != "" {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				d.MessageID = n
			}
		}
		if phone, _ := values["phone"].(string); phone != "" {
			d.Phone = phone
		}
	}
	d.Attempts++
	d.Status = StatusProcessing
	d.UpdatedAt = time.Now().UTC()
	if err := q.writeStatus(ctx, d); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

func (q *DeliveryQueue) setStatus(ctx context.Context, id, status, errMsg string) error {
	d, ok, err := q.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	d.Status = status
	d.ErrorMessage = errMsg
	d.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, d)
}

func (q *DeliveryQueue) writeStatus(ctx context.Context, d Delivery) error {
	payload := map[string]any{
		"messageId": strconv.FormatInt(d.MessageID, 10),
		"phone":     d.Phone,
		"status":    d.Status,
		"error":     d.ErrorMessage,
		"attempts":  strconv.Itoa(d.Attempts),
		"createdAt": d.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": d.UpdatedAt.Format(time.RFC3339Nano),
	}
	key := q.statusKey(d.ID)
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *DeliveryQueue) statusKey(id string) string {
	return fmt.Sprintf("delivery:%s:%s", q.stream, id)
}

func deliveryFields(d Delivery) map[string]any {
	return map[string]any{
		"delivery_id": d.ID,
		"message_id":  strconv.FormatInt(d.MessageID, 10),
		"phone":       d.Phone,
	}
}

func decodeDelivery(id string, data map[string]string) Delivery {
	d := Delivery{ID: id}
	if v := data["messageId"]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			d.MessageID = n
		}
	}
	d.Phone = data["phone"]
	d.Status = data["status"]
	d.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d.Attempts = n
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		d.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		d.UpdatedAt = t
	}
	return d
}
