package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	headerDeliveryID = "X-Escrow-Delivery"
	headerEventType  = "X-Escrow-Event"
	headerSignature  = "X-Escrow-Signature"
)

// WebhookDelivery is one attempt envelope. DeliveryID stays stable across
// retries so receivers can deduplicate.
type WebhookDelivery struct {
	DeliveryID string
	Event      NodeEvent
	Target     *WebhookSubscription
	Attempt    int
	NotBefore  time.Time
}

// WebhookDispatcher posts events to subscribed endpoints, retrying failed
// deliveries with exponential backoff.
type WebhookDispatcher struct {
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	baseBackoff time.Duration
	nowFn       func() time.Time

	mu      sync.Mutex
	pending []WebhookDelivery
	wake    chan struct{}
}

func NewWebhookDispatcher(logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		maxAttempts: 5,
		baseBackoff: 2 * time.Second,
		nowFn:       time.Now,
		wake:        make(chan struct{}, 1),
	}
}

// Enqueue schedules an event for delivery to each subscription.
func (d *WebhookDispatcher) Enqueue(event NodeEvent, subs []*WebhookSubscription) {
	if len(subs) == 0 {
		return
	}
	d.mu.Lock()
	for _, sub := range subs {
		d.pending = append(d.pending, WebhookDelivery{
			DeliveryID: uuid.NewString(),
			Event:      event,
			Target:     sub,
			Attempt:    1,
			NotBefore:  d.nowFn(),
		})
	}
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.drain(ctx)
	}
}

func (d *WebhookDispatcher) drain(ctx context.Context) {
	now := d.nowFn()
	d.mu.Lock()
	var due, later []WebhookDelivery
	for _, delivery := range d.pending {
		if delivery.NotBefore.After(now) {
			later = append(later, delivery)
			continue
		}
		due = append(due, delivery)
	}
	d.pending = later
	d.mu.Unlock()

	for _, delivery := range due {
		if ctx.Err() != nil {
			return
		}
		if err := d.deliver(ctx, delivery); err != nil {
			d.retry(delivery, err)
		}
	}
}

func (d *WebhookDispatcher) retry(delivery WebhookDelivery, cause error) {
	if delivery.Attempt >= d.maxAttempts {
		d.logger.Error("webhook delivery abandoned",
			"delivery", delivery.DeliveryID,
			"url", delivery.Target.URL,
			"attempts", delivery.Attempt,
			"err", cause)
		return
	}
	backoff := d.baseBackoff << (delivery.Attempt - 1)
	delivery.Attempt++
	delivery.NotBefore = d.nowFn().Add(backoff)
	d.logger.Warn("webhook delivery failed, retrying",
		"delivery", delivery.DeliveryID,
		"url", delivery.Target.URL,
		"attempt", delivery.Attempt,
		"backoff", backoff,
		"err", cause)
	d.mu.Lock()
	d.pending = append(d.pending, delivery)
	d.mu.Unlock()
}

func (d *WebhookDispatcher) deliver(ctx context.Context, delivery WebhookDelivery) error {
	payload, err := json.Marshal(map[string]interface{}{
		"deliveryId": delivery.DeliveryID,
		"sequence":   delivery.Event.Sequence,
		"type":       delivery.Event.Type,
		"attributes": delivery.Event.Attributes,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.Target.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDeliveryID, delivery.DeliveryID)
	req.Header.Set(headerEventType, delivery.Event.Type)
	req.Header.Set(headerSignature, signPayload(delivery.Target.Secret, payload))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NodeError{Code: resp.StatusCode, Message: "webhook endpoint returned non-2xx"}
	}
	return nil
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// EventPoller pulls ledger events from the node and fans them out to
// webhook subscribers, persisting its cursor so restarts resume cleanly.
type EventPoller struct {
	node       NodeClient
	store      *SQLiteStore
	dispatcher *WebhookDispatcher
	interval   time.Duration
	logger     *slog.Logger
}

const eventCursorName = "ledger-events"

func NewEventPoller(node NodeClient, store *SQLiteStore, dispatcher *WebhookDispatcher, interval time.Duration, logger *slog.Logger) *EventPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPoller{node: node, store: store, dispatcher: dispatcher, interval: interval, logger: logger}
}

func (p *EventPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("event poll failed", "err", err)
			}
		}
	}
}

func (p *EventPoller) poll(ctx context.Context) error {
	cursor, err := p.store.EventCursor(ctx, eventCursorName)
	if err != nil {
		return err
	}
	evts, err := p.node.FetchEvents(ctx, cursor, 100)
	if err != nil {
		return err
	}
	for _, evt := range evts {
		subs, err := p.store.ActiveWebhooks(ctx, evt.Type)
		if err != nil {
			return err
		}
		p.dispatcher.Enqueue(evt, subs)
		cursor = evt.Sequence
	}
	if len(evts) > 0 {
		return p.store.SetEventCursor(ctx, eventCursorName, cursor)
	}
	return nil
}
