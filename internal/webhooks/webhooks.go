// Package webhooks delivers marketplace events to subscriber endpoints.
//
// Users register webhook URLs to be notified about their transactions,
// offers, and disputes. Deliveries are signed with a per-subscription HMAC
// secret and sent asynchronously; a subscription that keeps failing is
// disabled rather than retried forever.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lucaspalermo/passback/internal/retry"
)

var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// EventType represents the type of webhook event.
type EventType string

const (
	EventTransactionCreated EventType = "transaction.created"
	EventTransactionPaid    EventType = "transaction.paid"
	EventPaymentReleased    EventType = "payment.released"
	EventOfferReceived      EventType = "offer.received"
	EventOfferAccepted      EventType = "offer.accepted"
	EventDisputeOpened      EventType = "dispute.opened"
)

// KnownEvent reports whether the event type is one this service emits.
func KnownEvent(t EventType) bool {
	switch t {
	case EventTransactionCreated, EventTransactionPaid, EventPaymentReleased,
		EventOfferReceived, EventOfferAccepted, EventDisputeOpened:
		return true
	}
	return false
}

// Event is the delivered payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a user's registered webhook endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"userId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // HMAC signing key, shown once at creation
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// maxConsecutiveFailures disables a subscription that never answers.
const maxConsecutiveFailures = 10

// Dispatcher sends webhook events to a user's subscriptions.
type Dispatcher struct {
	store      Store
	client     *http.Client
	attempts   int
	retryDelay time.Duration
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		attempts:   3,
		retryDelay: 250 * time.Millisecond,
	}
}

// DispatchToUser sends an event to the user's matching subscriptions.
// Delivery is asynchronous; the caller's state transition never waits on it.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(context.WithoutCancel(ctx), sub, event)
				break
			}
		}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	// Transient failures (network errors, 5xx) are retried with backoff.
	// A 4xx means the endpoint rejected the payload; retrying won't help.
	err = retry.Do(ctx, d.attempts, d.retryDelay, func() error {
		return d.attempt(ctx, sub, event, payload)
	})
	if err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Passback-Event", string(event.Type))
	req.Header.Set("X-Passback-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Passback-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	_ = d.store.Update(ctx, sub)
}
