// Package webhook delivers signed dispatch events to partner endpoints such
// as the customer app backend or an ops dashboard. Each POST carries an
// HMAC-SHA256 signature of the body; event ids are stable per assignment so
// receivers can drop redeliveries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pickmylab/dispatch/internal/domain/dispatch"
)

const (
	EventBookingAssigned = "booking.assigned"

	SignatureHeader = "X-Dispatch-Signature"
	EventIDHeader   = "X-Dispatch-Event-ID"
	TimestampHeader = "X-Dispatch-Timestamp"
)

// eventNamespace seeds the deterministic event ids.
var eventNamespace = uuid.MustParse("6f1c2b9e-4a57-4c1d-9a0e-3d2f8b7c5e10")

// Endpoint is a delivery destination.
type Endpoint struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Secret string   `json:"-"`
	Events []string `json:"events"`
	Active bool     `json:"active"`
}

// Event is the JSON body POSTed to endpoints.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	BookingID     string    `json:"booking_id"`
	BookingNumber string    `json:"booking_number,omitempty"`
	AgentID       string    `json:"agent_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// AssignedEvent converts an engine assignment into a webhook event. The id is
// derived from the booking and assignment time, so a retried notification
// carries the same id.
func AssignedEvent(evt dispatch.AssignmentEvent) Event {
	key := evt.BookingID + "|" + evt.AgentID + "|" + evt.Timestamp.UTC().Format(time.RFC3339Nano)
	return Event{
		ID:            uuid.NewSHA1(eventNamespace, []byte(key)).String(),
		Type:          EventBookingAssigned,
		BookingID:     evt.BookingID,
		BookingNumber: evt.BookingNumber,
		AgentID:       evt.AgentID,
		OccurredAt:    evt.Timestamp.UTC(),
	}
}

// DeliveryAttempt records one POST to one endpoint.
type DeliveryAttempt struct {
	EndpointID string        `json:"endpoint_id"`
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code"`
	Status     string        `json:"status"` // "success" or "failed"
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	CreatedAt  time.Time     `json:"created_at"`
}

// DeliveryResult summarises the outcome for one endpoint after retries.
type DeliveryResult struct {
	EndpointID string `json:"endpoint_id"`
	Success    bool   `json:"success"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

// Store holds the endpoints and the delivery log.
type Store interface {
	ListEndpoints(ctx context.Context) ([]*Endpoint, error)
	RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error
}

// MemoryStore is a mutex-guarded Store.
type MemoryStore struct {
	mu         sync.RWMutex
	endpoints  []*Endpoint
	deliveries []*DeliveryAttempt
}

func NewMemoryStore(endpoints ...*Endpoint) *MemoryStore {
	return &MemoryStore{endpoints: endpoints}
}

func (s *MemoryStore) AddEndpoint(ep *Endpoint) {
	s.mu.Lock()
	s.endpoints = append(s.endpoints, ep)
	s.mu.Unlock()
}

func (s *MemoryStore) ListEndpoints(_ context.Context) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Endpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out, nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, attempt *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *attempt
	s.deliveries = append(s.deliveries, &cp)
	return nil
}

// Deliveries returns the delivery log, oldest first.
func (s *MemoryStore) Deliveries() []*DeliveryAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DeliveryAttempt, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

// EndpointsFromURLs builds active endpoints subscribed to every booking event,
// all signed with secret.
func EndpointsFromURLs(urls []string, secret string) ([]*Endpoint, error) {
	var out []*Endpoint
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := validateURL(raw); err != nil {
			return nil, err
		}
		out = append(out, &Endpoint{
			ID:     uuid.NewSHA1(eventNamespace, []byte(raw)).String(),
			URL:    raw,
			Secret: secret,
			Events: []string{"booking.*"},
			Active: true,
		})
	}
	return out, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook url %q must be an absolute http or https url", raw)
	}
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// eventMatches supports exact types and "booking.*" style prefixes.
func eventMatches(pattern, eventType string) bool {
	if pattern == eventType || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return false
}

func (ep *Endpoint) subscribes(eventType string) bool {
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// Option configures a Manager.
type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetryDelays sets the waits between attempts; its length is the retry
// count.
func WithRetryDelays(d ...time.Duration) Option {
	return func(m *Manager) { m.retryDelays = d }
}

// Manager signs and delivers events.
type Manager struct {
	store       Store
	httpClient  *http.Client
	retryDelays []time.Duration
	now         func() time.Time
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Deliver sends evt to every active subscribed endpoint.
func (m *Manager) Deliver(ctx context.Context, evt Event) ([]DeliveryResult, error) {
	endpoints, err := m.store.ListEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list webhook endpoints: %w", err)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook event: %w", err)
	}

	var results []DeliveryResult
	for _, ep := range endpoints {
		if !ep.Active || !ep.subscribes(evt.Type) {
			continue
		}
		results = append(results, m.deliverWithRetry(ctx, ep, evt, payload))
	}
	return results, nil
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, evt Event, payload []byte) DeliveryResult {
	res := DeliveryResult{EndpointID: ep.ID}
	for attempt := 1; ; attempt++ {
		a := m.post(ctx, ep, evt, payload, attempt)
		res.Attempts, res.StatusCode, res.Error = attempt, a.StatusCode, a.Error
		if a.Status == "success" {
			res.Success = true
			return res
		}
		if attempt > len(m.retryDelays) || !retryable(a.StatusCode) {
			return res
		}
		select {
		case <-ctx.Done():
			res.Error = ctx.Err().Error()
			return res
		case <-time.After(m.retryDelays[attempt-1]):
		}
	}
}

// retryable treats transport errors, 408, 429 and 5xx as transient.
func retryable(code int) bool {
	return code == 0 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func (m *Manager) post(ctx context.Context, ep *Endpoint, evt Event, payload []byte, attempt int) *DeliveryAttempt {
	now := m.now()
	a := &DeliveryAttempt{
		EndpointID: ep.ID,
		EventID:    evt.ID,
		EventType:  evt.Type,
		Attempt:    attempt,
		Status:     "failed",
		CreatedAt:  now,
	}
	defer func() { _ = m.store.RecordDelivery(ctx, a) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		a.Error = err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set(EventIDHeader, evt.ID)
	req.Header.Set(TimestampHeader, now.UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	a.Duration = time.Since(start)
	if err != nil {
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	a.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Status = "success"
	} else {
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}
