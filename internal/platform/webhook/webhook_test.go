package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pickmylab/dispatch/internal/domain/dispatch"
)

const testSecret = "test-secret-key"

func newTestManager(t *testing.T, urls ...string) (*Manager, *MemoryStore) {
	t.Helper()
	eps, err := EndpointsFromURLs(urls, testSecret)
	if err != nil {
		t.Fatalf("endpoints: %v", err)
	}
	store := NewMemoryStore(eps...)
	return NewManager(store, WithRetryDelays(time.Millisecond, time.Millisecond)), store
}

func testEvent() Event {
	return AssignedEvent(dispatch.AssignmentEvent{
		BookingID:     "b1",
		BookingNumber: "PML-20260114-ABC123",
		AgentID:       "phl-1",
		Timestamp:     time.Date(2026, 1, 14, 9, 30, 0, 0, time.UTC),
	})
}

func TestAssignedEvent_StableID(t *testing.T) {
	a, b := testEvent(), testEvent()
	if a.ID == "" || a.ID != b.ID {
		t.Fatalf("expected stable id, got %q and %q", a.ID, b.ID)
	}
	if a.Type != EventBookingAssigned || a.BookingID != "b1" || a.AgentID != "phl-1" {
		t.Errorf("unexpected event %+v", a)
	}
	other := AssignedEvent(dispatch.AssignmentEvent{BookingID: "b1", AgentID: "phl-2", Timestamp: a.OccurredAt})
	if other.ID == a.ID {
		t.Error("expected a different id for a different agent")
	}
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"id":"1"}`)
	sig := SignPayload(payload, testSecret)
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, testSecret, sig) || !VerifySignature(payload, testSecret, "sha256="+sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte(`{"id":"2"}`), testSecret, sig) {
		t.Error("expected tampered payload to fail")
	}
}

func TestEndpointsFromURLs(t *testing.T) {
	eps, err := EndpointsFromURLs([]string{"https://ops.example.com/hook", " ", "http://localhost:9000/x"}, "s")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eps) != 2 || !eps[0].Active || eps[0].ID == eps[1].ID {
		t.Errorf("unexpected endpoints %+v", eps)
	}
	for _, bad := range []string{"ftp://example.com", "/relative", "https://"} {
		if _, err := EndpointsFromURLs([]string{bad}, "s"); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"booking.assigned", "booking.assigned", true},
		{"booking.*", "booking.assigned", true},
		{"*", "booking.assigned", true},
		{"agent.*", "booking.assigned", false},
		{"booking.cancelled", "booking.assigned", false},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

func TestManager_DeliverSignsBody(t *testing.T) {
	var gotSig, gotID string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotID = r.Header.Get(EventIDHeader)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, store := newTestManager(t, srv.URL)
	evt := testEvent()
	results, err := m.Deliver(context.Background(), evt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || !results[0].Success || results[0].Attempts != 1 {
		t.Fatalf("unexpected results %+v", results)
	}
	if !VerifySignature(body, testSecret, gotSig) {
		t.Error("signature header does not match body")
	}
	if gotID != evt.ID {
		t.Errorf("expected event id header %q, got %q", evt.ID, gotID)
	}
	var decoded Event
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.BookingID != "b1" {
		t.Errorf("unexpected body %s (%v)", body, err)
	}
	if d := store.Deliveries(); len(d) != 1 || d[0].Status != "success" {
		t.Errorf("expected one successful delivery logged, got %+v", d)
	}
}

func TestManager_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, store := newTestManager(t, srv.URL)
	results, err := m.Deliver(context.Background(), testEvent())
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Success || results[0].Attempts != 3 {
		t.Errorf("expected success on third attempt, got %+v", results[0])
	}
	if len(store.Deliveries()) != 3 {
		t.Errorf("expected 3 logged attempts, got %d", len(store.Deliveries()))
	}
}

func TestManager_NoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL)
	results, _ := m.Deliver(context.Background(), testEvent())
	if results[0].Success || results[0].StatusCode != http.StatusBadRequest {
		t.Errorf("expected failed 400 result, got %+v", results[0])
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestManager_SkipsInactiveAndUnsubscribed(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	store.AddEndpoint(&Endpoint{ID: "paused", URL: srv.URL, Events: []string{"*"}, Active: false})
	store.AddEndpoint(&Endpoint{ID: "agents", URL: srv.URL, Events: []string{"agent.*"}, Active: true})
	m := NewManager(store)

	results, err := m.Deliver(context.Background(), testEvent())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 || atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected no deliveries, got %+v (%d calls)", results, calls)
	}
}
