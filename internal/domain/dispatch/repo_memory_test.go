package dispatch

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestAgentRepoMemory_Reserve(t *testing.T) {
	ctx := context.Background()
	repo := NewAgentRepoMemory()

	if _, err := repo.Reserve(ctx, "ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}

	if _, err := repo.UpsertAgent(ctx, AgentProfile{ID: "phl-1", MaxBookingsPerDay: intPtr(2)}); err != nil {
		t.Fatal(err)
	}
	a, err := repo.GetAgent(ctx, "phl-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.AvailabilityStatus != AvailabilityAvailable || a.CurrentBookingsCount != 0 {
		t.Errorf("expected default availability, got %s/%d", a.AvailabilityStatus, a.CurrentBookingsCount)
	}

	for i := 1; i <= 2; i++ {
		a, err := repo.Reserve(ctx, "phl-1")
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if a.CurrentBookingsCount != i {
			t.Errorf("expected count %d, got %d", i, a.CurrentBookingsCount)
		}
	}
	if _, err := repo.Reserve(ctx, "phl-1"); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected capacity exceeded, got %v", err)
	}
}

func TestAgentRepoMemory_ReserveRejectsUnavailable(t *testing.T) {
	ctx := context.Background()
	repo := NewAgentRepoMemory()
	if _, err := repo.UpsertAgent(ctx, AgentProfile{ID: "retired", Active: boolPtr(false)}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.UpsertAgent(ctx, AgentProfile{ID: "resting"}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.SetAvailability(ctx, "resting", AvailabilityOnBreak, nil); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"retired", "resting"} {
		if _, err := repo.Reserve(ctx, id); !errors.Is(err, ErrAgentUnavailable) {
			t.Errorf("%s: expected agent unavailable, got %v", id, err)
		}
		a, _ := repo.GetAgent(ctx, id)
		if a.CurrentBookingsCount != 0 {
			t.Errorf("%s: rejected reserve changed count to %d", id, a.CurrentBookingsCount)
		}
	}
}

func TestAgentRepoMemory_ReleaseFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	repo := NewAgentRepoMemory()
	if _, err := repo.UpsertAgent(ctx, AgentProfile{ID: "phl-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Reserve(ctx, "phl-1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := repo.Release(ctx, "phl-1"); err != nil {
			t.Fatal(err)
		}
	}
	a, _ := repo.GetAgent(ctx, "phl-1")
	if a.CurrentBookingsCount != 0 {
		t.Errorf("expected 0, got %d", a.CurrentBookingsCount)
	}
	if _, err := repo.Release(ctx, "ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected agent not found, got %v", err)
	}
}

func TestAgentRepoMemory_SetAvailabilityKeepsLocation(t *testing.T) {
	ctx := context.Background()
	repo := NewAgentRepoMemory()
	if _, err := repo.UpsertAgent(ctx, AgentProfile{ID: "phl-1"}); err != nil {
		t.Fatal(err)
	}
	loc := &Location{Latitude: 12.97, Longitude: 77.59}
	if _, err := repo.SetAvailability(ctx, "phl-1", AvailabilityBusy, loc); err != nil {
		t.Fatal(err)
	}
	loc.Latitude = 0
	a, err := repo.SetAvailability(ctx, "phl-1", AvailabilityAvailable, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.LastLocation == nil || a.LastLocation.Latitude != 12.97 {
		t.Errorf("expected stored location to survive, got %+v", a.LastLocation)
	}
	if _, err := repo.SetAvailability(ctx, "ghost", AvailabilityBusy, nil); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected agent not found, got %v", err)
	}
}

func TestAgentRepoMemory_UpsertAgent(t *testing.T) {
	ctx := context.Background()
	repo := NewAgentRepoMemory()
	a, err := repo.UpsertAgent(ctx, AgentProfile{ID: "phl-1", Name: "Asha"})
	if err != nil {
		t.Fatal(err)
	}
	if !a.Active || a.MaxBookingsPerDay != DefaultMaxBookingsPerDay {
		t.Errorf("expected defaults, got active=%v max=%d", a.Active, a.MaxBookingsPerDay)
	}

	if _, err := repo.UpsertAgent(ctx, AgentProfile{ID: "phl-1", MaxBookingsPerDay: intPtr(-1)}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected invalid input for negative max, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := repo.Reserve(ctx, "phl-1"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := repo.UpsertAgent(ctx, AgentProfile{ID: "phl-1", MaxBookingsPerDay: intPtr(2)}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected invalid input below current load, got %v", err)
	}

	a, err = repo.UpsertAgent(ctx, AgentProfile{ID: "phl-1", Phone: "+91-555", Active: boolPtr(false)})
	if err != nil {
		t.Fatal(err)
	}
	if a.Name != "Asha" || a.Phone != "+91-555" || a.Active {
		t.Errorf("unexpected merge result %+v", a)
	}
	if a.CurrentBookingsCount != 3 {
		t.Errorf("upsert must not touch the counter, got %d", a.CurrentBookingsCount)
	}
}

func TestAgentRepoMemory_ListEligible(t *testing.T) {
	ctx := context.Background()
	repo := NewAgentRepoMemory()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := repo.UpsertAgent(ctx, AgentProfile{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := repo.Reserve(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	got, err := repo.ListEligible(ctx, AgentFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("unexpected page %v", ids(got))
	}
	n, err := repo.Count(ctx, AgentFilter{})
	if err != nil || n != 3 {
		t.Errorf("expected count 3, got %d (%v)", n, err)
	}
}

func ids(agents []*Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}

// -- Booking Ledger --

func TestBookingRepoMemory_CreateBooking(t *testing.T) {
	ctx := context.Background()
	repo := NewBookingRepoMemory()
	b := &Booking{CollectionType: CollectionHome}
	if err := repo.CreateBooking(ctx, b); err != nil {
		t.Fatal(err)
	}
	if b.ID == "" || b.BookingNumber == "" || b.Status != StatusPending {
		t.Errorf("expected generated fields, got %+v", b)
	}
	if b.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	dupNumber := &Booking{BookingNumber: b.BookingNumber, CollectionType: CollectionHome}
	if err := repo.CreateBooking(ctx, dupNumber); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected duplicate number rejection, got %v", err)
	}
	dupID := &Booking{ID: b.ID, CollectionType: CollectionHome}
	if err := repo.CreateBooking(ctx, dupID); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected duplicate id rejection, got %v", err)
	}

	// Mutating the caller's struct must not leak into the ledger.
	b.Status = StatusCompleted
	stored, _ := repo.GetBooking(ctx, b.ID)
	if stored.Status != StatusPending {
		t.Errorf("ledger aliased caller struct, got %s", stored.Status)
	}
}

func TestBookingRepoMemory_CompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewBookingRepoMemory()
	b := &Booking{CollectionType: CollectionHome}
	if err := repo.CreateBooking(ctx, b); err != nil {
		t.Fatal(err)
	}

	assigned, err := repo.CompareAndSetStatus(ctx, b.ID, StatusChange{
		From:    AssignableStatuses(),
		To:      StatusConfirmed,
		AgentID: "phl-1",
		Actor:   "ops",
	})
	if err != nil {
		t.Fatal(err)
	}
	if assigned.AgentID() != "phl-1" || assigned.AssignedAt == nil || assigned.AssignedBy == nil || *assigned.AssignedBy != "ops" {
		t.Errorf("unexpected assignment fields %+v", assigned)
	}

	_, err = repo.CompareAndSetStatus(ctx, b.ID, StatusChange{From: AssignableStatuses(), To: StatusConfirmed, AgentID: "phl-2"})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected precondition failure on reassignment, got %v", err)
	}
	_, err = repo.CompareAndSetStatus(ctx, b.ID, StatusChange{From: []BookingStatus{StatusPending}, To: StatusCancelled})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected precondition failure on stale status, got %v", err)
	}

	cancelled, err := repo.CompareAndSetStatus(ctx, b.ID, StatusChange{
		From:  []BookingStatus{StatusConfirmed},
		To:    StatusCancelled,
		Actor: "ops",
		Notes: "customer request",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.CancelReason == nil || *cancelled.CancelReason != "customer request" {
		t.Errorf("expected cancel reason, got %v", cancelled.CancelReason)
	}

	hist, err := repo.History(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(hist))
	}
	if hist[0].FromStatus != StatusPending || hist[0].ToStatus != StatusConfirmed {
		t.Errorf("unexpected first entry %+v", hist[0])
	}
	if hist[1].ToStatus != StatusCancelled || hist[1].Notes != "customer request" {
		t.Errorf("unexpected second entry %+v", hist[1])
	}

	if _, err := repo.CompareAndSetStatus(ctx, "ghost", StatusChange{To: StatusCancelled}); !errors.Is(err, ErrBookingNotFound) {
		t.Errorf("expected booking not found, got %v", err)
	}
}

func TestBookingRepoMemory_ClaimRelease(t *testing.T) {
	ctx := context.Background()
	repo := NewBookingRepoMemory()
	b := &Booking{CollectionType: CollectionHome}
	if err := repo.CreateBooking(ctx, b); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := repo.ClaimRelease(ctx, b.ID); err != nil || ok {
		t.Errorf("unassigned booking must not claim, got ok=%v err=%v", ok, err)
	}
	if _, err := repo.CompareAndSetStatus(ctx, b.ID, StatusChange{From: AssignableStatuses(), To: StatusConfirmed, AgentID: "phl-1"}); err != nil {
		t.Fatal(err)
	}
	agentID, ok, err := repo.ClaimRelease(ctx, b.ID)
	if err != nil || !ok || agentID != "phl-1" {
		t.Errorf("expected first claim for phl-1, got %q ok=%v err=%v", agentID, ok, err)
	}
	if _, ok, _ := repo.ClaimRelease(ctx, b.ID); ok {
		t.Error("second claim must be a no-op")
	}
	stored, _ := repo.GetBooking(ctx, b.ID)
	if !stored.CapacityReleased || stored.AgentID() != "phl-1" {
		t.Errorf("expected released flag with assignment kept, got %+v", stored)
	}
	if _, _, err := repo.ClaimRelease(ctx, "ghost"); !errors.Is(err, ErrBookingNotFound) {
		t.Errorf("expected booking not found, got %v", err)
	}

	if err := repo.UndoRelease(ctx, b.ID); err != nil {
		t.Fatalf("undo release: %v", err)
	}
	if agentID, ok, _ := repo.ClaimRelease(ctx, b.ID); !ok || agentID != "phl-1" {
		t.Errorf("expected claim to succeed again after undo, got %q ok=%v", agentID, ok)
	}
	if err := repo.UndoRelease(ctx, "ghost"); !errors.Is(err, ErrBookingNotFound) {
		t.Errorf("expected booking not found, got %v", err)
	}
}

func TestBookingRepoMemory_Listings(t *testing.T) {
	ctx := context.Background()
	r := NewBookingRepoMemory().(*bookingRepoMemory)
	clock := time.Date(2026, 1, 14, 8, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	var created []*Booking
	for _, ct := range []CollectionType{CollectionHome, CollectionWalkIn, CollectionHome, CollectionHome} {
		b := &Booking{CollectionType: ct}
		if err := r.CreateBooking(ctx, b); err != nil {
			t.Fatal(err)
		}
		created = append(created, b)
	}
	if _, err := r.CompareAndSetStatus(ctx, created[2].ID, StatusChange{From: AssignableStatuses(), To: StatusConfirmed, AgentID: "phl-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CompareAndSetStatus(ctx, created[3].ID, StatusChange{From: AssignableStatuses(), To: StatusConfirmed, AgentID: "phl-1"}); err != nil {
		t.Fatal(err)
	}

	assignable, err := r.ListAssignable(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(assignable) != 1 || assignable[0].ID != created[0].ID {
		t.Errorf("expected only the first home booking, got %d", len(assignable))
	}

	mine, total, err := r.ListByAgent(ctx, "phl-1", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(mine) != 1 || mine[0].ID != created[3].ID {
		t.Errorf("expected newest booking first with total 2, got %d/%d", len(mine), total)
	}
}

func TestNewBookingNumber(t *testing.T) {
	now := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)
	n := NewBookingNumber(now)
	if !regexp.MustCompile(`^PML-20260114-[0-9A-F]{6}$`).MatchString(n) {
		t.Errorf("unexpected booking number %q", n)
	}
	if NewBookingNumber(now) == n {
		t.Error("expected distinct booking numbers")
	}
}
