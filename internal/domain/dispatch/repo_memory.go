package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =========== Agent Directory (in-memory) ===========

// agentEntry is one directory row with its own lock, so independent agents
// never contend with each other.
type agentEntry struct {
	mu              sync.Mutex
	agent           Agent
	hasAvailability bool
}

func (e *agentEntry) snapshot() *Agent {
	a := e.agent
	if !e.hasAvailability {
		applyDefaultAvailability(&a)
	}
	if a.LastLocation != nil {
		loc := *a.LastLocation
		a.LastLocation = &loc
	}
	return &a
}

// ensureAvailability creates the default row on first touch. Caller holds e.mu.
func (e *agentEntry) ensureAvailability() {
	if e.hasAvailability {
		return
	}
	applyDefaultAvailability(&e.agent)
	e.hasAvailability = true
}

func applyDefaultAvailability(a *Agent) {
	a.AvailabilityStatus = AvailabilityAvailable
	a.CurrentBookingsCount = 0
}

type agentRepoMemory struct {
	mu      sync.RWMutex
	entries map[string]*agentEntry
	now     func() time.Time
}

// NewAgentRepoMemory returns a process-local agent directory.
func NewAgentRepoMemory() AgentRepository {
	return &agentRepoMemory{entries: make(map[string]*agentEntry), now: time.Now}
}

func (r *agentRepoMemory) entry(id string) (*agentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *agentRepoMemory) GetAgent(_ context.Context, id string) (*Agent, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

func (r *agentRepoMemory) Reserve(_ context.Context, id string) (*Agent, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ensureAvailability()
	a := &e.agent
	if !a.Active {
		return nil, fmt.Errorf("%w: %s is inactive", ErrAgentUnavailable, id)
	}
	if a.AvailabilityStatus != AvailabilityAvailable {
		return nil, fmt.Errorf("%w: %s is %s", ErrAgentUnavailable, id, a.AvailabilityStatus)
	}
	if !a.HasCapacity() {
		return nil, fmt.Errorf("%w: %s at %d/%d", ErrCapacityExceeded, id, a.CurrentBookingsCount, a.MaxBookingsPerDay)
	}
	a.CurrentBookingsCount++
	a.UpdatedAt = r.now().UTC()
	return e.snapshot(), nil
}

func (r *agentRepoMemory) Release(_ context.Context, id string) (*Agent, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasAvailability {
		return e.snapshot(), nil
	}
	if e.agent.CurrentBookingsCount > 0 {
		e.agent.CurrentBookingsCount--
	}
	e.agent.UpdatedAt = r.now().UTC()
	return e.snapshot(), nil
}

func (r *agentRepoMemory) SetAvailability(_ context.Context, id string, status AvailabilityStatus, loc *Location) (*Agent, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ensureAvailability()
	e.agent.AvailabilityStatus = status
	if loc != nil {
		l := *loc
		e.agent.LastLocation = &l
	}
	e.agent.UpdatedAt = r.now().UTC()
	return e.snapshot(), nil
}

func (r *agentRepoMemory) UpsertAgent(_ context.Context, p AgentProfile) (*Agent, error) {
	r.mu.Lock()
	e, ok := r.entries[p.ID]
	if !ok {
		e = &agentEntry{agent: Agent{ID: p.ID, Active: true, MaxBookingsPerDay: DefaultMaxBookingsPerDay}}
		r.entries[p.ID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if p.MaxBookingsPerDay != nil {
		if *p.MaxBookingsPerDay < 0 {
			return nil, fmt.Errorf("%w: max_bookings_per_day must be >= 0", ErrInvalidInput)
		}
		if *p.MaxBookingsPerDay < e.agent.CurrentBookingsCount {
			return nil, fmt.Errorf("%w: max_bookings_per_day %d is below current load %d",
				ErrInvalidInput, *p.MaxBookingsPerDay, e.agent.CurrentBookingsCount)
		}
		e.agent.MaxBookingsPerDay = *p.MaxBookingsPerDay
	}
	if p.Active != nil {
		e.agent.Active = *p.Active
	}
	if p.Name != "" {
		e.agent.Name = p.Name
	}
	if p.Phone != "" {
		e.agent.Phone = p.Phone
	}
	e.agent.UpdatedAt = r.now().UTC()
	return e.snapshot(), nil
}

func (r *agentRepoMemory) snapshotAll(filter AgentFilter) []*Agent {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []*Agent
	for _, e := range entries {
		e.mu.Lock()
		a := e.snapshot()
		e.mu.Unlock()
		if filter.matches(a) {
			out = append(out, a)
		}
	}
	return out
}

func (r *agentRepoMemory) ListEligible(_ context.Context, filter AgentFilter) ([]*Agent, error) {
	agents := r.snapshotAll(filter)
	SortByLoad(agents)
	return page(agents, filter.Limit, filter.Offset), nil
}

func (r *agentRepoMemory) Count(_ context.Context, filter AgentFilter) (int, error) {
	return len(r.snapshotAll(filter)), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// =========== Booking Ledger (in-memory) ===========

type bookingEntry struct {
	mu      sync.Mutex
	booking Booking
	history []*StatusHistoryEntry
}

type bookingRepoMemory struct {
	mu       sync.RWMutex
	entries  map[string]*bookingEntry
	byNumber map[string]string
	now      func() time.Time
}

// NewBookingRepoMemory returns a process-local booking ledger.
func NewBookingRepoMemory() BookingRepository {
	return &bookingRepoMemory{
		entries:  make(map[string]*bookingEntry),
		byNumber: make(map[string]string),
		now:      time.Now,
	}
}

func (r *bookingRepoMemory) entry(id string) (*bookingEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *bookingRepoMemory) CreateBooking(_ context.Context, b *Booking) error {
	now := r.now().UTC()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.BookingNumber == "" {
		b.BookingNumber = NewBookingNumber(now)
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	b.CreatedAt = now
	b.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[b.ID]; exists {
		return fmt.Errorf("%w: booking %s already exists", ErrInvalidInput, b.ID)
	}
	if _, exists := r.byNumber[b.BookingNumber]; exists {
		return fmt.Errorf("%w: booking number %s already exists", ErrInvalidInput, b.BookingNumber)
	}
	r.entries[b.ID] = &bookingEntry{booking: cloneBooking(b)}
	r.byNumber[b.BookingNumber] = b.ID
	return nil
}

func (r *bookingRepoMemory) GetBooking(_ context.Context, id string) (*Booking, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b := cloneBooking(&e.booking)
	return &b, nil
}

func (r *bookingRepoMemory) CompareAndSetStatus(_ context.Context, id string, change StatusChange) (*Booking, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	b := &e.booking
	if !change.allows(b.Status) {
		return nil, fmt.Errorf("%w: booking %s is %s", ErrPreconditionFailed, id, b.Status)
	}
	if change.AgentID != "" && b.IsAssigned() {
		return nil, fmt.Errorf("%w: booking %s already assigned", ErrPreconditionFailed, id)
	}

	now := r.now().UTC()
	from := b.Status
	b.Status = change.To
	b.UpdatedAt = now
	if change.AgentID != "" {
		agentID, actor := change.AgentID, change.Actor
		b.AssignedAgentID = &agentID
		b.AssignedAt = &now
		b.AssignedBy = &actor
		b.CapacityReleased = false
	}
	if change.To == StatusCancelled && change.Notes != "" {
		reason := change.Notes
		b.CancelReason = &reason
	}
	e.history = append(e.history, &StatusHistoryEntry{
		BookingID:  id,
		FromStatus: from,
		ToStatus:   change.To,
		ChangedBy:  change.Actor,
		Notes:      change.Notes,
		ChangedAt:  now,
	})

	out := cloneBooking(b)
	return &out, nil
}

func (r *bookingRepoMemory) ClaimRelease(_ context.Context, id string) (string, bool, error) {
	e, ok := r.entry(id)
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.booking.IsAssigned() || e.booking.CapacityReleased {
		return "", false, nil
	}
	e.booking.CapacityReleased = true
	e.booking.UpdatedAt = r.now().UTC()
	return e.booking.AgentID(), true, nil
}

func (r *bookingRepoMemory) UndoRelease(_ context.Context, id string) error {
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.booking.CapacityReleased = false
	e.booking.UpdatedAt = r.now().UTC()
	return nil
}

func (r *bookingRepoMemory) snapshotAll(keep func(*Booking) bool) []*Booking {
	r.mu.RLock()
	entries := make([]*bookingEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []*Booking
	for _, e := range entries {
		e.mu.Lock()
		b := cloneBooking(&e.booking)
		e.mu.Unlock()
		if keep(&b) {
			out = append(out, &b)
		}
	}
	return out
}

func (r *bookingRepoMemory) ListAssignable(_ context.Context, limit int) ([]*Booking, error) {
	items := r.snapshotAll(func(b *Booking) bool { return b.Assignable() })
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return page(items, limit, 0), nil
}

func (r *bookingRepoMemory) ListByAgent(_ context.Context, agentID string, limit, offset int) ([]*Booking, int, error) {
	items := r.snapshotAll(func(b *Booking) bool { return b.AgentID() == agentID })
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return page(items, limit, offset), len(items), nil
}

func (r *bookingRepoMemory) History(_ context.Context, id string) ([]*StatusHistoryEntry, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*StatusHistoryEntry, len(e.history))
	for i, h := range e.history {
		entry := *h
		out[i] = &entry
	}
	return out, nil
}

func cloneBooking(b *Booking) Booking {
	out := *b
	out.AssignedAgentID = cloneString(b.AssignedAgentID)
	out.AssignedBy = cloneString(b.AssignedBy)
	out.CancelReason = cloneString(b.CancelReason)
	out.AssignedAt = cloneTime(b.AssignedAt)
	out.ScheduledFor = cloneTime(b.ScheduledFor)
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NewBookingNumber builds a human-readable booking number like PML-20260114-3F2A9C.
func NewBookingNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("PML-%s-%s", now.Format("20060102"), suffix)
}
