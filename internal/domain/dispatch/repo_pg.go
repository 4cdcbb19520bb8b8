package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pickmylab/dispatch/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

// =========== Agent Directory ===========

type agentRepoPG struct{ pool *pgxpool.Pool }

func NewAgentRepoPG(pool *pgxpool.Pool) AgentRepository { return &agentRepoPG{pool: pool} }

func (r *agentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// Agents without an availability row read as available with no load.
const agentCols = `p.id, p.name, p.phone, p.active,
	COALESCE(a.status, 'available'), COALESCE(a.max_bookings_per_day, 10),
	COALESCE(a.current_bookings_count, 0), a.last_latitude, a.last_longitude,
	GREATEST(p.updated_at, COALESCE(a.updated_at, p.updated_at))`

const agentFrom = ` FROM phlebotomists p
	LEFT JOIN phlebotomist_availability a ON a.phlebotomist_id = p.id`

func (r *agentRepoPG) scanAgent(row pgx.Row) (*Agent, error) {
	var (
		a        Agent
		status   string
		lat, lng *float64
	)
	err := row.Scan(&a.ID, &a.Name, &a.Phone, &a.Active,
		&status, &a.MaxBookingsPerDay, &a.CurrentBookingsCount, &lat, &lng, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.AvailabilityStatus = AvailabilityStatus(status)
	if lat != nil && lng != nil {
		a.LastLocation = &Location{Latitude: *lat, Longitude: *lng}
	}
	return &a, nil
}

func (r *agentRepoPG) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := r.scanAgent(r.conn(ctx).QueryRow(ctx, `SELECT `+agentCols+agentFrom+` WHERE p.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, err
}

// ensureAvailability inserts the default availability row for a known agent.
func (r *agentRepoPG) ensureAvailability(ctx context.Context, id string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO phlebotomist_availability (phlebotomist_id)
		SELECT id FROM phlebotomists WHERE id = $1
		ON CONFLICT (phlebotomist_id) DO NOTHING`, id)
	return err
}

// Reserve is a single guarded UPDATE; concurrent callers serialize on the
// availability row and re-check the guard after acquiring it.
func (r *agentRepoPG) Reserve(ctx context.Context, id string) (*Agent, error) {
	if err := r.ensureAvailability(ctx, id); err != nil {
		return nil, fmt.Errorf("ensure availability: %w", err)
	}
	a, err := r.scanAgent(r.conn(ctx).QueryRow(ctx, `
		UPDATE phlebotomist_availability a
		SET current_bookings_count = a.current_bookings_count + 1, updated_at = NOW()
		FROM phlebotomists p
		WHERE a.phlebotomist_id = $1 AND p.id = a.phlebotomist_id
			AND p.active AND a.status = 'available'
			AND a.current_bookings_count < a.max_bookings_per_day
		RETURNING p.id, p.name, p.phone, p.active, a.status, a.max_bookings_per_day,
			a.current_bookings_count, a.last_latitude, a.last_longitude, a.updated_at`, id))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// The guard failed; read the row to say why.
	cur, err := r.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case !cur.Active:
		return nil, fmt.Errorf("%w: %s is inactive", ErrAgentUnavailable, id)
	case cur.AvailabilityStatus != AvailabilityAvailable:
		return nil, fmt.Errorf("%w: %s is %s", ErrAgentUnavailable, id, cur.AvailabilityStatus)
	default:
		return nil, fmt.Errorf("%w: %s at %d/%d", ErrCapacityExceeded, id, cur.CurrentBookingsCount, cur.MaxBookingsPerDay)
	}
}

func (r *agentRepoPG) Release(ctx context.Context, id string) (*Agent, error) {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE phlebotomist_availability
		SET current_bookings_count = GREATEST(current_bookings_count - 1, 0), updated_at = NOW()
		WHERE phlebotomist_id = $1`, id)
	if err != nil {
		return nil, err
	}
	return r.GetAgent(ctx, id)
}

func (r *agentRepoPG) SetAvailability(ctx context.Context, id string, status AvailabilityStatus, loc *Location) (*Agent, error) {
	var lat, lng *float64
	if loc != nil {
		lat, lng = &loc.Latitude, &loc.Longitude
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO phlebotomist_availability (phlebotomist_id, status, last_latitude, last_longitude)
		SELECT id, $2, $3, $4 FROM phlebotomists WHERE id = $1
		ON CONFLICT (phlebotomist_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_latitude = COALESCE(EXCLUDED.last_latitude, phlebotomist_availability.last_latitude),
			last_longitude = COALESCE(EXCLUDED.last_longitude, phlebotomist_availability.last_longitude),
			updated_at = NOW()`,
		id, string(status), lat, lng)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return r.GetAgent(ctx, id)
}

func (r *agentRepoPG) UpsertAgent(ctx context.Context, p AgentProfile) (*Agent, error) {
	if p.MaxBookingsPerDay != nil && *p.MaxBookingsPerDay < 0 {
		return nil, fmt.Errorf("%w: max_bookings_per_day must be >= 0", ErrInvalidInput)
	}
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO phlebotomists (id, name, phone, active)
			VALUES ($1, $2, $3, COALESCE($4::boolean, TRUE))
			ON CONFLICT (id) DO UPDATE SET
				name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE phlebotomists.name END,
				phone = CASE WHEN EXCLUDED.phone <> '' THEN EXCLUDED.phone ELSE phlebotomists.phone END,
				active = COALESCE($4::boolean, phlebotomists.active),
				updated_at = NOW()`,
			p.ID, p.Name, p.Phone, p.Active)
		if err != nil {
			return err
		}
		if p.MaxBookingsPerDay == nil {
			return nil
		}
		tag, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO phlebotomist_availability (phlebotomist_id, max_bookings_per_day)
			VALUES ($1, $2)
			ON CONFLICT (phlebotomist_id) DO UPDATE SET
				max_bookings_per_day = EXCLUDED.max_bookings_per_day, updated_at = NOW()
			WHERE phlebotomist_availability.current_bookings_count <= EXCLUDED.max_bookings_per_day`,
			p.ID, *p.MaxBookingsPerDay)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: max_bookings_per_day %d is below current load", ErrInvalidInput, *p.MaxBookingsPerDay)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetAgent(ctx, p.ID)
}

func agentWhere(f AgentFilter) string {
	where := ` WHERE 1=1`
	if f.ActiveOnly {
		where += ` AND p.active`
	}
	if f.AvailableOnly {
		where += ` AND COALESCE(a.status, 'available') = 'available'`
	}
	if f.UnderCapacityOnly {
		where += ` AND COALESCE(a.current_bookings_count, 0) < COALESCE(a.max_bookings_per_day, 10)`
	}
	return where
}

func (r *agentRepoPG) ListEligible(ctx context.Context, f AgentFilter) ([]*Agent, error) {
	query := `SELECT ` + agentCols + agentFrom + agentWhere(f) +
		` ORDER BY COALESCE(a.current_bookings_count, 0) ASC, p.id ASC`
	var args []interface{}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Agent
	for rows.Next() {
		a, err := r.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *agentRepoPG) Count(ctx context.Context, f AgentFilter) (int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+agentFrom+agentWhere(f)).Scan(&total)
	return total, err
}

// =========== Booking Ledger ===========

type bookingRepoPG struct{ pool *pgxpool.Pool }

func NewBookingRepoPG(pool *pgxpool.Pool) BookingRepository { return &bookingRepoPG{pool: pool} }

func (r *bookingRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const bookingCols = `id, booking_number, customer_id, status, collection_type,
	phlebotomist_id, assigned_at, assigned_by, capacity_released, scheduled_for,
	cancel_reason, created_at, updated_at`

func (r *bookingRepoPG) scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b             Booking
		status, ctype string
	)
	err := row.Scan(&b.ID, &b.BookingNumber, &b.CustomerID, &status, &ctype,
		&b.AssignedAgentID, &b.AssignedAt, &b.AssignedBy, &b.CapacityReleased, &b.ScheduledFor,
		&b.CancelReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = BookingStatus(status)
	b.CollectionType = CollectionType(ctype)
	return &b, nil
}

func (r *bookingRepoPG) CreateBooking(ctx context.Context, b *Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.BookingNumber == "" {
		b.BookingNumber = NewBookingNumber(time.Now().UTC())
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bookings (id, booking_number, customer_id, status, collection_type, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		b.ID, b.BookingNumber, b.CustomerID, string(b.Status), string(b.CollectionType), b.ScheduledFor,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: booking %s already exists", ErrInvalidInput, b.BookingNumber)
	}
	return err
}

func (r *bookingRepoPG) GetBooking(ctx context.Context, id string) (*Booking, error) {
	b, err := r.scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	return b, err
}

// CompareAndSetStatus locks the booking row, checks the expected state and
// writes the new status together with its history entry.
func (r *bookingRepoPG) CompareAndSetStatus(ctx context.Context, id string, change StatusChange) (*Booking, error) {
	var out *Booking
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		var (
			current string
			agentID *string
		)
		err := r.conn(ctx).QueryRow(ctx,
			`SELECT status, phlebotomist_id FROM bookings WHERE id = $1 FOR UPDATE`, id,
		).Scan(&current, &agentID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrBookingNotFound, id)
		}
		if err != nil {
			return err
		}
		if !change.allows(BookingStatus(current)) {
			return fmt.Errorf("%w: booking %s is %s", ErrPreconditionFailed, id, current)
		}
		if change.AgentID != "" && agentID != nil {
			return fmt.Errorf("%w: booking %s already assigned", ErrPreconditionFailed, id)
		}

		var assign *string
		if change.AgentID != "" {
			assign = &change.AgentID
		}
		out, err = r.scanBooking(r.conn(ctx).QueryRow(ctx, `
			UPDATE bookings SET
				status = $2,
				phlebotomist_id = COALESCE($3::text, phlebotomist_id),
				assigned_at = CASE WHEN $3::text IS NULL THEN assigned_at ELSE NOW() END,
				assigned_by = CASE WHEN $3::text IS NULL THEN assigned_by ELSE $4 END,
				capacity_released = CASE WHEN $3::text IS NULL THEN capacity_released ELSE FALSE END,
				cancel_reason = CASE WHEN $2 = 'cancelled' AND $5 <> '' THEN $5 ELSE cancel_reason END,
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+bookingCols,
			id, string(change.To), assign, change.Actor, change.Notes))
		if err != nil {
			return err
		}
		_, err = r.conn(ctx).Exec(ctx, `
			INSERT INTO booking_status_history (booking_id, from_status, to_status, changed_by, notes)
			VALUES ($1, $2, $3, $4, $5)`,
			id, current, string(change.To), change.Actor, change.Notes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *bookingRepoPG) ClaimRelease(ctx context.Context, id string) (string, bool, error) {
	var agentID string
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE bookings SET capacity_released = TRUE, updated_at = NOW()
		WHERE id = $1 AND phlebotomist_id IS NOT NULL AND NOT capacity_released
		RETURNING phlebotomist_id`, id).Scan(&agentID)
	if err == nil {
		return agentID, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return "", false, err
	}
	if !exists {
		return "", false, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	return "", false, nil
}

func (r *bookingRepoPG) UndoRelease(ctx context.Context, id string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bookings SET capacity_released = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	return nil
}

func (r *bookingRepoPG) collect(rows pgx.Rows) ([]*Booking, error) {
	defer rows.Close()
	var items []*Booking
	for rows.Next() {
		b, err := r.scanBooking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *bookingRepoPG) ListAssignable(ctx context.Context, limit int) ([]*Booking, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM bookings
		WHERE collection_type = 'home' AND status IN ('pending', 'confirmed') AND phlebotomist_id IS NULL
		ORDER BY created_at ASC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *bookingRepoPG) ListByAgent(ctx context.Context, agentID string, limit, offset int) ([]*Booking, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bookings WHERE phlebotomist_id = $1`, agentID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM bookings
		WHERE phlebotomist_id = $1 ORDER BY created_at DESC, id ASC LIMIT $2 OFFSET $3`, agentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *bookingRepoPG) History(ctx context.Context, id string) ([]*StatusHistoryEntry, error) {
	if _, err := r.GetBooking(ctx, id); err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT booking_id, from_status, to_status, changed_by, notes, changed_at
		FROM booking_status_history WHERE booking_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusHistoryEntry
	for rows.Next() {
		var (
			h        StatusHistoryEntry
			from, to string
		)
		if err := rows.Scan(&h.BookingID, &from, &to, &h.ChangedBy, &h.Notes, &h.ChangedAt); err != nil {
			return nil, err
		}
		h.FromStatus, h.ToStatus = BookingStatus(from), BookingStatus(to)
		items = append(items, &h)
	}
	return items, rows.Err()
}
