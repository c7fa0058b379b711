package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/001_create_rides.sql
var createRidesSQL string

const rideColumns = `id, client_id, pickup_lat, pickup_lon, dest_lat, dest_lon, fare, route_distance,
	straight_distance, status, assigned_driver, cancel_reason, created_at, updated_at, expires_at,
	assigned_at, expired_at, completed_at, cancelled_at`

type PostgresStore struct {
	db        *sql.DB
	opTimeout time.Duration
}

func NewPostgresStore(dsn string, opTimeout time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &PostgresStore{db: db, opTimeout: opTimeout}, nil
}

// Migrate applies the rides schema. Safe to run on every start.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, createRidesSQL); err != nil {
		return fmt.Errorf("migrate rides: %w", err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, r.ClientID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon, r.Fare,
		r.RouteDistanceMeters, r.StraightDistanceMeters, string(r.Status), nullString(r.AssignedDriverID),
		nullString(r.CancelReason), r.CreatedAt, r.UpdatedAt, r.ExpiresAt,
		nullTime(r.AssignedAt), nullTime(r.ExpiredAt), nullTime(r.CompletedAt), nullTime(r.CancelledAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateRide
		}
		return models.Transient("rides.create", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRideNotFound
	}
	if err != nil {
		return nil, models.Transient("rides.get", err)
	}
	return r, nil
}

// transitionSet returns the extra SET clause for the target status. $3 is the
// transition time, $4 the driver or reason argument.
func transitionSet(to models.RideStatus) (string, bool) {
	switch to {
	case models.StatusAssigned:
		return ", assigned_driver=$4, assigned_at=$3", true
	case models.StatusExpired:
		return ", expired_at=$3", false
	case models.StatusCompleted:
		return ", completed_at=$3", false
	case models.StatusCancelled:
		return ", cancelled_at=$3, cancel_reason=NULLIF($4, '')", true
	}
	return "", false
}

func (p *PostgresStore) Transition(ctx context.Context, t models.Transition) (*models.Ride, error) {
	if err := checkTransition(t); err != nil {
		return nil, err
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	extra, hasArg := transitionSet(t.To)
	args := []any{t.RideID, string(t.From), t.At}
	if hasArg {
		if t.To == models.StatusAssigned {
			args = append(args, t.DriverID)
		} else {
			args = append(args, t.Reason)
		}
	}
	args = append(args, string(t.To))
	toParam := fmt.Sprintf("$%d", len(args))
	where := ` WHERE id=$1 AND status=$2`
	if t.RequireUnexpired {
		where += ` AND expires_at > $3`
	}
	q := `UPDATE rides SET status=` + toParam + `, updated_at=$3` + extra + where + ` RETURNING ` + rideColumns

	r, err := scanRide(p.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, models.Transient("rides.transition", err)
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, t.RideID).Scan(&exists); err != nil {
		return nil, models.Transient("rides.transition", err)
	}
	if !exists {
		return nil, models.ErrRideNotFound
	}
	return nil, models.ErrConflict
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Ride, error) {
	return p.query(ctx, "rides.list_expired",
		`SELECT `+rideColumns+` FROM rides WHERE status=$1 AND expires_at <= $2 ORDER BY expires_at ASC LIMIT $3`,
		string(models.StatusSearching), now, normalizeLimit(limit))
}

func (p *PostgresStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*models.Ride, error) {
	return p.query(ctx, "rides.list_by_client",
		`SELECT `+rideColumns+` FROM rides WHERE client_id=$1 ORDER BY created_at DESC LIMIT $2`,
		clientID, normalizeLimit(limit))
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string, limit int) ([]*models.Ride, error) {
	return p.query(ctx, "rides.list_by_driver",
		`SELECT `+rideColumns+` FROM rides WHERE assigned_driver=$1 ORDER BY created_at DESC LIMIT $2`,
		driverID, normalizeLimit(limit))
}

func (p *PostgresStore) query(ctx context.Context, op, q string, args ...any) ([]*models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.Transient(op, err)
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, models.Transient(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Transient(op, err)
	}
	return out, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                      models.Ride
		status                                 string
		driver, reason                         sql.NullString
		assignedAt, expiredAt, completedAt, cx pq.NullTime
	)
	err := s.Scan(&r.ID, &r.ClientID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.Fare, &r.RouteDistanceMeters, &r.StraightDistanceMeters, &status, &driver, &reason,
		&r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt, &assignedAt, &expiredAt, &completedAt, &cx)
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	r.AssignedDriverID = driver.String
	r.CancelReason = reason.String
	r.AssignedAt = timePtr(assignedAt)
	r.ExpiredAt = timePtr(expiredAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cx)
	return &r, nil
}

func timePtr(t pq.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) pq.NullTime {
	if t == nil {
		return pq.NullTime{}
	}
	return pq.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
