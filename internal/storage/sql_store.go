package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/example/towing-dispatch/internal/models"
)

// Dialect captures the few differences between the SQL backends. Queries are
// written with '?' placeholders and rebound for Postgres.
type Dialect struct {
	Name     string
	Driver   string
	numbered bool
}

var (
	Postgres = Dialect{Name: "postgres", Driver: "postgres", numbered: true}
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite"}
)

func (d Dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore persists towing requests in Postgres or SQLite. Times are stored
// as unix milliseconds so both dialects scan the same way.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ RequestStore = (*SQLStore)(nil)

func Open(ctx context.Context, d Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	if d == SQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name, err)
	}
	return NewSQLStore(db, d), nil
}

func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const requestColumns = `request_id, requester_id, requester_name, requester_phone, requester_push_token, requester_stripe_customer,
	vehicle_type, vehicle_brand, vehicle_model, vehicle_year, vehicle_plate,
	pickup_lat, pickup_lon, pickup_address, pickup_accuracy,
	emergency_reason, emergency_description, emergency_severity,
	status, accepted_by, accepted_at, estimated_arrival, payment_intent_id,
	created_at, updated_at, completed_at, cancelled_at`

func (s *SQLStore) CreateRequest(ctx context.Context, r *models.TowingRequest) error {
	q := s.dialect.rebind(`INSERT INTO towing_requests (` + requestColumns + `)
		VALUES (?,?,?,?,?,?, ?,?,?,?,?, ?,?,?,?, ?,?,?, ?,?,?,?,?, ?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.RequesterID, r.Requester.Name, r.Requester.Phone, r.Requester.PushToken, r.Requester.StripeCustomerID,
		r.Vehicle.Type, r.Vehicle.Brand, r.Vehicle.Model, r.Vehicle.Year, r.Vehicle.Plate,
		r.Location.Latitude, r.Location.Longitude, r.Location.Address, r.Location.Accuracy,
		r.Emergency.Reason, r.Emergency.Description, string(r.Emergency.Severity),
		string(r.Status), nullString(r.AcceptedBy), nullMillis(r.AcceptedAt), nullMillis(r.EstimatedArrival), r.PaymentIntentID,
		r.CreatedAt.UTC().UnixMilli(), r.UpdatedAt.UTC().UnixMilli(), nullMillis(r.CompletedAt), nullMillis(r.CancelledAt),
	)
	if err != nil {
		return unavailable("insert towing request", err)
	}
	return nil
}

func (s *SQLStore) GetRequest(ctx context.Context, id string) (*models.TowingRequest, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+requestColumns+` FROM towing_requests WHERE request_id = ?`), id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("select towing request", err)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT mechanic_id FROM towing_rejections WHERE request_id = ? ORDER BY id`), id)
	if err != nil {
		return nil, unavailable("select rejections", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, unavailable("scan rejection", err)
		}
		r.RejectedBy = append(r.RejectedBy, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate rejections", err)
	}
	return r, nil
}

func (s *SQLStore) TransitionStatus(ctx context.Context, id string, to models.Status, meta models.TransitionMeta) (*models.TowingRequest, error) {
	allowed := models.AllowedFrom(to)
	if allowed == nil {
		return nil, models.ErrInvalidTransition
	}
	at := meta.At.UTC().UnixMilli()
	set := "status = ?, updated_at = ?"
	args := []any{string(to), at}
	switch to {
	case models.StatusAccepted:
		set += ", accepted_by = ?, accepted_at = ?, estimated_arrival = ?"
		args = append(args, meta.AcceptedBy, at, nullMillis(meta.EstimatedArrival))
	case models.StatusCompleted:
		set += ", completed_at = ?"
		args = append(args, at)
	case models.StatusCancelled:
		set += ", cancelled_at = ?, accepted_by = NULL"
		args = append(args, at)
	}
	args = append(args, id)
	for _, st := range allowed {
		args = append(args, string(st))
	}
	q := "UPDATE towing_requests SET " + set + " WHERE request_id = ? AND status IN (" + placeholders(len(allowed)) + ")"
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, unavailable("update towing status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, unavailable("rows affected", err)
	}
	if n == 0 {
		if _, err := s.currentStatus(ctx, id); err != nil {
			return nil, err
		}
		return nil, models.ErrInvalidTransition
	}
	return s.GetRequest(ctx, id)
}

func (s *SQLStore) AppendRejection(ctx context.Context, id, mechanicID string) error {
	if _, err := s.currentStatus(ctx, id); err != nil {
		return err
	}
	q := s.dialect.rebind(`INSERT INTO towing_rejections (request_id, mechanic_id, rejected_at) VALUES (?, ?, ?)
		ON CONFLICT (request_id, mechanic_id) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, q, id, mechanicID, time.Now().UTC().UnixMilli()); err != nil {
		return unavailable("insert rejection", err)
	}
	return nil
}

func (s *SQLStore) currentStatus(ctx context.Context, id string) (models.Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT status FROM towing_requests WHERE request_id = ?`), id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", unavailable("select status", err)
	}
	return models.Status(st), nil
}

func scanRequest(row *sql.Row) (*models.TowingRequest, error) {
	var (
		r                                         models.TowingRequest
		severity, status                          string
		acceptedBy                                sql.NullString
		acceptedAt, eta, completedAt, cancelledAt sql.NullInt64
		createdAt, updatedAt                      int64
	)
	err := row.Scan(
		&r.ID, &r.RequesterID, &r.Requester.Name, &r.Requester.Phone, &r.Requester.PushToken, &r.Requester.StripeCustomerID,
		&r.Vehicle.Type, &r.Vehicle.Brand, &r.Vehicle.Model, &r.Vehicle.Year, &r.Vehicle.Plate,
		&r.Location.Latitude, &r.Location.Longitude, &r.Location.Address, &r.Location.Accuracy,
		&r.Emergency.Reason, &r.Emergency.Description, &severity,
		&status, &acceptedBy, &acceptedAt, &eta, &r.PaymentIntentID,
		&createdAt, &updatedAt, &completedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	r.Emergency.Severity = models.Severity(severity)
	r.Status = models.Status(status)
	r.AcceptedBy = acceptedBy.String
	r.AcceptedAt = fromMillis(acceptedAt)
	r.EstimatedArrival = fromMillis(eta)
	r.CompletedAt = fromMillis(completedAt)
	r.CancelledAt = fromMillis(cancelledAt)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	r.RejectedBy = []string{}
	return &r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrUnavailable, err)
}
