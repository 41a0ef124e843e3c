package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/order-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.DispatchRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispatch_requests(
			id, order_id, service_type, customer_id, customer_name, customer_phone,
			pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			vehicle_constraint, current_radius_km, max_radius_km,
			status, tried_driver_ids, rejected_driver_ids,
			assigned_driver_id, priority, expires_at, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		r.ID, r.OrderID, string(r.ServiceType), r.CustomerID, nullStr(r.CustomerName), nullStr(r.CustomerPhone),
		r.Pickup.Lat, r.Pickup.Lon, dropoffLat(r), dropoffLon(r),
		nullStr(r.VehicleConstraint), r.CurrentRadiusKm, r.MaxRadiusKm,
		string(r.Status), pq.Array(r.TriedDriverIDs), pq.Array(r.RejectedDriverIDs),
		nullStr(r.AssignedDriverID), r.Priority, r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.DispatchRequest, error) {
	row := p.db.QueryRowContext(ctx, selectRequest+` WHERE id=$1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) ListSearching(ctx context.Context) ([]*models.DispatchRequest, error) {
	rows, err := p.db.QueryContext(ctx, selectRequest+` WHERE status='searching' ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (p *PostgresStore) ListStaleSearching(ctx context.Context, cutoff time.Time) ([]*models.DispatchRequest, error) {
	rows, err := p.db.QueryContext(ctx, selectRequest+` WHERE status='searching' AND updated_at < $1 ORDER BY priority DESC, created_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (p *PostgresStore) AppendTried(ctx context.Context, id string, driverIDs []string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_requests
		SET tried_driver_ids = ARRAY(SELECT DISTINCT unnest(tried_driver_ids || $2::text[])),
		    updated_at = now()
		WHERE id = $1`, id, pq.Array(driverIDs))
	return err
}

func (p *PostgresStore) AppendRejected(ctx context.Context, id string, driverID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_requests
		SET rejected_driver_ids = ARRAY(SELECT DISTINCT unnest(rejected_driver_ids || ARRAY[$2]::text[])),
		    updated_at = now()
		WHERE id = $1`, id, driverID)
	return err
}

func (p *PostgresStore) WidenRadius(ctx context.Context, id string, stepKm float64) (float64, error) {
	var radius float64
	err := p.db.QueryRowContext(ctx, `
		UPDATE dispatch_requests
		SET current_radius_km = LEAST(current_radius_km + $2, max_radius_km),
		    updated_at = now()
		WHERE id = $1
		RETURNING current_radius_km`, id, stepKm).Scan(&radius)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return radius, err
}

// AssignRequest is the race-resolving update: the WHERE status guard
// means at most one concurrent accept observes a row change.
func (p *PostgresStore) AssignRequest(ctx context.Context, id, driverID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_requests
		SET status='assigned', assigned_driver_id=$2, updated_at=now()
		WHERE id=$1 AND status='searching'`, id, driverID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ExpireRequest(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_requests
		SET status='expired', updated_at=now()
		WHERE id=$1 AND status='searching'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.DriverNotification) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_notifications(
			id, request_id, driver_id, order_id, service_type,
			accepted, rejected, accepted_at, rejected_at, created_at, expires_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		n.ID, n.RequestID, n.DriverID, n.OrderID, string(n.ServiceType),
		n.Accepted, n.Rejected, n.AcceptedAt, n.RejectedAt, n.CreatedAt, n.ExpiresAt)
	return err
}

func (p *PostgresStore) GetNotification(ctx context.Context, id string) (*models.DriverNotification, error) {
	row := p.db.QueryRowContext(ctx, selectNotification+` WHERE id=$1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (p *PostgresStore) MarkNotificationAccepted(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.flipNotification(ctx, `SET accepted=true, accepted_at=$2`, id, at)
}

func (p *PostgresStore) MarkNotificationRejected(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.flipNotification(ctx, `SET rejected=true, rejected_at=$2`, id, at)
}

func (p *PostgresStore) flipNotification(ctx context.Context, set string, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE driver_notifications `+set+`
		WHERE id=$1 AND accepted=false AND rejected=false`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) CancelSiblings(ctx context.Context, requestID, winnerID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE driver_notifications
		SET rejected=true, rejected_at=$3
		WHERE request_id=$1 AND id<>$2 AND accepted=false AND rejected=false`,
		requestID, winnerID, at)
	return err
}

func (p *PostgresStore) ExpireStaleNotifications(ctx context.Context, now time.Time) ([]*models.DriverNotification, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE driver_notifications
		SET rejected=true, rejected_at=$1
		WHERE expires_at < $1 AND accepted=false AND rejected=false
		RETURNING id, request_id, driver_id, order_id, service_type,
		          accepted, rejected, accepted_at, rejected_at, created_at, expires_at`, now)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

func (p *PostgresStore) PendingForDriver(ctx context.Context, driverID string) ([]*models.DriverNotification, error) {
	rows, err := p.db.QueryContext(ctx, selectNotification+`
		WHERE driver_id=$1 AND accepted=false AND rejected=false AND expires_at > now()
		ORDER BY created_at ASC`, driverID)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

const selectRequest = `
	SELECT id, order_id, service_type, customer_id, customer_name, customer_phone,
	       pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	       vehicle_constraint, current_radius_km, max_radius_km,
	       status, tried_driver_ids, rejected_driver_ids,
	       assigned_driver_id, priority, expires_at, created_at, updated_at
	FROM dispatch_requests`

const selectNotification = `
	SELECT id, request_id, driver_id, order_id, service_type,
	       accepted, rejected, accepted_at, rejected_at, created_at, expires_at
	FROM driver_notifications`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*models.DispatchRequest, error) {
	var r models.DispatchRequest
	var svc, status string
	var dropLat, dropLon sql.NullFloat64
	var custName, custPhone, vehicle, assigned sql.NullString
	err := row.Scan(&r.ID, &r.OrderID, &svc, &r.CustomerID, &custName, &custPhone,
		&r.Pickup.Lat, &r.Pickup.Lon, &dropLat, &dropLon,
		&vehicle, &r.CurrentRadiusKm, &r.MaxRadiusKm,
		&status, pq.Array(&r.TriedDriverIDs), pq.Array(&r.RejectedDriverIDs),
		&assigned, &r.Priority, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.ServiceType = models.ServiceType(svc)
	r.Status = models.RequestStatus(status)
	if dropLat.Valid && dropLon.Valid {
		r.Dropoff = &models.Coord{Lat: dropLat.Float64, Lon: dropLon.Float64}
	}
	r.CustomerName = custName.String
	r.CustomerPhone = custPhone.String
	r.VehicleConstraint = vehicle.String
	r.AssignedDriverID = assigned.String
	return &r, nil
}

func scanRequests(rows *sql.Rows) ([]*models.DispatchRequest, error) {
	defer rows.Close()
	out := []*models.DispatchRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanNotification(row rowScanner) (*models.DriverNotification, error) {
	var n models.DriverNotification
	var svc string
	var acceptedAt, rejectedAt sql.NullTime
	err := row.Scan(&n.ID, &n.RequestID, &n.DriverID, &n.OrderID, &svc,
		&n.Accepted, &n.Rejected, &acceptedAt, &rejectedAt, &n.CreatedAt, &n.ExpiresAt)
	if err != nil {
		return nil, err
	}
	n.ServiceType = models.ServiceType(svc)
	if acceptedAt.Valid {
		n.AcceptedAt = &acceptedAt.Time
	}
	if rejectedAt.Valid {
		n.RejectedAt = &rejectedAt.Time
	}
	return &n, nil
}

func scanNotifications(rows *sql.Rows) ([]*models.DriverNotification, error) {
	defer rows.Close()
	out := []*models.DriverNotification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func dropoffLat(r *models.DispatchRequest) interface{} {
	if r.Dropoff == nil {
		return nil
	}
	return r.Dropoff.Lat
}

func dropoffLon(r *models.DispatchRequest) interface{} {
	if r.Dropoff == nil {
		return nil
	}
	return r.Dropoff.Lon
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
