package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/geofence"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

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
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. The statements
// are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) CreateTrip(ctx context.Context, req models.TripRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,now(),now())
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, driver_id=NULL, reason=NULL, updated_at=now()`,
		req.TripID, req.RiderID, req.Pickup.Lat, req.Pickup.Lon, req.Destination.Lat, req.Destination.Lon, TripRequested)
	return err
}

func (p *PostgresStore) Assign(ctx context.Context, tripID, driverID string) error {
	return p.setOutcome(ctx, tripID, TripAssigned, sql.NullString{String: driverID, Valid: true}, sql.NullString{})
}

func (p *PostgresStore) Fail(ctx context.Context, tripID, reason string) error {
	return p.setOutcome(ctx, tripID, TripFailed, sql.NullString{}, sql.NullString{String: reason, Valid: true})
}

func (p *PostgresStore) setOutcome(ctx context.Context, tripID, status string, driverID, reason sql.NullString) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status=$1, driver_id=$2, reason=$3, updated_at=now() WHERE id=$4`,
		status, driverID, reason, tripID)
	if err != nil {
		return fmt.Errorf("update trip %s: %w", tripID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
	}
	return nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, tripID string) (TripRecord, error) {
	var (
		r                TripRecord
		driverID, reason sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, rider_id, pickup_lat, pickup_lon, status, driver_id, reason, created_at, updated_at FROM trips WHERE id=$1`, tripID).
		Scan(&r.TripID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Status, &driverID, &reason, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TripRecord{}, ErrTripNotFound
	}
	if err != nil {
		return TripRecord{}, err
	}
	r.DriverID, r.Reason = driverID.String, reason.String
	return r, nil
}

// Geofences returns a geofence config store backed by the same database.
func (p *PostgresStore) Geofences() *PostgresGeofences { return &PostgresGeofences{db: p.db} }

// PostgresGeofences keeps each definition as a JSON document with its active
// flag in a separate column so toggles do not rewrite the document.
type PostgresGeofences struct {
	db *sql.DB
}

func (g *PostgresGeofences) Load(ctx context.Context) ([]geofence.Geofence, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT definition, active FROM geofences ORDER BY position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []geofence.Geofence
	for rows.Next() {
		var (
			doc    []byte
			active bool
		)
		if err := rows.Scan(&doc, &active); err != nil {
			return nil, err
		}
		var f geofence.Geofence
		if err := json.Unmarshal(doc, &f); err != nil {
			return nil, err
		}
		f.Active = active
		out = append(out, f)
	}
	return out, rows.Err()
}

func (g *PostgresGeofences) Save(ctx context.Context, f geofence.Geofence) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = g.db.ExecContext(ctx, `INSERT INTO geofences(id, definition, active, position)
		VALUES($1,$2,$3,(SELECT COALESCE(MAX(position),0)+1 FROM geofences))
		ON CONFLICT (id) DO UPDATE SET definition=EXCLUDED.definition, active=EXCLUDED.active`,
		f.ID, doc, f.Active)
	return err
}

func (g *PostgresGeofences) SetActive(ctx context.Context, id string, active bool) error {
	res, err := g.db.ExecContext(ctx, `UPDATE geofences SET active=$1 WHERE id=$2`, active, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", geofence.ErrNotFound, id)
	}
	return nil
}
