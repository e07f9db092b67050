// Package pgdriver implements session.Driver against PostgreSQL via pgx,
// the optional backend a Lattice server can switch to in place of the
// default file driver (spec §4.3 pluggable Driver contract).
package pgdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/latticehttp/lattice/config"
	"github.com/latticehttp/lattice/session"
)

// schema is applied by the host process (or a migration tool); pgdriver
// assumes the table already exists with this shape:
//
//	CREATE TABLE lattice_sessions (
//	    id         TEXT PRIMARY KEY,
//	    data       JSONB NOT NULL DEFAULT '{}',
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
const tableName = "lattice_sessions"

// Driver is a session.Driver backed by a pgxpool.Pool.
type Driver struct {
	pool *pgxpool.Pool
}

// New opens a connection pool per cfg and verifies it with a ping.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Driver, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pgdriver: parse url: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("pgdriver: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgdriver: ping: %w", err)
	}
	return &Driver{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (d *Driver) Close() { d.pool.Close() }

// Health reports whether the pool can still reach the database, for wiring
// into lattice/diag.Registry.
func (d *Driver) Health(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Exists reports whether id has a row, without taking any application-level
// lock (spec §4.3: Postgres's own row visibility rules stand in for the
// driver-level atomicity guarantee within a single statement).
func (d *Driver) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM ` + tableName + ` WHERE id = $1)`
	if err := d.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("pgdriver.Exists: %w", err)
	}
	return exists, nil
}

// Load reads id's row and replaces sess's data.
func (d *Driver) Load(ctx context.Context, sess *session.Session, id string) error {
	var raw []byte
	query := `SELECT data FROM ` + tableName + ` WHERE id = $1`
	err := d.pool.QueryRow(ctx, query, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("pgdriver.Load: session %s not found: %w", id, err)
		}
		return fmt.Errorf("pgdriver.Load: %w", err)
	}
	data := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("pgdriver.Load: decode %s: %w", id, err)
		}
	}
	sess.ReplaceData(data)
	return nil
}

// Save upserts id's row with sess's current data (spec §4.4: SAVE must
// silently (re)create the record).
func (d *Driver) Save(ctx context.Context, sess *session.Session, id string) error {
	raw, err := json.Marshal(sess.Snapshot())
	if err != nil {
		return fmt.Errorf("pgdriver.Save: encode %s: %w", id, err)
	}
	query := `
		INSERT INTO ` + tableName + ` (id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
	if _, err := d.pool.Exec(ctx, query, id, raw); err != nil {
		return fmt.Errorf("pgdriver.Save: %w", err)
	}
	return nil
}

// Destroy removes id's row. Deleting a nonexistent row is not an error.
func (d *Driver) Destroy(ctx context.Context, _ *session.Session, id string) error {
	query := `DELETE FROM ` + tableName + ` WHERE id = $1`
	if _, err := d.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("pgdriver.Destroy: %w", err)
	}
	return nil
}

// Migrate loads id's record from from, then saves it under this driver.
func (d *Driver) Migrate(ctx context.Context, sess *session.Session, id string, from session.Driver) error {
	if from != nil {
		if err := from.Load(ctx, sess, id); err != nil {
			return fmt.Errorf("pgdriver.Migrate: load %s: %w", id, err)
		}
	}
	return d.Save(ctx, sess, id)
}
