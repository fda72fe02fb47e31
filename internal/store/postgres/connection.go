// Package postgres backs the object and vesicle stores with a relational
// database. Objects are stored as their changeset JSON plus the indexed
// columns the engine queries on.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Connection struct {
	*pgxpool.Pool
}

func NewConnection(ctx context.Context, dsn string) (*Connection, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}
	conn := &Connection{Pool: pool}
	if err := conn.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return conn, nil
}

func (c *Connection) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS objects (
			object_type TEXT NOT NULL,
			object_id   TEXT NOT NULL,
			creator_id  TEXT NOT NULL DEFAULT '',
			state       INT  NOT NULL,
			modified    TIMESTAMPTZ NOT NULL,
			changeset   JSONB NOT NULL,
			PRIMARY KEY (object_type, object_id)
		);
		ALTER TABLE objects ADD COLUMN IF NOT EXISTS creator_id TEXT NOT NULL DEFAULT '';
		CREATE INDEX IF NOT EXISTS objects_creator_idx ON objects (object_type, creator_id);
		CREATE TABLE IF NOT EXISTS vesicles (
			vesicle_id TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			raw        BYTEA,
			received   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS vesicles_status_idx ON vesicles (status, received);`
	_, err := c.Exec(ctx, schema)
	return err
}

func (c *Connection) Close() error {
	if c.Pool != nil {
		c.Pool.Close()
	}
	return nil
}

func (c *Connection) Healthy(ctx context.Context) error {
	if c.Pool == nil {
		return fmt.Errorf("connection pool is nil")
	}
	return c.Pool.Ping(ctx)
}
