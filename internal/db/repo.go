package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"metricsconsole/internal/session"
)

// Repository is the sqlite-backed durable client storage.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM client_storage WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", session.ErrNotFound
	}
	return v, err
}

func (r *Repository) Put(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO client_storage(key,value,updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value,updated_at=excluded.updated_at`,
		key, value, r.now().UTC())
	return err
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM client_storage WHERE key=?`, key)
	return err
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}
