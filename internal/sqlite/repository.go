package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	scope      TEXT    NOT NULL,
	position   INTEGER NOT NULL,
	id         TEXT    NOT NULL,
	owner_id   TEXT    NOT NULL DEFAULT '',
	scope_key  TEXT    NOT NULL DEFAULT '',
	payload    TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (scope, id)
);

CREATE TABLE IF NOT EXISTS sessions (
	singleton     INTEGER PRIMARY KEY CHECK (singleton = 1),
	access_token  TEXT    NOT NULL,
	refresh_token TEXT    NOT NULL DEFAULT '',
	expires_at    INTEGER NOT NULL DEFAULT 0,
	user_id       TEXT    NOT NULL,
	email         TEXT    NOT NULL DEFAULT '',
	saved_at      INTEGER NOT NULL
);`

// Repository implements domain.SnapshotRepository and
// domain.SessionRepository using a local SQLite file.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (creating if needed) the SQLite database at path and
// applies the schema. The caller should call Close when the repository is no
// longer needed.
func NewRepository(path string) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveSnapshot replaces the stored records of scope with records, keeping
// their order.
func (r *Repository) SaveSnapshot(ctx context.Context, scope domain.Scope, records []domain.Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE scope = ?`, scope.String()); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (scope, position, id, owner_id, scope_key, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, id) DO UPDATE SET
			position = excluded.position,
			owner_id = excluded.owner_id,
			scope_key = excluded.scope_key,
			payload = excluded.payload,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		_, err := stmt.ExecContext(ctx,
			scope.String(),
			i,
			rec.ID,
			rec.OwnerID,
			rec.ScopeKey,
			rec.Payload,
			toUnix(rec.CreatedAt),
			toUnix(rec.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored records of scope in saved order. An unknown
// scope yields an empty slice.
func (r *Repository) LoadSnapshot(ctx context.Context, scope domain.Scope) ([]domain.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, scope_key, payload, created_at, updated_at
		FROM records
		WHERE scope = ?
		ORDER BY position`,
		scope.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshot (scope=%s): %w", scope, err)
	}
	defer rows.Close()

	records := []domain.Record{}
	for rows.Next() {
		var (
			rec                  domain.Record
			createdAt, updatedAt int64
		)
		err := rows.Scan(
			&rec.ID,
			&rec.OwnerID,
			&rec.ScopeKey,
			&rec.Payload,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.CreatedAt = fromUnix(createdAt)
		rec.UpdatedAt = fromUnix(updatedAt)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// SaveSession stores session as the current session, replacing any other.
func (r *Repository) SaveSession(ctx context.Context, session *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (singleton, access_token, refresh_token, expires_at, user_id, email, saved_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (singleton) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			user_id = excluded.user_id,
			email = excluded.email,
			saved_at = excluded.saved_at`,
		session.AccessToken,
		session.RefreshToken,
		toUnix(session.ExpiresAt),
		session.UserID,
		session.Email,
		time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the current session, or domain.ErrNotAuthenticated if
// none is stored.
func (r *Repository) LoadSession(ctx context.Context) (*domain.Session, error) {
	var (
		s         domain.Session
		expiresAt int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, user_id, email
		FROM sessions
		WHERE singleton = 1`,
	).Scan(&s.AccessToken, &s.RefreshToken, &expiresAt, &s.UserID, &s.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	s.ExpiresAt = fromUnix(expiresAt)
	return &s, nil
}

// DeleteSession forgets the current session.
func (r *Repository) DeleteSession(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
