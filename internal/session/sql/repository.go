// Package sessionsql stores sessions in PostgreSQL.
package sessionsql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openkcm/auth-callback/internal/serviceerr"
	"github.com/openkcm/auth-callback/internal/session"
)

type Repository struct {
	db *pgxpool.Pool
}

var (
	_ = session.Repository(&Repository{})
	_ = session.ExpiredDeleter(&Repository{})
)

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (s session.Session, _ error) {
	if err := r.db.QueryRow(ctx, `SELECT id, subject, issuer, email, name, groups, fingerprint, issued_at, expires_at
FROM sessions
WHERE id = $1;`,
		sessionID,
	).
		Scan(&s.ID, &s.Subject, &s.Issuer, &s.Email, &s.Name, &s.Groups, &s.Fingerprint, &s.IssuedAt, &s.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, serviceerr.ErrNotFound
		}

		return session.Session{}, fmt.Errorf("selecting from sessions: %w", err)
	}

	return s, nil
}

func (r *Repository) StoreSession(ctx context.Context, s session.Session) error {
	groups := s.Groups
	if groups == nil {
		groups = []string{}
	}

	if _, err := r.db.Exec(
		ctx, `INSERT INTO sessions (id, subject, issuer, email, name, groups, fingerprint, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`,
		s.ID, s.Subject, s.Issuer, s.Email, s.Name, groups, s.Fingerprint, s.IssuedAt, s.ExpiresAt,
	); err != nil {
		if err, ok := handlePgError(err); ok {
			return err
		}

		return fmt.Errorf("inserting into sessions: %w", err)
	}

	return nil
}

func (r *Repository) DeleteSession(ctx context.Context, s session.Session) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1;`, s.ID)
	if err != nil {
		return fmt.Errorf("deleting from sessions: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func (r *Repository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1;`, before)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}
