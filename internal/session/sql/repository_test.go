package sessionsql_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/auth-callback/internal/dbtest/postgrestest"
	"github.com/openkcm/auth-callback/internal/serviceerr"
	"github.com/openkcm/auth-callback/internal/session"
	sessionsql "github.com/openkcm/auth-callback/internal/session/sql"
)

var dbPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, _, terminate := postgrestest.Start(ctx)

	dbPool = pool

	code := m.Run()
	terminate(ctx)
	os.Exit(code)
}

func TestRepository_LoadSession(t *testing.T) {
	tests := []struct {
		name        string
		sessionID   string
		wantSession session.Session
		assertErr   assert.ErrorAssertionFunc
	}{
		{
			name:      "Select existing session",
			sessionID: postgrestest.SessionID,
			wantSession: session.Session{
				ID:          postgrestest.SessionID,
				Subject:     "subject-one",
				Issuer:      "https://issuer-one",
				Email:       "one@example.com",
				Groups:      []string{"group-one"},
				Fingerprint: "fingerprint-one",
				IssuedAt:    postgrestest.IssuedAt,
				ExpiresAt:   postgrestest.ExpiryTime,
			},
			assertErr: assert.NoError,
		},
		{
			name:      "Error does not exist",
			sessionID: "does-not-exist",
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrNotFound)
			},
		},
	}

	repo := sessionsql.NewRepository(dbPool)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.LoadSession(t.Context(), tt.sessionID)
			if !tt.assertErr(t, err) {
				return
			}

			if diff := cmp.Diff(tt.wantSession, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("LoadSession() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRepository_StoreAndDeleteSession(t *testing.T) {
	ctx := t.Context()
	repo := sessionsql.NewRepository(dbPool)
	now := time.Now().Truncate(time.Millisecond)

	s := session.Session{
		ID:        "store-delete-id",
		Subject:   "alice",
		Issuer:    "https://idp",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}

	require.NoError(t, repo.StoreSession(ctx, s))

	err := repo.StoreSession(ctx, s)
	require.ErrorIs(t, err, serviceerr.ErrConflict)

	got, err := repo.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(s, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("LoadSession() mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, repo.DeleteSession(ctx, s))
	require.ErrorIs(t, repo.DeleteSession(ctx, s), serviceerr.ErrNotFound)
}

func TestRepository_DeleteExpired(t *testing.T) {
	ctx := t.Context()
	repo := sessionsql.NewRepository(dbPool)
	now := time.Now()

	expired := session.Session{
		ID:        "expired-id",
		Subject:   "bob",
		Issuer:    "https://idp",
		IssuedAt:  now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	require.NoError(t, repo.StoreSession(ctx, expired))

	deleted, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.LoadSession(ctx, expired.ID)
	require.ErrorIs(t, err, serviceerr.ErrNotFound)

	// the fixture session lives on
	_, err = repo.LoadSession(ctx, postgrestest.SessionID)
	require.NoError(t, err)
}
