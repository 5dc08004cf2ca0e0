// Package sessionvalkey stores sessions in Valkey. Keys expire together with
// the session, so no housekeeping is needed for this backend.
package sessionvalkey

import (
	"context"
	"errors"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/auth-callback/internal/session"
)

type ObjectType string

const objectTypeSession ObjectType = "session"

var (
	ErrStoreSession  = errors.New("setting session into storage")
	ErrGetSession    = errors.New("getting session from store")
	ErrDeleteSession = errors.New("deleting session from store")
	ErrExpired       = errors.New("session already expired")
)

type Repository struct {
	store *store
	now   func() time.Time
}

var _ = session.Repository(&Repository{})

func NewRepository(valkeyClient valkey.Client, prefix string) *Repository {
	return &Repository{
		store: newStore(valkeyClient, prefix),
		now:   time.Now,
	}
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	var s session.Session
	if err := r.store.Get(ctx, objectTypeSession, sessionID, &s); err != nil {
		return session.Session{}, errors.Join(ErrGetSession, err)
	}

	return s, nil
}

func (r *Repository) StoreSession(ctx context.Context, s session.Session) error {
	ttl := s.Lifetime(r.now())
	if ttl <= 0 {
		return errors.Join(ErrStoreSession, ErrExpired)
	}

	if err := r.store.Set(ctx, objectTypeSession, s.ID, s, ttl); err != nil {
		return errors.Join(ErrStoreSession, err)
	}

	return nil
}

func (r *Repository) DeleteSession(ctx context.Context, s session.Session) error {
	if err := r.store.Destroy(ctx, objectTypeSession, s.ID); err != nil {
		return errors.Join(ErrDeleteSession, err)
	}

	return nil
}
