package session

import (
	"context"
	"time"
)

type Repository interface {
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	StoreSession(ctx context.Context, session Session) error
	DeleteSession(ctx context.Context, session Session) error
}

// ExpiredDeleter is implemented by backends that do not expire sessions on their own.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
