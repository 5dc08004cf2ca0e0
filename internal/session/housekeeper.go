package session

import (
	"context"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

// Housekeeper removes expired sessions from backends without native expiry.
type Housekeeper struct {
	sessions ExpiredDeleter
	now      func() time.Time
}

func NewHousekeeper(sessions ExpiredDeleter) *Housekeeper {
	return &Housekeeper{
		sessions: sessions,
		now:      time.Now,
	}
}

// TriggerHousekeeping deletes every session that expired before now.
func (h *Housekeeper) TriggerHousekeeping(ctx context.Context) error {
	deleted, err := h.sessions.DeleteExpired(ctx, h.now())
	if err != nil {
		return fmt.Errorf("deleting expired sessions: %w", err)
	}

	slogctx.Info(ctx, "Deleted expired sessions", "count", deleted)

	return nil
}
