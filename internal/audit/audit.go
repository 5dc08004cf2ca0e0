// Package audit emits login audit events through the common-sdk OTLP audit logger.
package audit

import (
	"context"

	"github.com/google/uuid"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"
)

const source = "auth callback"

// Recorder sends login events. A nil Recorder or one without a logger only
// logs that the event was skipped.
type Recorder struct {
	logger *otlpaudit.AuditLogger
}

func NewRecorder(logger *otlpaudit.AuditLogger) *Recorder {
	return &Recorder{logger: logger}
}

// LoginSucceeded records a successful login of subject.
func (r *Recorder) LoginSucceeded(ctx context.Context, subject string) {
	if r == nil || r.logger == nil {
		slogctx.Warn(ctx, "audit logger is nil; skipping user login success event")
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(source, subject, uuid.NewString())
	if err != nil {
		slogctx.Error(ctx, "creating audit metadata", "error", err)
		return
	}

	event, err := otlpaudit.NewUserLoginSuccessEvent(metadata, subject, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.MFATYPE_NONE, otlpaudit.USERTYPE_BUSINESS, subject)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := r.logger.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login success", "error", err)
		return
	}

	slogctx.Debug(ctx, "sent audit log for user login success")
}

// LoginFailed records a failed login. objectID identifies the attempt, the
// reason is free text and must not contain secrets.
func (r *Recorder) LoginFailed(ctx context.Context, objectID, reason string) {
	if r == nil || r.logger == nil {
		slogctx.Warn(ctx, "audit logger is nil; skipping user login failure event")
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(source, objectID, uuid.NewString())
	if err != nil {
		slogctx.Error(ctx, "creating audit metadata", "error", err)
		return
	}

	event, err := otlpaudit.NewUserLoginFailureEvent(metadata, objectID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.FailReason(reason), objectID)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := r.logger.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login failure", "error", err)
		return
	}

	slogctx.Debug(ctx, "sent audit log for user login failure")
}
