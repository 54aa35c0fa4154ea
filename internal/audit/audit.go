// Package audit defines the sink notified of security-relevant events:
// authentication attempts, authorization denials, and credential or role
// mutations. The engine treats delivery as fire-and-forget; a hook must
// never block or fail the operation that triggered it.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shelterdesk.org/internal/obs"
)

// Kind identifies the class of a recorded event.
type Kind string

const (
	KindAuthSuccess        Kind = "authentication.success"
	KindAuthFailure        Kind = "authentication.failure"
	KindAuthzDenied        Kind = "authorization.denied"
	KindPasswordChanged    Kind = "credential.password_changed"
	KindAccountActivated   Kind = "account.activated"
	KindAccountDeactivated Kind = "account.deactivated"
	KindRoleAssigned       Kind = "role.assigned"
	KindRoleRevoked        Kind = "role.revoked"
	KindIdentityRegistered Kind = "identity.registered"
)

// Event is a single audit record. Subject is the identity id or username
// the event concerns; Detail carries event-specific fields.
type Event struct {
	ID      string
	Kind    Kind
	Subject string
	Detail  map[string]string
	At      time.Time
}

// Hook receives audit events. Implementations own delivery; the caller does
// not wait on or observe the outcome.
type Hook interface {
	Record(ctx context.Context, e Event)
}

type nopHook struct{}

func (nopHook) Record(context.Context, Event) {}

// Nop returns a hook that discards every event.
func Nop() Hook { return nopHook{} }

// LogHook writes audit events as structured log lines.
type LogHook struct {
	log *zap.Logger
}

// NewLogHook builds a hook over the given logger. A nil logger falls back
// to the shared obs logger.
func NewLogHook(log *zap.Logger) *LogHook {
	if log == nil {
		log = obs.Logger()
	}
	return &LogHook{log: log}
}

func (h *LogHook) Record(_ context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.String("subject", e.Subject),
		zap.Time("occurred_at", e.At),
	}
	if len(e.Detail) > 0 {
		fields = append(fields, zap.Any("detail", e.Detail))
	}
	h.log.Info("audit", fields...)
}
