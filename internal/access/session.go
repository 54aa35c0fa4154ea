package access

import (
	"context"
	"sync/atomic"
)

// Session is the ephemeral record of one successful authentication. It
// carries only the identity id and username, never the password or digest,
// lives in memory, and is owned by a single logical login.
type Session struct {
	IdentityID string
	Username   string

	ended atomic.Bool
}

// Active reports whether the session has not been ended.
func (s *Session) Active() bool {
	return s != nil && !s.ended.Load()
}

// End terminates the session. Ending twice, or ending a nil session, is a
// no-op.
func (s *Session) End() {
	if s == nil {
		return
	}
	s.ended.Store(true)
}

type sessionContextKey struct{}

// ContextWithSession binds an authenticated session to the context.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// SessionFromContext extracts the bound session, if any.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(sessionContextKey{}).(*Session)
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}

// RequireAuthenticated fails with ErrNotAuthenticated unless a live session
// is bound to the context. Every protected operation runs this gate before
// any permission check.
func RequireAuthenticated(ctx context.Context) (*Session, error) {
	s, ok := SessionFromContext(ctx)
	if !ok || !s.Active() {
		return nil, ErrNotAuthenticated
	}
	return s, nil
}
