// Package sessionstore owns the per-role credential material used by
// the request pipeline and the channel manager. Durable backends exist
// so a process restart does not force a re-login; the server remains
// the only authorization source of truth — a stored token merely lets
// the client attempt authenticated calls immediately.
package sessionstore

import (
	"context"
	"fmt"

	"github.com/opsdesk/console-client-go/internal/model"
)

// Store holds at most one token pair per role; Set overwrites. Get
// returns (nil, nil) when no session is held for the role.
//
// Only the pipeline's renewal path and explicit login/logout flows
// write to the store.
type Store interface {
	Get(ctx context.Context, role model.Role) (*model.Session, error)
	Set(ctx context.Context, session model.Session) error
	Clear(ctx context.Context, role model.Role) error
	ClearAll(ctx context.Context) error
	HasActive(ctx context.Context) (bool, error)
}

func validateSession(session model.Session) error {
	if !session.Role.Valid() {
		return fmt.Errorf("invalid session role %q", session.Role)
	}
	if session.AccessToken == "" || session.RefreshToken == "" {
		return fmt.Errorf("session for role %q is missing token material", session.Role)
	}
	return nil
}
