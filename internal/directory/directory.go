// Package directory looks up user profiles and group membership from the
// REST backend that owns account data. The relay treats it as best-effort:
// a failed profile lookup falls back to the caller-supplied info, and a
// failed membership lookup drops the group fan-out rather than guessing.
package directory

import (
	"context"

	"github.com/gorgiachat/signal-relay/internal/wire"
)

// UserDirectory resolves an identity to its display profile.
type UserDirectory interface {
	UserInfo(ctx context.Context, id wire.UserID) (wire.UserInfo, error)
}

// GroupDirectory resolves a group to its member identities.
type GroupDirectory interface {
	GroupMembers(ctx context.Context, groupID int64) ([]wire.UserID, error)
}

// Nop is the directory used when no backend is configured. Lookups fail
// fast so callers take their fallback path immediately.
type Nop struct{}

func (Nop) UserInfo(context.Context, wire.UserID) (wire.UserInfo, error) {
	return wire.UserInfo{}, ErrNotConfigured
}

func (Nop) GroupMembers(context.Context, int64) ([]wire.UserID, error) {
	return nil, ErrNotConfigured
}
