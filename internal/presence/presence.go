// Package presence maps user identities to their live WebSocket connection.
// Registration is last-writer-wins: a second connection claiming an identity
// silently supersedes the first, and the superseded connection's eventual
// disconnect must not clear the newer binding.
package presence

import (
	"sort"
	"sync"

	"github.com/gorgiachat/signal-relay/internal/wire"
)

// Entry is one identity binding.
type Entry struct {
	ConnID string
	Info   wire.UserInfo
}

type Registry struct {
	mu     sync.Mutex
	byUser map[wire.UserID]Entry
	byConn map[string]wire.UserID
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[wire.UserID]Entry),
		byConn: make(map[string]wire.UserID),
	}
}

// Register binds user to connID, superseding any previous binding for the
// same user. It returns the superseded connection's id (empty if none), the
// identity the connection previously held if it re-registered under a new
// one (zero if none; user ids are never zero past the decoder), and whether
// the user was previously offline, i.e. whether this registration is a
// genuine offline-to-online transition.
func (r *Registry) Register(user wire.UserID, info wire.UserInfo, connID string) (supersededConn string, displaced wire.UserID, cameOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.byUser[user]
	if existed && prev.ConnID != connID {
		delete(r.byConn, prev.ConnID)
		supersededConn = prev.ConnID
	}

	// A connection may re-register under a different identity; the old
	// identity goes offline.
	if oldUser, ok := r.byConn[connID]; ok && oldUser != user {
		delete(r.byUser, oldUser)
		displaced = oldUser
	}

	r.byUser[user] = Entry{ConnID: connID, Info: info}
	r.byConn[connID] = user
	return supersededConn, displaced, !existed
}

// Unregister clears the binding held by connID. If the connection never
// registered, or its identity has since been claimed by a newer connection,
// it reports ok=false and clears nothing.
func (r *Registry) Unregister(connID string) (user wire.UserID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok = r.byConn[connID]
	if !ok {
		return 0, false
	}
	if cur := r.byUser[user]; cur.ConnID != connID {
		// Stale: a newer connection owns this identity now.
		delete(r.byConn, connID)
		return 0, false
	}
	delete(r.byUser, user)
	delete(r.byConn, connID)
	return user, true
}

// Lookup resolves a user to their current connection.
func (r *Registry) Lookup(user wire.UserID) (connID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[user]
	return e.ConnID, ok
}

// Info returns the profile supplied at registration.
func (r *Registry) Info(user wire.UserID) (wire.UserInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[user]
	return e.Info, ok
}

// UserOf resolves a connection back to its registered identity.
func (r *Registry) UserOf(connID string) (wire.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byConn[connID]
	if !ok {
		return 0, false
	}
	if cur := r.byUser[user]; cur.ConnID != connID {
		return 0, false
	}
	return user, true
}

// OnlineUsers returns all registered identities in ascending order.
func (r *Registry) OnlineUsers() []wire.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]wire.UserID, 0, len(r.byUser))
	for u := range r.byUser {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}
