// Package call tracks signaling sessions between pairs of users. A session
// moves RINGING -> ACTIVE and then to exactly one terminal state; terminal
// sessions are removed from the table immediately, so every live entry is
// either ringing or active.
package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorgiachat/signal-relay/internal/ratelimit"
	"github.com/gorgiachat/signal-relay/internal/wire"
)

type State int

const (
	StateRinging State = iota
	StateActive
	StateEnded
	StateRejected
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrPairBusy  = errors.New("participant already in a call")
	ErrNoSession = errors.New("no such call session")
	ErrNotCallee = errors.New("answer from a user who is not the callee")
)

// Session is one call attempt between two users.
type Session struct {
	Caller    wire.UserID
	Callee    wire.UserID
	State     State
	IsVideo   bool
	StartedAt time.Time

	// Epoch distinguishes this attempt from earlier attempts between the
	// same pair, so a stale ring timer cannot kill a newer call.
	Epoch uint64
}

// Peer returns the other participant.
func (s *Session) Peer(user wire.UserID) wire.UserID {
	if user == s.Caller {
		return s.Callee
	}
	return s.Caller
}

type pairKey struct {
	lo, hi wire.UserID
}

func keyFor(a, b wire.UserID) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Table holds all live sessions. It is driven from the hub's dispatch
// goroutine and needs no locking of its own.
type Table struct {
	clock    ratelimit.Clock
	sessions map[pairKey]*Session
	epoch    uint64
}

func NewTable(clock ratelimit.Clock) *Table {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Table{
		clock:    clock,
		sessions: make(map[pairKey]*Session),
	}
}

// Place starts a new ringing session. It fails with ErrPairBusy if either
// participant is already in a live session, including calling yourself.
func (t *Table) Place(caller, callee wire.UserID, isVideo bool) (*Session, error) {
	if caller == callee {
		return nil, ErrPairBusy
	}
	for _, s := range t.sessions {
		if s.Caller == caller || s.Callee == caller || s.Caller == callee || s.Callee == callee {
			return nil, ErrPairBusy
		}
	}
	t.epoch++
	s := &Session{
		Caller:    caller,
		Callee:    callee,
		State:     StateRinging,
		IsVideo:   isVideo,
		StartedAt: t.clock.Now(),
		Epoch:     t.epoch,
	}
	t.sessions[keyFor(caller, callee)] = s
	return s, nil
}

// Answer resolves a ringing session. Accepting moves it to ACTIVE; rejecting
// terminates it. Only the callee may answer.
func (t *Table) Answer(callee, caller wire.UserID, accepted bool) (*Session, error) {
	s, ok := t.sessions[keyFor(callee, caller)]
	if !ok || s.State != StateRinging {
		return nil, ErrNoSession
	}
	if s.Callee != callee {
		return nil, ErrNotCallee
	}
	if accepted {
		s.State = StateActive
		return s, nil
	}
	s.State = StateRejected
	delete(t.sessions, keyFor(callee, caller))
	return s, nil
}

// End terminates the live session between user and peer, whichever side
// initiated the original call. Either participant may end.
func (t *Table) End(user, peer wire.UserID) (*Session, error) {
	key := keyFor(user, peer)
	s, ok := t.sessions[key]
	if !ok {
		return nil, ErrNoSession
	}
	s.State = StateEnded
	delete(t.sessions, key)
	return s, nil
}

// DropParticipant terminates every live session involving user, marking them
// failed. It returns the terminated sessions so the hub can notify survivors.
func (t *Table) DropParticipant(user wire.UserID) []*Session {
	var dropped []*Session
	for key, s := range t.sessions {
		if s.Caller != user && s.Callee != user {
			continue
		}
		s.State = StateFailed
		delete(t.sessions, key)
		dropped = append(dropped, s)
	}
	return dropped
}

// Expire times out a ringing session if, and only if, the epoch still
// matches: a session that was answered, ended, or replaced is left alone.
func (t *Table) Expire(caller, callee wire.UserID, epoch uint64) (*Session, bool) {
	key := keyFor(caller, callee)
	s, ok := t.sessions[key]
	if !ok || s.Epoch != epoch || s.State != StateRinging {
		return nil, false
	}
	s.State = StateTimedOut
	delete(t.sessions, key)
	return s, true
}

// Between returns the live session between two users, if any.
func (t *Table) Between(a, b wire.UserID) (*Session, bool) {
	s, ok := t.sessions[keyFor(a, b)]
	return s, ok
}

// Len reports the number of live sessions.
func (t *Table) Len() int { return len(t.sessions) }
