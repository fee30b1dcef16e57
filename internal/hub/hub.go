// Package hub is the event dispatcher at the center of the relay. A single
// goroutine owns the presence registry and the call table; WebSocket read
// loops, ring timers, and directory lookups all feed it through one channel,
// so call and presence state never needs cross-goroutine locking.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gorgiachat/signal-relay/internal/call"
	"github.com/gorgiachat/signal-relay/internal/directory"
	"github.com/gorgiachat/signal-relay/internal/metrics"
	"github.com/gorgiachat/signal-relay/internal/presence"
	"github.com/gorgiachat/signal-relay/internal/ratelimit"
	"github.com/gorgiachat/signal-relay/internal/wire"
)

// Sender is the outbound half of a connection. Send must not block; it
// reports false when the frame was dropped (queue full or connection gone).
type Sender interface {
	Send(frame []byte) bool
	Close()
}

// Conn is the hub's view of one WebSocket connection. The user binding is
// owned by the dispatch goroutine and must not be touched elsewhere.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	sender Sender
	user   *wire.UserID
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock

	// RingTimeout bounds how long a call may stay unanswered.
	RingTimeout time.Duration

	// Users and Groups are optional directory backends. A nil Users skips
	// caller profile enrichment; a nil Groups disables group fan-out.
	Users  directory.UserDirectory
	Groups directory.GroupDirectory

	// AfterFunc schedules ring timers; tests substitute a manual trigger.
	AfterFunc func(d time.Duration, f func()) *time.Timer
}

type eventKind int

const (
	evAttach eventKind = iota
	evDetach
	evClient
	evRingExpired
	evCallReady
	evServerPush
)

type event struct {
	kind   eventKind
	conn   *Conn
	client wire.ClientEvent

	caller wire.UserID
	callee wire.UserID
	epoch  uint64

	ready pendingCall
	push  serverPush
}

// serverPush is an event routed to a user from off the dispatch goroutine.
type serverPush struct {
	user      wire.UserID
	eventType wire.EventType
	payload   any
}

// pendingCall is a placed call waiting on caller profile enrichment before
// the callee is rung.
type pendingCall struct {
	caller  wire.UserID
	callee  wire.UserID
	epoch   uint64
	from    wire.UserInfo
	offer   json.RawMessage
	isVideo bool
}

type Hub struct {
	log         *slog.Logger
	metrics     *metrics.Metrics
	clock       ratelimit.Clock
	ringTimeout time.Duration
	users       directory.UserDirectory
	groups      directory.GroupDirectory
	afterFunc   func(d time.Duration, f func()) *time.Timer

	registry *presence.Registry
	calls    *call.Table
	conns    map[string]*Conn

	events chan event
	done   chan struct{}
}

func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = ratelimit.RealClock{}
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = time.AfterFunc
	}
	return &Hub{
		log:         opts.Logger,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		ringTimeout: opts.RingTimeout,
		users:       opts.Users,
		groups:      opts.Groups,
		afterFunc:   opts.AfterFunc,
		registry:    presence.NewRegistry(),
		calls:       call.NewTable(opts.Clock),
		conns:       make(map[string]*Conn),
		events:      make(chan event, 1024),
		done:        make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for _, c := range h.conns {
			c.sender.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

// Attach registers a new connection with the hub.
func (h *Hub) Attach(sender Sender) *Conn {
	c := &Conn{
		ID:          uuid.NewString(),
		ConnectedAt: h.clock.Now(),
		sender:      sender,
	}
	h.enqueue(event{kind: evAttach, conn: c})
	return c
}

// Detach reconciles a closed connection: presence is cleared and any call
// the user was in is terminated, atomically from the hub's point of view.
func (h *Hub) Detach(c *Conn) {
	h.enqueue(event{kind: evDetach, conn: c})
}

// Dispatch hands one decoded client event to the hub.
func (h *Hub) Dispatch(c *Conn, ev wire.ClientEvent) {
	h.enqueue(event{kind: evClient, conn: c, client: ev})
}

func (h *Hub) enqueue(ev event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case evAttach:
		h.conns[ev.conn.ID] = ev.conn

	case evDetach:
		h.handleDetach(ev.conn)

	case evClient:
		h.handleClient(ev.conn, ev.client)

	case evRingExpired:
		h.handleRingExpired(ev.caller, ev.callee, ev.epoch)

	case evCallReady:
		h.handleCallReady(ev.ready)

	case evServerPush:
		h.sendToUser(ev.push.user, ev.push.eventType, ev.push.payload)
	}
}

func (h *Hub) handleClient(c *Conn, ev wire.ClientEvent) {
	if ev.Type == wire.EventRegisterIdentity {
		h.handleRegister(c, ev.Register)
		return
	}

	// Everything else requires a registered identity.
	if c.user == nil {
		h.metrics.Inc(metrics.DropReasonStaleSession)
		h.log.Warn("event before register-identity dropped", "event", ev.Type, "conn", c.ID)
		return
	}
	user := *c.user

	switch ev.Type {
	case wire.EventCallUser:
		h.handleCallUser(c, user, ev.CallUser)
	case wire.EventCallAnswer:
		h.handleCallAnswer(c, user, ev.CallAnswer)
	case wire.EventICECandidate:
		h.handleICECandidate(user, ev.ICECandidate)
	case wire.EventEndCall:
		h.handleEndCall(user, ev.EndCall)
	case wire.EventSendMessage:
		h.handleSendMessage(c, user, ev.SendMessage)
	}
}

func (h *Hub) handleRegister(c *Conn, reg *wire.RegisterIdentity) {
	superseded, displaced, cameOnline := h.registry.Register(reg.UserID, reg.UserInfo, c.ID)
	c.user = &reg.UserID
	h.metrics.Inc(metrics.PresenceRegistered)

	if displaced != 0 {
		// The connection switched identity; to observers the old identity
		// just disconnected.
		h.metrics.Inc(metrics.PresenceUnregistered)
		h.log.Info("connection switched identity", "conn", c.ID, "old_user", displaced, "user", reg.UserID)
		for _, sess := range h.calls.DropParticipant(displaced) {
			h.metrics.Inc(metrics.CallPeerLost)
			h.sendToUser(sess.Peer(displaced), wire.EventCallEnded, nil)
		}
		h.broadcastExcept(c.ID, wire.EventUserStatusChange, wire.UserStatusChange{
			UserID:   displaced,
			IsOnline: false,
		})
	}

	if superseded != "" {
		// The older connection loses its binding; closing it nudges the
		// stale client to notice.
		if old, ok := h.conns[superseded]; ok {
			old.sender.Close()
		}
		h.log.Info("identity re-registered, superseding connection",
			"user", reg.UserID, "conn", c.ID, "superseded", superseded)
	}

	if cameOnline {
		h.broadcastExcept(c.ID, wire.EventUserStatusChange, wire.UserStatusChange{
			UserID:   reg.UserID,
			IsOnline: true,
		})
	}

	h.sendTo(c, wire.EventOnlineUsers, h.registry.OnlineUsers())
}

func (h *Hub) handleCallUser(c *Conn, caller wire.UserID, req *wire.CallUser) {
	if _, online := h.registry.Lookup(req.To); !online {
		h.metrics.Inc(metrics.CallFailed)
		h.metrics.Inc(metrics.DropReasonTargetOffline)
		h.sendTo(c, wire.EventCallFailed, wire.CallFailed{Reason: wire.ReasonUserNotConnected})
		return
	}

	sess, err := h.calls.Place(caller, req.To, req.IsVideo)
	if err != nil {
		h.metrics.Inc(metrics.CallPairBusy)
		h.sendTo(c, wire.EventCallFailed, wire.CallFailed{Reason: wire.ReasonCallInProgress})
		return
	}
	h.metrics.Inc(metrics.CallPlaced)
	h.log.Info("call placed", "caller", caller, "callee", req.To, "video", req.IsVideo)

	epoch := sess.Epoch
	h.afterFunc(h.ringTimeout, func() {
		h.enqueue(event{kind: evRingExpired, caller: caller, callee: req.To, epoch: epoch})
	})

	pending := pendingCall{
		caller:  caller,
		callee:  req.To,
		epoch:   epoch,
		from:    h.callerProfile(caller, req.From),
		offer:   req.Offer,
		isVideo: req.IsVideo,
	}
	if h.users == nil {
		h.handleCallReady(pending)
		return
	}

	// Enrich the caller profile off the dispatch goroutine; delivery
	// re-enters as an event and re-checks call and presence state.
	go func() {
		info, err := h.users.UserInfo(context.Background(), caller)
		if err != nil {
			if !errors.Is(err, directory.ErrNotConfigured) {
				h.metrics.Inc(metrics.DirectoryError)
				h.log.Warn("caller profile lookup failed", "user", caller, "err", err)
			}
		} else {
			pending.from = mergeProfile(pending.from, info)
		}
		h.enqueue(event{kind: evCallReady, ready: pending})
	}()
}

// handleCallReady rings the callee once the caller profile is settled. The
// call may have died in the meantime; a stale pending call is dropped.
func (h *Hub) handleCallReady(p pendingCall) {
	sess, ok := h.calls.Between(p.caller, p.callee)
	if !ok || sess.Epoch != p.epoch || sess.State != call.StateRinging {
		h.metrics.Inc(metrics.DropReasonStaleSession)
		return
	}
	if !h.sendToUser(p.callee, wire.EventIncomingCall, wire.IncomingCall{
		From:    p.from,
		Offer:   p.offer,
		IsVideo: p.isVideo,
	}) {
		// Callee vanished between Place and delivery; the disconnect path
		// will fail the session and notify the caller.
		h.metrics.Inc(metrics.DropReasonTargetOffline)
	}
}

func (h *Hub) handleCallAnswer(c *Conn, callee wire.UserID, ans *wire.CallAnswer) {
	sess, err := h.calls.Answer(callee, ans.To, ans.Accepted)
	if err != nil {
		h.metrics.Inc(metrics.DropReasonStaleSession)
		h.log.Warn("stale call-answer dropped", "callee", callee, "caller", ans.To, "err", err)
		return
	}
	if ans.Accepted {
		h.metrics.Inc(metrics.CallAccepted)
		h.sendToUser(sess.Caller, wire.EventCallAccepted, wire.CallAccepted{Answer: ans.Answer})
	} else {
		h.metrics.Inc(metrics.CallRejected)
		h.sendToUser(sess.Caller, wire.EventCallRejected, nil)
	}
}

func (h *Hub) handleICECandidate(user wire.UserID, cand *wire.ICECandidate) {
	sess, ok := h.calls.Between(user, cand.To)
	if !ok || sess.Peer(user) != cand.To {
		// Candidates for a dead call are routine (trickle races teardown).
		h.metrics.Inc(metrics.DropReasonStaleSession)
		return
	}
	h.sendToUser(cand.To, wire.EventICECandidate, cand)
}

func (h *Hub) handleEndCall(user wire.UserID, end *wire.EndCall) {
	sess, err := h.calls.End(user, end.To)
	if err != nil {
		// Both sides hanging up at once is normal; only the first wins.
		h.metrics.Inc(metrics.DropReasonStaleSession)
		return
	}
	h.metrics.Inc(metrics.CallEnded)
	h.sendToUser(sess.Peer(user), wire.EventCallEnded, nil)
}

func (h *Hub) handleSendMessage(c *Conn, sender wire.UserID, msg *wire.ChatMessage) {
	switch {
	case msg.GroupID != 0:
		h.fanOutGroup(sender, msg)

	case msg.ReceiverDBID != nil:
		h.metrics.Inc(metrics.MessagesDirect)
		h.sendToUser(*msg.ReceiverDBID, wire.EventReceiveMessage, msg)
		// Echo to the sender so all of their views converge.
		h.sendTo(c, wire.EventReceiveMessage, msg)

	default:
		h.metrics.Inc(metrics.MessagesBroadcast)
		frame, err := wire.Marshal(wire.EventReceiveMessage, msg)
		if err != nil {
			h.log.Error("marshal broadcast message", "err", err)
			return
		}
		for _, conn := range h.conns {
			if conn.user == nil {
				continue
			}
			h.deliver(conn, frame)
		}
	}
}

func (h *Hub) fanOutGroup(sender wire.UserID, msg *wire.ChatMessage) {
	if h.groups == nil {
		h.metrics.Inc(metrics.DirectoryError)
		h.log.Warn("group message dropped, no group directory", "group", msg.GroupID)
		return
	}
	group := msg.GroupID
	go func() {
		members, err := h.groups.GroupMembers(context.Background(), group)
		if err != nil {
			h.metrics.Inc(metrics.DirectoryError)
			h.log.Warn("group member lookup failed", "group", group, "err", err)
			return
		}
		h.metrics.Inc(metrics.MessagesGroup)
		for _, member := range members {
			if member == sender {
				continue
			}
			h.SendToUser(member, wire.EventReceiveMessage, msg)
		}
	}()
}

func (h *Hub) handleDetach(c *Conn) {
	delete(h.conns, c.ID)
	defer c.sender.Close()

	user, ok := h.registry.Unregister(c.ID)
	if !ok {
		// Never registered, or superseded by a newer connection for the
		// same identity; either way presence and calls are untouched.
		return
	}
	h.metrics.Inc(metrics.PresenceUnregistered)

	for _, sess := range h.calls.DropParticipant(user) {
		h.metrics.Inc(metrics.CallPeerLost)
		h.sendToUser(sess.Peer(user), wire.EventCallEnded, nil)
	}

	h.broadcastExcept(c.ID, wire.EventUserStatusChange, wire.UserStatusChange{
		UserID:   user,
		IsOnline: false,
	})
	h.log.Info("user disconnected", "user", user, "conn", c.ID)
}

func (h *Hub) handleRingExpired(caller, callee wire.UserID, epoch uint64) {
	if _, ok := h.calls.Expire(caller, callee, epoch); !ok {
		return
	}
	h.metrics.Inc(metrics.CallTimedOut)
	h.log.Info("call timed out unanswered", "caller", caller, "callee", callee)
	h.sendToUser(caller, wire.EventCallFailed, wire.CallFailed{Reason: wire.ReasonCallTimeout})
	h.sendToUser(callee, wire.EventCallEnded, nil)
}

// SendToUser delivers one event to a user from outside the dispatch
// goroutine. Routing still happens on the hub goroutine, so the user's
// connection is resolved at delivery time, not enqueue time.
func (h *Hub) SendToUser(user wire.UserID, eventType wire.EventType, payload any) {
	h.enqueue(event{kind: evServerPush, push: serverPush{
		user:      user,
		eventType: eventType,
		payload:   payload,
	}})
}

// callerProfile picks the best available profile for a caller before any
// directory enrichment: the client-supplied info, falling back to whatever
// was captured at registration.
func (h *Hub) callerProfile(caller wire.UserID, supplied wire.UserInfo) wire.UserInfo {
	if supplied.ID == 0 {
		supplied.ID = caller
	}
	if supplied.Username == "" {
		if reg, ok := h.registry.Info(caller); ok {
			supplied = mergeProfile(supplied, reg)
		}
	}
	return supplied
}

func mergeProfile(base, extra wire.UserInfo) wire.UserInfo {
	if extra.Username != "" {
		base.Username = extra.Username
	}
	if extra.Email != "" {
		base.Email = extra.Email
	}
	if base.ID == 0 {
		base.ID = extra.ID
	}
	return base
}

// sendToUser routes an event to the user's current connection. It reports
// false if the user is offline.
func (h *Hub) sendToUser(user wire.UserID, eventType wire.EventType, payload any) bool {
	connID, ok := h.registry.Lookup(user)
	if !ok {
		return false
	}
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	return h.sendTo(c, eventType, payload)
}

func (h *Hub) sendTo(c *Conn, eventType wire.EventType, payload any) bool {
	frame, err := wire.Marshal(eventType, payload)
	if err != nil {
		h.log.Error("marshal outbound event", "event", eventType, "err", err)
		return false
	}
	return h.deliver(c, frame)
}

func (h *Hub) deliver(c *Conn, frame []byte) bool {
	if !c.sender.Send(frame) {
		h.metrics.Inc(metrics.DropReasonSendQueueFull)
		h.log.Warn("outbound frame dropped", "conn", c.ID)
		return false
	}
	return true
}

func (h *Hub) broadcastExcept(exceptConnID string, eventType wire.EventType, payload any) {
	frame, err := wire.Marshal(eventType, payload)
	if err != nil {
		h.log.Error("marshal broadcast event", "event", eventType, "err", err)
		return
	}
	for id, c := range h.conns {
		if id == exceptConnID {
			continue
		}
		h.deliver(c, frame)
	}
}
