package metrics

import "sync"

// Event and drop reason names. Kept as plain strings so the registry stays a
// simple counter map; the Prometheus handler exposes them as labels.
const (
	AuthFailure = "auth_failure"

	DropReasonRateLimited   = "rate_limited"
	DropReasonMalformed     = "malformed_event"
	DropReasonStaleSession  = "stale_session"
	DropReasonSendQueueFull = "send_queue_full"
	DropReasonTargetOffline = "target_offline"

	PresenceRegistered   = "presence_registered"
	PresenceUnregistered = "presence_unregistered"

	CallPlaced     = "call_placed"
	CallAccepted   = "call_accepted"
	CallRejected   = "call_rejected"
	CallEnded      = "call_ended"
	CallTimedOut   = "call_timed_out"
	CallFailed     = "call_failed"
	CallPairBusy   = "call_pair_busy"
	CallPeerLost   = "call_peer_lost"
	DirectoryError = "directory_error"

	MessagesBroadcast = "messages_broadcast"
	MessagesDirect    = "messages_direct"
	MessagesGroup     = "messages_group"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps the
// relay's enforcement and signaling paths testable without a metrics backend;
// scraping goes through PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
