package metrics

import "sync"

// Event counter names. Kept as plain strings so new counters don't require a
// schema change; the Prometheus handler exposes them under a single metric
// with an `event` label.
const (
	AuthFailure          = "auth_failure"
	LoginAlreadyActive   = "login_already_active"
	RegistrationRejected = "registration_rejected"

	MessagesRelayed    = "messages_relayed"
	RelayDropOffline   = "relay_drop_offline"
	RelayDropSendError = "relay_drop_send_error"

	PersistenceFailure = "persistence_failure"
	ProtocolError      = "protocol_error"
	RateLimited        = "rate_limited"

	CallOfferRejectedBusy = "call_offer_rejected_busy"
	CallSignalRejected    = "call_signal_rejected"
	CallSetupExpired      = "call_setup_expired"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists so enforcement and relay logic stay testable without a metrics
// backend; the /metrics endpoint exposes the counters for scraping.
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
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
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
