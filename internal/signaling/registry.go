package signaling

import (
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/converse-chat/relay/internal/metrics"
)

// Conn is the send side of a client session as seen by the registry and
// router. Send must be safe for concurrent use.
type Conn interface {
	Send(env Envelope) error
}

// Registry maps authenticated identities to their single live session and
// broadcasts the full presence list after every membership change.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]Conn
}

func NewRegistry(m *metrics.Metrics, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		log:      log,
		metrics:  m,
		sessions: make(map[string]Conn),
	}
}

// Register binds an identity to a session. A second concurrent session for
// the same identity is rejected with ErrIdentityActive; the existing session
// is never displaced. Registering does not announce the new member: the
// login handler replies login-success first and then calls
// BroadcastPresence, so the presence push never precedes the login reply.
func (r *Registry) Register(identity string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[identity]; ok {
		return ErrIdentityActive
	}
	r.sessions[identity] = conn
	return nil
}

// BroadcastPresence pushes the current active-user list to every session.
func (r *Registry) BroadcastPresence() {
	r.broadcastPresence()
}

// Unregister removes an identity's session if present. It is a no-op for
// unknown identities, so disconnect teardown is idempotent.
func (r *Registry) Unregister(identity string) {
	r.mu.Lock()
	_, ok := r.sessions[identity]
	delete(r.sessions, identity)
	r.mu.Unlock()

	if ok {
		r.broadcastPresence()
	}
}

// Resolve returns the live session for an identity, if any.
func (r *Registry) Resolve(identity string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.sessions[identity]
	return conn, ok
}

// ListActive returns the sorted identities with a live session.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// broadcastPresence pushes the full active-user list to every live session.
// Sends happen outside the lock; a failed send only affects that recipient.
func (r *Registry) broadcastPresence() {
	r.mu.Lock()
	names := make([]string, 0, len(r.sessions))
	conns := make(map[string]Conn, len(r.sessions))
	for name, conn := range r.sessions {
		names = append(names, name)
		conns[name] = conn
	}
	r.mu.Unlock()

	sort.Strings(names)
	users := make([]User, len(names))
	for i, name := range names {
		users[i] = User{Username: name}
	}

	env, err := NewEnvelope(TypeUpdateUserList, UserList{Users: users})
	if err != nil {
		r.log.Error("encode presence broadcast", "err", err)
		return
	}

	for identity, conn := range conns {
		if err := conn.Send(env); err != nil {
			r.metrics.Inc(metrics.RelayDropSendError)
			r.log.Warn("presence push failed", "user", identity, "err", err)
		}
	}
}
