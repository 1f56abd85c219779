package signaling

import (
	"io"
	"log/slog"
	"time"

	"github.com/converse-chat/relay/internal/metrics"
	"github.com/converse-chat/relay/internal/store"
)

// ConversationLog is the subset of the conversation store the router needs.
type ConversationLog interface {
	Append(key string, msg store.Message) error
}

// Router dispatches authenticated client envelopes: chat messages are
// persisted then relayed, call signals are gated by the call table, and
// everything relayed carries the authenticated sender in its from field.
type Router struct {
	registry      *Registry
	calls         *CallTable
	conversations ConversationLog
	metrics       *metrics.Metrics
	log           *slog.Logger
}

func NewRouter(registry *Registry, calls *CallTable, conversations ConversationLog, m *metrics.Metrics, log *slog.Logger) *Router {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{
		registry:      registry,
		calls:         calls,
		conversations: conversations,
		metrics:       m,
		log:           log,
	}
}

// Route handles one envelope from an authenticated sender. Undeliverable
// messages are dropped without feedback to the sender; the sender learns
// about absent peers from presence broadcasts, not from relay errors.
func (rt *Router) Route(sender string, env Envelope) {
	switch env.Type {
	case TypeChatMessage:
		rt.routeChat(sender, env)
	case TypeCallOffer:
		rt.routeOffer(sender, env)
	case TypeCallAnswer:
		rt.routeAnswer(sender, env)
	case TypeICECandidate:
		rt.routeCandidate(sender, env)
	case TypeHangUp:
		rt.routeHangUp(sender)
	default:
		rt.metrics.Inc(metrics.ProtocolError)
		rt.log.Debug("unroutable envelope type", "user", sender, "type", env.Type)
	}
}

// Disconnect tears down everything the identity holds: an implicit hang-up
// toward any call partner, then presence removal. Safe to call for sessions
// that never completed login state transitions.
func (rt *Router) Disconnect(identity string) {
	if partner, ok := rt.calls.HangUp(identity); ok {
		rt.sendTo(partner, TypeHangUp, HangUp{To: partner, From: identity})
	}
	rt.registry.Unregister(identity)
}

// ExpireStaleCalls removes unanswered attempts older than maxAge and sends
// both parties a hang-up so their UIs leave the ringing state.
func (rt *Router) ExpireStaleCalls(maxAge time.Duration) {
	for _, pair := range rt.calls.ExpirePending(maxAge) {
		initiator, responder := pair[0], pair[1]
		rt.metrics.Inc(metrics.CallSetupExpired)
		rt.log.Info("call attempt expired", "initiator", initiator, "responder", responder)
		rt.sendTo(initiator, TypeHangUp, HangUp{To: initiator, From: responder})
		rt.sendTo(responder, TypeHangUp, HangUp{To: responder, From: initiator})
	}
}

func (rt *Router) routeChat(sender string, env Envelope) {
	var msg ChatMessage
	if err := env.Decode(&msg); err != nil {
		rt.protocolError(sender, err)
		return
	}
	if err := msg.Validate(); err != nil {
		rt.protocolError(sender, err)
		return
	}

	msg.From = sender
	msg.Sender = sender
	if msg.Receiver == "" {
		msg.Receiver = msg.To
	}

	// Persist first. A storage failure is logged and counted but must not
	// block delivery to a connected peer.
	key := store.Key(sender, msg.To)
	if err := rt.conversations.Append(key, msg.Stored()); err != nil {
		rt.metrics.Inc(metrics.PersistenceFailure)
		rt.log.Error("persist chat message", "user", sender, "conversation", key, "err", err)
	}

	rt.sendTo(msg.To, TypeChatMessage, msg)
}

func (rt *Router) routeOffer(sender string, env Envelope) {
	var offer CallOffer
	if err := env.Decode(&offer); err != nil {
		rt.protocolError(sender, err)
		return
	}
	if err := offer.Validate(); err != nil {
		rt.protocolError(sender, err)
		return
	}
	offer.From = sender

	// An offline callee and a busy party look identical to the caller: the
	// offer is silently dropped and no call state is created.
	conn, online := rt.registry.Resolve(offer.To)
	if !online {
		rt.metrics.Inc(metrics.RelayDropOffline)
		rt.log.Debug("call offer to offline user", "user", sender, "to", offer.To)
		return
	}

	if err := rt.calls.Offer(sender, offer.To); err != nil {
		rt.metrics.Inc(metrics.CallOfferRejectedBusy)
		rt.log.Info("call offer rejected", "user", sender, "to", offer.To, "err", err)
		return
	}

	// A callee disconnecting right now may have finished its teardown before
	// the attempt above existed, leaving nothing to hang it up. If the send
	// fails, or the callee is gone by the time it completes, roll the attempt
	// back so the caller does not stay in CALLING toward a vanished peer.
	if !rt.send(offer.To, conn, TypeCallOffer, offer) {
		rt.calls.HangUp(sender)
		return
	}
	if _, stillOnline := rt.registry.Resolve(offer.To); !stillOnline {
		rt.calls.HangUp(sender)
	}
}

func (rt *Router) routeAnswer(sender string, env Envelope) {
	var answer CallAnswer
	if err := env.Decode(&answer); err != nil {
		rt.protocolError(sender, err)
		return
	}
	if err := answer.Validate(); err != nil {
		rt.protocolError(sender, err)
		return
	}
	answer.From = sender

	if err := rt.calls.Answer(sender, answer.To); err != nil {
		rt.metrics.Inc(metrics.CallSignalRejected)
		rt.log.Debug("call answer rejected", "user", sender, "to", answer.To, "err", err)
		return
	}

	rt.sendTo(answer.To, TypeCallAnswer, answer)
}

func (rt *Router) routeCandidate(sender string, env Envelope) {
	var cand ICECandidate
	if err := env.Decode(&cand); err != nil {
		rt.protocolError(sender, err)
		return
	}
	if err := cand.Validate(); err != nil {
		rt.protocolError(sender, err)
		return
	}
	cand.From = sender

	// Candidates trickle during setup and after answer; they are relayed for
	// as long as the pair shares an attempt, and dropped once it is gone.
	if !rt.calls.HasAttempt(sender, cand.To) {
		rt.metrics.Inc(metrics.CallSignalRejected)
		rt.log.Debug("ice candidate without call attempt", "user", sender, "to", cand.To)
		return
	}

	rt.sendTo(cand.To, TypeICECandidate, cand)
}

func (rt *Router) routeHangUp(sender string) {
	// Idempotent: a hang-up outside any attempt is a silent no-op, so both
	// parties may hang up without racing each other.
	partner, ok := rt.calls.HangUp(sender)
	if !ok {
		return
	}
	rt.log.Info("call ended", "user", sender, "partner", partner)
	rt.sendTo(partner, TypeHangUp, HangUp{To: partner, From: sender})
}

// sendTo resolves the recipient and relays one payload to them.
func (rt *Router) sendTo(to string, typ string, payload any) {
	conn, ok := rt.registry.Resolve(to)
	if !ok {
		rt.metrics.Inc(metrics.RelayDropOffline)
		rt.log.Debug("recipient offline", "to", to, "type", typ)
		return
	}
	rt.send(to, conn, typ, payload)
}

// send relays one payload to a resolved connection. It reports whether the
// envelope was handed to the transport.
func (rt *Router) send(to string, conn Conn, typ string, payload any) bool {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		rt.log.Error("encode relay payload", "to", to, "type", typ, "err", err)
		return false
	}
	if err := conn.Send(env); err != nil {
		rt.metrics.Inc(metrics.RelayDropSendError)
		rt.log.Warn("relay send failed", "to", to, "type", typ, "err", err)
		return false
	}
	rt.metrics.Inc(metrics.MessagesRelayed)
	return true
}

func (rt *Router) protocolError(sender string, err error) {
	rt.metrics.Inc(metrics.ProtocolError)
	rt.log.Debug("invalid payload", "user", sender, "err", err)
}
