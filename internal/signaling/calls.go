package signaling

import (
	"sync"
	"time"

	"github.com/converse-chat/relay/internal/ratelimit"
)

// CallState describes one identity's position in the call lifecycle.
type CallState int

const (
	CallIdle CallState = iota
	CallCalling
	CallIncoming
	CallActive
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallCalling:
		return "calling"
	case CallIncoming:
		return "incoming"
	case CallActive:
		return "active"
	default:
		return "unknown"
	}
}

// callAttempt is the shared record of one offer/answer exchange. Both
// participants' table entries point at the same attempt.
type callAttempt struct {
	initiator string
	responder string
	answered  bool
	started   time.Time
}

func (a *callAttempt) partnerOf(identity string) string {
	if identity == a.initiator {
		return a.responder
	}
	return a.initiator
}

// CallTable tracks at most one call attempt per identity. It only records
// who is talking to whom; SDP and candidates pass through without being
// retained.
type CallTable struct {
	clock ratelimit.Clock

	mu       sync.Mutex
	attempts map[string]*callAttempt
}

func NewCallTable(clock ratelimit.Clock) *CallTable {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &CallTable{
		clock:    clock,
		attempts: make(map[string]*callAttempt),
	}
}

// StateOf returns the identity's current call state.
func (t *CallTable) StateOf(identity string) CallState {
	t.mu.Lock()
	defer t.mu.Unlock()

	att, ok := t.attempts[identity]
	if !ok {
		return CallIdle
	}
	if att.answered {
		return CallActive
	}
	if identity == att.initiator {
		return CallCalling
	}
	return CallIncoming
}

// Offer records a new pending attempt between two idle parties. Either party
// already having an attempt, or a self-call, yields ErrPartyBusy.
func (t *CallTable) Offer(initiator, responder string) error {
	if initiator == responder {
		return ErrPartyBusy
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.attempts[initiator]; ok {
		return ErrPartyBusy
	}
	if _, ok := t.attempts[responder]; ok {
		return ErrPartyBusy
	}

	att := &callAttempt{
		initiator: initiator,
		responder: responder,
		started:   t.clock.Now(),
	}
	t.attempts[initiator] = att
	t.attempts[responder] = att
	return nil
}

// Answer marks the attempt between responder and initiator as active. The
// answer must come from the offered-to party of an unanswered attempt.
func (t *CallTable) Answer(responder, initiator string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	att, ok := t.attempts[responder]
	if !ok || att.answered || att.responder != responder || att.initiator != initiator {
		return ErrNoPendingOffer
	}
	att.answered = true
	return nil
}

// HasAttempt reports whether a and b share a call attempt, answered or not.
// ICE candidates are relayed exactly while this holds.
func (t *CallTable) HasAttempt(a, b string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	att, ok := t.attempts[a]
	return ok && att.partnerOf(a) == b
}

// HangUp removes the identity's attempt in any state and returns the former
// partner. ok is false when there was nothing to tear down.
func (t *CallTable) HangUp(identity string) (partner string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	att, ok := t.attempts[identity]
	if !ok {
		return "", false
	}
	delete(t.attempts, att.initiator)
	delete(t.attempts, att.responder)
	return att.partnerOf(identity), true
}

// ExpirePending removes unanswered attempts older than maxAge and returns
// the affected [initiator, responder] pairs.
func (t *CallTable) ExpirePending(maxAge time.Duration) [][2]string {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var expired [][2]string
	for identity, att := range t.attempts {
		if identity != att.initiator {
			continue
		}
		if att.answered || now.Sub(att.started) < maxAge {
			continue
		}
		delete(t.attempts, att.initiator)
		delete(t.attempts, att.responder)
		expired = append(expired, [2]string{att.initiator, att.responder})
	}
	return expired
}
