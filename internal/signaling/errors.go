package signaling

import "errors"

var (
	// ErrIdentityActive is returned when a login targets an identity that
	// already has a live session.
	ErrIdentityActive = errors.New("identity already has an active session")

	// ErrPartyBusy is returned when a call offer names a party (caller or
	// callee) that already participates in a call attempt.
	ErrPartyBusy = errors.New("party is already in a call")

	// ErrNoPendingOffer is returned when an answer arrives without a
	// matching unanswered offer from the named peer.
	ErrNoPendingOffer = errors.New("no pending offer for this pair")
)
