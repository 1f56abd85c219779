package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/converse-chat/relay/internal/store"
)

// Envelope types exchanged over the WebSocket. Client-to-server types are
// routed by the session loop; server-to-client types are emitted by the
// router, registry, and auth handlers.
const (
	TypeRegister = "register"
	TypeLogin    = "login"

	TypeRegisterSuccess = "register-success"
	TypeRegisterError   = "register-error"
	TypeLoginSuccess    = "login-success"
	TypeLoginError      = "login-error"

	TypeUpdateUserList = "update-user-list"
	TypeChatHistory    = "chat-history"

	TypeChatMessage  = "chat-message"
	TypeCallOffer    = "call-offer"
	TypeCallAnswer   = "call-answer"
	TypeICECandidate = "ice-candidate"
	TypeHangUp       = "hang-up"
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseEnvelope decodes a raw WebSocket text frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// NewEnvelope wraps a payload value in an envelope of the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: data}, nil
}

// Decode unmarshals the envelope payload into v. Unknown fields are
// tolerated; clients ship extra metadata we don't care about.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: malformed payload: %w", e.Type, err)
	}
	return nil
}

// Credentials is the payload of register and login requests.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Status carries a human-readable message on auth success/error responses.
type Status struct {
	Message string `json:"message"`
}

// LoginSuccess confirms authentication and echoes the bound identity.
type LoginSuccess struct {
	Username string `json:"username"`
}

// User is one entry of a presence broadcast.
type User struct {
	Username string `json:"username"`
}

// UserList is the payload of update-user-list broadcasts. It always carries
// the full active set, never a delta.
type UserList struct {
	Users []User `json:"users"`
}

// ChatHistory is the payload of the post-login history push, keyed by
// conversation key.
type ChatHistory struct {
	History map[string][]store.Message `json:"history"`
}

// ChatMessage is the payload of chat-message in both directions. The server
// overwrites From and Sender with the authenticated identity before
// persisting or relaying.
type ChatMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
}

func (m ChatMessage) Validate() error {
	if m.To == "" {
		return fmt.Errorf("chat-message: missing to")
	}
	return nil
}

// Stored returns the persistable form of the message.
func (m ChatMessage) Stored() store.Message {
	return store.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Text:      m.Text,
		Timestamp: m.Timestamp,
	}
}

// SDP is a session description as carried on the wire.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ToPion converts the wire form into a pion session description. Only offer
// and answer occur in this protocol; pranswer and rollback are rejected.
func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("empty sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// SDPFromPion converts a pion session description to the wire form.
func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

// Candidate is a trickle-ICE candidate as carried on the wire. An empty
// Candidate string is the end-of-candidates marker and is relayed as-is.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ToPion converts the wire candidate into pion's init form.
func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// CandidateFromPion converts a pion candidate init to the wire form.
func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// CallOffer is the payload of call-offer in both directions.
type CallOffer struct {
	To    string `json:"to"`
	From  string `json:"from,omitempty"`
	Offer SDP    `json:"offer"`
}

func (o CallOffer) Validate() error {
	if o.To == "" {
		return fmt.Errorf("call-offer: missing to")
	}
	desc, err := o.Offer.ToPion()
	if err != nil {
		return fmt.Errorf("call-offer: %w", err)
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("call-offer: sdp type %q is not an offer", o.Offer.Type)
	}
	return nil
}

// CallAnswer is the payload of call-answer in both directions.
type CallAnswer struct {
	To     string `json:"to"`
	From   string `json:"from,omitempty"`
	Answer SDP    `json:"answer"`
}

func (a CallAnswer) Validate() error {
	if a.To == "" {
		return fmt.Errorf("call-answer: missing to")
	}
	desc, err := a.Answer.ToPion()
	if err != nil {
		return fmt.Errorf("call-answer: %w", err)
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("call-answer: sdp type %q is not an answer", a.Answer.Type)
	}
	return nil
}

// ICECandidate is the payload of ice-candidate in both directions.
type ICECandidate struct {
	To        string    `json:"to"`
	From      string    `json:"from,omitempty"`
	Candidate Candidate `json:"candidate"`
}

func (c ICECandidate) Validate() error {
	if c.To == "" {
		return fmt.Errorf("ice-candidate: missing to")
	}
	return nil
}

// HangUp is the payload of hang-up in both directions.
type HangUp struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}
