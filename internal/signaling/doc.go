// Package signaling implements the relay's WebSocket surface: session
// registration, presence broadcasting, chat relay with persistence, and the
// WebRTC call-signaling exchange (offer/answer/ICE/hang-up).
//
// Every message is a JSON envelope {"type": ..., "payload": ...}. Clients
// authenticate first (register/login); after login the server stamps the
// sender identity onto every relayed payload, so peers never have to trust
// a client-supplied "from" field.
package signaling
