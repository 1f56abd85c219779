package httpserver

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/converse-chat/relay/internal/metrics"
	"github.com/converse-chat/relay/internal/signaling"
	"github.com/converse-chat/relay/internal/store"
)

// The signaling endpoint hijacks the connection during the upgrade, so it
// must work through the full middleware chain, not just on a bare mux.
func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	db, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	convs, err := store.NewConversationStore(db)
	if err != nil {
		t.Fatalf("conversation store: %v", err)
	}
	t.Cleanup(func() { _ = convs.Close() })

	m := metrics.New()
	reg := signaling.NewRegistry(m, nil)
	router := signaling.NewRouter(reg, signaling.NewCallTable(nil), convs, m, nil)

	ws := signaling.NewWSServer(signaling.WSConfig{
		Identities: store.NewIdentityStore(db, bcrypt.MinCost),
		History:    convs,
		Registry:   reg,
		Router:     router,
		Metrics:    m,

		AuthTimeout:          5 * time.Second,
		IdleTimeout:          10 * time.Second,
		PingInterval:         3 * time.Second,
		MaxMessagesPerSecond: 1000,
	})
	t.Cleanup(ws.Close)

	baseURL := startTestServer(t, testConfig(), func(srv *Server) {
		ws.RegisterRoutes(srv.Mux())
	})

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("upgrade through middleware failed: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })

	send := func(typ string, payload any) {
		t.Helper()
		env, err := signaling.NewEnvelope(typ, payload)
		if err != nil {
			t.Fatalf("envelope: %v", err)
		}
		if err := conn.WriteJSON(env); err != nil {
			t.Fatalf("write %s: %v", typ, err)
		}
	}
	read := func() signaling.Envelope {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var env signaling.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		return env
	}

	// A full register + login round-trip proves frames flow both ways over
	// the hijacked connection.
	send(signaling.TypeRegister, signaling.Credentials{Username: "alice", Password: "pw"})
	if env := read(); env.Type != signaling.TypeRegisterSuccess {
		t.Fatalf("register reply type = %q, want %q", env.Type, signaling.TypeRegisterSuccess)
	}

	send(signaling.TypeLogin, signaling.Credentials{Username: "alice", Password: "pw"})
	env := read()
	if env.Type != signaling.TypeLoginSuccess {
		t.Fatalf("login reply type = %q, want %q", env.Type, signaling.TypeLoginSuccess)
	}
	var success signaling.LoginSuccess
	if err := env.Decode(&success); err != nil {
		t.Fatalf("decode login-success: %v", err)
	}
	if success.Username != "alice" {
		t.Fatalf("login-success username = %q, want alice", success.Username)
	}
}
