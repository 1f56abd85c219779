package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/converse-chat/relay/internal/metrics"
	"github.com/converse-chat/relay/internal/origin"
	"github.com/converse-chat/relay/internal/ratelimit"
	"github.com/converse-chat/relay/internal/store"
)

// Client-facing status strings. Kept stable; clients match on them.
const (
	msgCredentialsRequired = "Username and password are required."
	msgUsernameTaken       = "Username is already taken."
	msgRegistered          = "Registration successful! Please log in."
	msgRegistrationFailed  = "An error occurred during registration."
	msgInvalidCredentials  = "Invalid credentials."
	msgAlreadyLoggedIn     = "User already logged in."
	msgLoginFailed         = "An error occurred during login."
)

// IdentityVerifier is the subset of the identity store the server needs.
type IdentityVerifier interface {
	Register(username, password string) error
	Verify(username, password string) error
}

// HistoryLoader supplies the post-login chat-history push.
type HistoryLoader interface {
	LoadFor(username string) (map[string][]store.Message, error)
}

// WSConfig wires together the runtime dependencies for the WebSocket surface.
type WSConfig struct {
	Identities IdentityVerifier
	History    HistoryLoader
	Registry   *Registry
	Router     *Router

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout time.Duration

	// IdleTimeout and PingInterval drive post-login keepalive: pings every
	// PingInterval, teardown when no read (pong included) for IdleTimeout.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string

	// CallSetupTimeout, when > 0, expires unanswered call attempts.
	CallSetupTimeout time.Duration
}

// WSServer upgrades connections and runs one session loop per client.
type WSServer struct {
	cfg WSConfig
	log *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewWSServer(cfg WSConfig) *WSServer {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &WSServer{
		cfg:  cfg,
		log:  log,
		done: make(chan struct{}),
	}
	if cfg.CallSetupTimeout > 0 {
		go s.expireLoop()
	}
	return s
}

// Close stops background work. In-flight sessions drain on their own as
// their connections close.
func (s *WSServer) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *WSServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.ServeHTTP)
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin.Allowed(r.Header.Get("Origin"), s.cfg.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		srv:  s,
		conn: conn,
		id:   uuid.NewString(),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.maxMessagesPerSecond()),
			int64(s.maxMessagesPerSecond()),
		),
		pingStop: make(chan struct{}),
	}
	s.log.Debug("client connected", "conn_id", c.id, "remote", conn.RemoteAddr().String())
	c.run()
}

func (s *WSServer) expireLoop() {
	interval := s.cfg.CallSetupTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cfg.Router.ExpireStaleCalls(s.cfg.CallSetupTimeout)
		}
	}
}

func (s *WSServer) authTimeout() time.Duration {
	if s.cfg.AuthTimeout <= 0 {
		return 30 * time.Second
	}
	return s.cfg.AuthTimeout
}

func (s *WSServer) idleTimeout() time.Duration {
	if s.cfg.IdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.cfg.IdleTimeout
}

func (s *WSServer) pingInterval() time.Duration {
	if s.cfg.PingInterval <= 0 {
		return 20 * time.Second
	}
	return s.cfg.PingInterval
}

func (s *WSServer) maxMessageBytes() int64 {
	if s.cfg.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxMessageBytes
}

func (s *WSServer) maxMessagesPerSecond() int {
	if s.cfg.MaxMessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MaxMessagesPerSecond
}

const wsWriteWait = 1 * time.Second

// wsConn is one client connection. Before login it may only register or log
// in; after login it feeds the router and participates in keepalive.
type wsConn struct {
	srv  *WSServer
	conn *websocket.Conn
	id   string

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	// username is set exactly once, by a successful login, from the session
	// loop goroutine. The ping loop never reads it.
	username string

	pingStop  chan struct{}
	pingOnce  sync.Once
	closeOnce sync.Once
}

// Send marshals one envelope to the client. Safe for concurrent use; this is
// how the registry and router reach the session from other goroutines.
func (c *wsConn) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) sendStatus(typ, message string) {
	env, err := NewEnvelope(typ, Status{Message: message})
	if err != nil {
		return
	}
	_ = c.Send(env)
}

func (c *wsConn) run() {
	defer c.teardown()

	c.conn.SetReadLimit(c.srv.maxMessageBytes())
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.authTimeout()))

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.username == "" && isTimeout(err) {
				c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		// Rate limit after reading so bytes already in the receive buffer are
		// consumed; closing with unread data risks an abortive close that
		// hides the close reason from the client.
		if !c.limiter.Allow(1) {
			c.srv.cfg.Metrics.Inc(metrics.RateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.srv.cfg.Metrics.Inc(metrics.ProtocolError)
			c.srv.log.Debug("unparseable frame", "conn_id", c.id, "err", err)
			continue
		}

		if c.username == "" {
			switch env.Type {
			case TypeRegister:
				c.handleRegister(env)
			case TypeLogin:
				if c.handleLogin(env) {
					c.startKeepalive()
				}
			default:
				// Relay types require a logged-in identity; drop silently so
				// probing yields nothing.
				c.srv.cfg.Metrics.Inc(metrics.ProtocolError)
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(c.deadlineWindow()))
			continue
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout()))

		switch env.Type {
		case TypeRegister:
			// Registering another identity while logged in is allowed; it
			// does not touch the current session binding.
			c.handleRegister(env)
		case TypeLogin:
			c.sendStatus(TypeLoginError, msgAlreadyLoggedIn)
		default:
			c.srv.cfg.Router.Route(c.username, env)
		}
	}
}

func (c *wsConn) deadlineWindow() time.Duration {
	if c.username == "" {
		return c.srv.authTimeout()
	}
	return c.srv.idleTimeout()
}

func (c *wsConn) handleRegister(env Envelope) {
	var creds Credentials
	if err := env.Decode(&creds); err != nil {
		c.srv.cfg.Metrics.Inc(metrics.ProtocolError)
		c.sendStatus(TypeRegisterError, msgCredentialsRequired)
		return
	}

	err := c.srv.cfg.Identities.Register(creds.Username, creds.Password)
	switch {
	case err == nil:
		c.srv.log.Info("user registered", "user", creds.Username, "conn_id", c.id)
		c.sendStatus(TypeRegisterSuccess, msgRegistered)
	case errors.Is(err, store.ErrInvalidInput):
		c.srv.cfg.Metrics.Inc(metrics.RegistrationRejected)
		c.sendStatus(TypeRegisterError, msgCredentialsRequired)
	case errors.Is(err, store.ErrUsernameTaken):
		c.srv.cfg.Metrics.Inc(metrics.RegistrationRejected)
		c.sendStatus(TypeRegisterError, msgUsernameTaken)
	default:
		c.srv.log.Error("registration failed", "conn_id", c.id, "err", err)
		c.sendStatus(TypeRegisterError, msgRegistrationFailed)
	}
}

func (c *wsConn) handleLogin(env Envelope) bool {
	var creds Credentials
	if err := env.Decode(&creds); err != nil {
		c.srv.cfg.Metrics.Inc(metrics.ProtocolError)
		c.sendStatus(TypeLoginError, msgInvalidCredentials)
		return false
	}

	// Credentials first, then the single-session check, so a wrong password
	// for an active identity reports invalid credentials, not a conflict.
	if err := c.srv.cfg.Identities.Verify(creds.Username, creds.Password); err != nil {
		if !errors.Is(err, store.ErrInvalidCredentials) {
			c.srv.log.Error("login verification failed", "conn_id", c.id, "err", err)
			c.sendStatus(TypeLoginError, msgLoginFailed)
			return false
		}
		c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
		c.sendStatus(TypeLoginError, msgInvalidCredentials)
		return false
	}

	if err := c.srv.cfg.Registry.Register(creds.Username, c); err != nil {
		c.srv.cfg.Metrics.Inc(metrics.LoginAlreadyActive)
		c.sendStatus(TypeLoginError, msgAlreadyLoggedIn)
		return false
	}
	c.username = creds.Username

	// Reply order is part of the protocol: login-success, then the presence
	// broadcast, then chat-history. Clients ignore frames until they see
	// login-success, so the broadcast must not come first.
	if env, err := NewEnvelope(TypeLoginSuccess, LoginSuccess{Username: creds.Username}); err == nil {
		_ = c.Send(env)
	}
	c.srv.cfg.Registry.BroadcastPresence()

	history, err := c.srv.cfg.History.LoadFor(creds.Username)
	if err != nil {
		c.srv.cfg.Metrics.Inc(metrics.PersistenceFailure)
		c.srv.log.Error("load chat history", "user", creds.Username, "err", err)
		history = map[string][]store.Message{}
	}
	if env, err := NewEnvelope(TypeChatHistory, ChatHistory{History: history}); err == nil {
		_ = c.Send(env)
	}

	c.srv.log.Info("user logged in", "user", creds.Username, "conn_id", c.id)
	return true
}

// startKeepalive switches the connection from the auth deadline to the idle
// deadline and starts the ping loop. Any read, pong frames included, pushes
// the idle deadline forward.
func (c *wsConn) startKeepalive() {
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout()))
	})
	go c.pingLoop()
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.srv.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.pingStop:
			return
		case <-c.srv.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// teardown runs exactly once when the session loop exits. A logged-in user's
// disconnect is an implicit hang-up plus presence removal.
func (c *wsConn) teardown() {
	c.closeOnce.Do(func() {
		c.pingOnce.Do(func() { close(c.pingStop) })
		if c.username != "" {
			c.srv.cfg.Router.Disconnect(c.username)
			c.srv.log.Info("user disconnected", "user", c.username, "conn_id", c.id)
		} else {
			c.srv.log.Debug("client disconnected before login", "conn_id", c.id)
		}
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
