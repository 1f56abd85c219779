// Package turnrest issues coturn-compatible TURN REST credentials so call
// participants can use the deployment's TURN server without a shared static
// password.
//
// See:
//   - https://github.com/coturn/coturn/wiki/turnserver
//   - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<client_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultUsernamePrefix tags issued usernames so TURN logs attribute relay
// allocations to this service.
const DefaultUsernamePrefix = "converse"

// Credentials is one ephemeral TURN username/credential pair.
type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generator derives time-limited TURN credentials from a shared secret.
type Generator struct {
	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string

	now      func() time.Time
	clientID func() (string, error)
}

type GeneratorConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and ClientID are overridable for tests.
	Now      func() time.Time
	ClientID func() (string, error)
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		cfg.UsernamePrefix = DefaultUsernamePrefix
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ClientID == nil {
		cfg.ClientID = randomClientID
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTL,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		clientID:       cfg.ClientID,
	}, nil
}

// Generate issues credentials tied to the given client id, typically the
// connection id of the session asking for ICE servers.
func (g *Generator) Generate(clientID string) (Credentials, error) {
	if clientID == "" {
		return Credentials{}, errors.New("client id is required")
	}
	if strings.Contains(clientID, ":") {
		return Credentials{}, errors.New("client id must not contain ':'")
	}

	expiry := g.now().UTC().Add(g.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiry, g.usernamePrefix, clientID)
	return Credentials{
		Username:   username,
		Credential: sign(g.sharedSecret, username),
		ExpiryUnix: expiry,
	}, nil
}

// GenerateRandom issues credentials with a random client id for callers
// that have no stable session identifier.
func (g *Generator) GenerateRandom() (Credentials, error) {
	id, err := g.clientID()
	if err != nil {
		return Credentials{}, err
	}
	return g.Generate(id)
}

func randomClientID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// sign computes the coturn credential for a username. SHA-1 is what the TURN
// REST scheme specifies; it is an authenticator here, not a password hash.
func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
