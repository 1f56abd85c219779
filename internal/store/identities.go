package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput       = errors.New("username and password are required")
	ErrUsernameTaken      = errors.New("username is already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const identityKeyPrefix = "user:"

// identityRecord is the persisted shape of a registered identity. Only the
// salted hash is ever stored; password material never touches disk.
type identityRecord struct {
	PasswordHash string `json:"passwordHash"`
}

// IdentityStore persists username -> bcrypt hash mappings.
type IdentityStore struct {
	db   *badger.DB
	cost int
}

func NewIdentityStore(db *badger.DB, bcryptCost int) *IdentityStore {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &IdentityStore{db: db, cost: bcryptCost}
}

// Register creates a new identity. It returns ErrInvalidInput for unusable
// usernames/passwords and ErrUsernameTaken when the name is claimed.
func (s *IdentityStore) Register(username, password string) error {
	if !ValidUsername(username) || password == "" {
		return ErrInvalidInput
	}

	// Hash outside the transaction; bcrypt is deliberately slow.
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	data, err := json.Marshal(identityRecord{PasswordHash: string(hash)})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	key := []byte(identityKeyPrefix + username)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrUsernameTaken
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// Verify checks a username/password pair. Unknown usernames and wrong
// passwords are indistinguishable to the caller.
func (s *IdentityStore) Verify(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}

	var rec identityRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(identityKeyPrefix + username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// ValidUsername reports whether a username can be stored and later addressed.
// The pair separator and the key separator are reserved; allowing them would
// make conversation keys ambiguous.
func ValidUsername(username string) bool {
	if username == "" {
		return false
	}
	if strings.Contains(username, pairSeparator) || strings.ContainsAny(username, ": \t\r\n") {
		return false
	}
	return true
}
