package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	conversationKeyPrefix = "conv:"
	pairSeparator         = "--"
	// conversationSeqKey names the badger sequence used to order appended
	// messages independently of client-supplied timestamps.
	conversationSeqKey = "seq:conv"
	seqBandwidth       = 128
)

// Message is a single chat message as persisted in a conversation log.
// Messages are immutable once appended.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Key returns the deterministic, order-independent conversation key for two
// participants: both names sorted and joined with "--".
func Key(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + pairSeparator + b
}

// ConversationStore persists per-pair message logs in append order.
type ConversationStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

func NewConversationStore(db *badger.DB) (*ConversationStore, error) {
	seq, err := db.GetSequence([]byte(conversationSeqKey), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("conversation sequence: %w", err)
	}
	return &ConversationStore{db: db, seq: seq}, nil
}

// Close releases the append sequence. Unused leases are discarded; gaps in
// the sequence are harmless because only relative order matters.
func (s *ConversationStore) Close() error {
	return s.seq.Release()
}

// Append durably stores one message under the given conversation key.
func (s *ConversationStore) Append(key string, msg Message) error {
	seq, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	// Record keys are conv:<pair>:<seq>. Lexicographic iteration groups by
	// pair and the zero-padded sequence preserves append order within a pair.
	recordKey := fmt.Sprintf("%s%s:%020d", conversationKeyPrefix, key, seq)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordKey), data)
	})
	if err != nil {
		return fmt.Errorf("append to %s: %w", key, err)
	}
	return nil
}

// LoadFor returns every conversation the given username participates in,
// keyed by conversation key, with messages in append order.
func (s *ConversationStore) LoadFor(username string) (map[string][]Message, error) {
	history := make(map[string][]Message)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		prefix := []byte(conversationKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			pair, ok := pairFromRecordKey(string(item.Key()))
			if !ok || !pairContains(pair, username) {
				continue
			}

			err := item.Value(func(val []byte) error {
				var msg Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return fmt.Errorf("unmarshal message %s: %w", item.Key(), err)
				}
				history[pair] = append(history[pair], msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", username, err)
	}
	return history, nil
}

func pairFromRecordKey(recordKey string) (string, bool) {
	rest, ok := strings.CutPrefix(recordKey, conversationKeyPrefix)
	if !ok {
		return "", false
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

func pairContains(pair, username string) bool {
	a, b, ok := strings.Cut(pair, pairSeparator)
	if !ok {
		return false
	}
	return a == username || b == username
}
