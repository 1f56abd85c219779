package store

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestIdentityStore_RegisterAndVerify(t *testing.T) {
	ids := NewIdentityStore(openTestDB(t), bcrypt.MinCost)

	require.NoError(t, ids.Register("alice", "pw1"))
	require.NoError(t, ids.Verify("alice", "pw1"))

	require.ErrorIs(t, ids.Verify("alice", "wrong"), ErrInvalidCredentials)
	require.ErrorIs(t, ids.Verify("nobody", "pw1"), ErrInvalidCredentials)
}

func TestIdentityStore_RejectsDuplicateUsername(t *testing.T) {
	ids := NewIdentityStore(openTestDB(t), bcrypt.MinCost)

	require.NoError(t, ids.Register("bob", "pw"))
	require.ErrorIs(t, ids.Register("bob", "other"), ErrUsernameTaken)

	// The original registration must survive the rejected attempt.
	require.NoError(t, ids.Verify("bob", "pw"))
}

func TestIdentityStore_RejectsInvalidInput(t *testing.T) {
	ids := NewIdentityStore(openTestDB(t), bcrypt.MinCost)

	require.ErrorIs(t, ids.Register("", "pw"), ErrInvalidInput)
	require.ErrorIs(t, ids.Register("alice", ""), ErrInvalidInput)
	require.ErrorIs(t, ids.Register("a--b", "pw"), ErrInvalidInput)
	require.ErrorIs(t, ids.Register("a:b", "pw"), ErrInvalidInput)
	require.ErrorIs(t, ids.Register("a b", "pw"), ErrInvalidInput)
}

func TestIdentityStore_NeverStoresCleartext(t *testing.T) {
	db := openTestDB(t)
	ids := NewIdentityStore(db, bcrypt.MinCost)
	require.NoError(t, ids.Register("carol", "hunter2"))

	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("user:carol"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			require.NotContains(t, string(val), "hunter2")
			return nil
		})
	})
	require.NoError(t, err)
}

func TestValidUsername(t *testing.T) {
	require.True(t, ValidUsername("alice"))
	require.True(t, ValidUsername("alice_42"))
	require.False(t, ValidUsername(""))
	require.False(t, ValidUsername("a--b"))
	require.False(t, ValidUsername("a:b"))
	require.False(t, ValidUsername("a b"))
}
