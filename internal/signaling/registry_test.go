package signaling

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/converse-chat/relay/internal/metrics"
)

// fakeConn records envelopes sent to one fake session. sendHook, when set,
// runs before each delivery so tests can race teardown against a send.
type fakeConn struct {
	mu       sync.Mutex
	envs     []Envelope
	sendErr  error
	sendHook func()
}

func (c *fakeConn) Send(env Envelope) error {
	if c.sendHook != nil {
		c.sendHook()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.envs = append(c.envs, env)
	return nil
}

func (c *fakeConn) byType(typ string) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Envelope
	for _, env := range c.envs {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// lastUserList decodes the most recent presence broadcast received.
func (c *fakeConn) lastUserList(t *testing.T) []string {
	t.Helper()
	envs := c.byType(TypeUpdateUserList)
	require.NotEmpty(t, envs)

	var list UserList
	require.NoError(t, envs[len(envs)-1].Decode(&list))
	names := make([]string, len(list.Users))
	for i, u := range list.Users {
		names[i] = u.Username
	}
	return names
}

func TestRegistry_RejectsSecondSession(t *testing.T) {
	reg := NewRegistry(metrics.New(), nil)

	first := &fakeConn{}
	require.NoError(t, reg.Register("alice", first))
	require.ErrorIs(t, reg.Register("alice", &fakeConn{}), ErrIdentityActive)

	// The original session must remain bound.
	conn, ok := reg.Resolve("alice")
	require.True(t, ok)
	require.Same(t, first, conn.(*fakeConn))
}

func TestRegistry_BroadcastsFullSortedList(t *testing.T) {
	reg := NewRegistry(metrics.New(), nil)

	alice := &fakeConn{}
	bob := &fakeConn{}

	require.NoError(t, reg.Register("bob", alice)) // names deliberately unsorted
	require.NoError(t, reg.Register("alice", bob))

	// Binding alone announces nothing; the caller broadcasts explicitly
	// after its login reply.
	require.Empty(t, alice.byType(TypeUpdateUserList))
	require.Empty(t, bob.byType(TypeUpdateUserList))

	reg.BroadcastPresence()
	require.Equal(t, []string{"alice", "bob"}, alice.lastUserList(t))
	require.Equal(t, []string{"alice", "bob"}, bob.lastUserList(t))

	reg.Unregister("bob")
	require.Equal(t, []string{"alice"}, bob.lastUserList(t))
	require.Equal(t, []string{"alice"}, reg.ListActive())
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	reg := NewRegistry(metrics.New(), nil)

	alice := &fakeConn{}
	require.NoError(t, reg.Register("alice", alice))
	before := len(alice.byType(TypeUpdateUserList))

	reg.Unregister("ghost")
	require.Len(t, alice.byType(TypeUpdateUserList), before)
}

func TestRegistry_FailedSendOnlyAffectsThatRecipient(t *testing.T) {
	m := metrics.New()
	reg := NewRegistry(m, nil)

	broken := &fakeConn{sendErr: errors.New("gone")}
	healthy := &fakeConn{}
	require.NoError(t, reg.Register("broken", broken))
	require.NoError(t, reg.Register("healthy", healthy))
	reg.BroadcastPresence()

	require.Equal(t, []string{"broken", "healthy"}, healthy.lastUserList(t))
	require.NotZero(t, m.Get(metrics.RelayDropSendError))
}
