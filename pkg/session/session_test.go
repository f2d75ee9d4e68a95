package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/warehouse/pkg/config"
	"github.com/ethpandaops/warehouse/pkg/session"
	"github.com/ethpandaops/warehouse/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func setup(
	t *testing.T, opts ...session.Option,
) (store.Store, *session.Manager, *fakeClock, *store.User) {
	t.Helper()

	s := setupTestStore(t)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	opts = append([]session.Option{session.WithClock(clock.Now)}, opts...)
	m := session.NewManager(log, s, session.Config{}, opts...)

	user := &store.User{Name: "alice", Salt: []byte("s"), Password: []byte("p")}
	require.NoError(t, s.CreateUser(context.Background(), user))

	return s, m, clock, user
}

func TestManager_CreateAndResolve(t *testing.T) {
	s, m, clock, user := setup(t)
	ctx := context.Background()

	token, err := m.Create(ctx, user.ID, "10.0.0.1", "agent")
	require.NoError(t, err)
	assert.Len(t, token, session.TokenBytes)

	stored, err := s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastLoginAt)

	clock.Advance(time.Hour)

	sess, resolved, err := m.Resolve(ctx, token, "agent")
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)
	assert.Equal(t, "10.0.0.1", sess.Address)
	assert.True(t, clock.Now().Equal(sess.LastAccessAt))

	t.Run("user agent is part of the key", func(t *testing.T) {
		_, _, err := m.Resolve(ctx, token, "other-agent")
		assert.ErrorIs(t, err, session.ErrNoSession)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, _, err := m.Resolve(ctx, []byte("nope"), "agent")
		assert.ErrorIs(t, err, session.ErrNoSession)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, m.Delete(ctx, sess.ID))
		require.NoError(t, m.Delete(ctx, sess.ID))

		_, _, err := m.Resolve(ctx, token, "agent")
		assert.ErrorIs(t, err, session.ErrNoSession)
	})
}

func TestManager_CapKeepsMostRecent(t *testing.T) {
	s, m, clock, user := setup(t)
	ctx := context.Background()

	tokens := make([][]byte, 0, 5)

	for i := 0; i < 5; i++ {
		token, err := m.Create(ctx, user.ID, "10.0.0.1", "agent")
		require.NoError(t, err)

		tokens = append(tokens, token)

		clock.Advance(time.Minute)
	}

	sessions, err := s.ListSessionsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, session.DefaultMaxPerUser)

	for i, token := range tokens {
		_, _, err := m.Resolve(ctx, token, "agent")
		if i < 2 {
			assert.ErrorIs(t, err, session.ErrNoSession, "token %d", i)
		} else {
			assert.NoError(t, err, "token %d", i)
		}
	}
}

func TestManager_CapEvictsLeastRecentlyAccessed(t *testing.T) {
	_, m, clock, user := setup(t)
	ctx := context.Background()

	first, err := m.Create(ctx, user.ID, "a", "agent")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	second, err := m.Create(ctx, user.ID, "a", "agent")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	third, err := m.Create(ctx, user.ID, "a", "agent")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	// Touching the first session makes the second the oldest.
	_, _, err = m.Resolve(ctx, first, "agent")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	_, err = m.Create(ctx, user.ID, "a", "agent")
	require.NoError(t, err)

	_, _, err = m.Resolve(ctx, second, "agent")
	assert.ErrorIs(t, err, session.ErrNoSession)

	_, _, err = m.Resolve(ctx, first, "agent")
	assert.NoError(t, err)

	_, _, err = m.Resolve(ctx, third, "agent")
	assert.NoError(t, err)
}

func TestManager_ExpiredSessionIsDeleted(t *testing.T) {
	s, m, clock, user := setup(t)
	ctx := context.Background()

	token, err := m.Create(ctx, user.ID, "a", "agent")
	require.NoError(t, err)

	clock.Advance(session.DefaultMaxAge)

	_, _, err = m.Resolve(ctx, token, "agent")
	assert.ErrorIs(t, err, session.ErrNoSession)

	_, err = s.GetSession(ctx, token, "agent")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = m.Resolve(ctx, token, "agent")
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestManager_OrphanedSessionIsDeleted(t *testing.T) {
	s, m, _, user := setup(t)
	ctx := context.Background()

	token, err := m.Create(ctx, user.ID, "a", "agent")
	require.NoError(t, err)

	deleted, err := s.DeleteUserByName(ctx, user.Name)
	require.NoError(t, err)
	require.True(t, deleted)

	_, _, err = m.Resolve(ctx, token, "agent")
	assert.ErrorIs(t, err, session.ErrNoSession)

	_, err = s.GetSession(ctx, token, "agent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_TokenCollisionRetries(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)

	gen := func() ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()

		calls++

		// The first three tokens are identical.
		if calls <= 3 {
			return []byte("fixed-token"), nil
		}

		return []byte(fmt.Sprintf("token-%d", calls)), nil
	}

	_, m, _, user := setup(t, session.WithTokenGenerator(gen))
	ctx := context.Background()

	first, err := m.Create(ctx, user.ID, "a", "agent")
	require.NoError(t, err)
	assert.Equal(t, []byte("fixed-token"), first)

	second, err := m.Create(ctx, user.ID, "a", "agent")
	require.NoError(t, err)
	assert.Equal(t, []byte("token-4"), second)
	assert.Equal(t, 4, calls)
}

func TestDecodeToken(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xfe, 0xff}

	decoded, err := session.DecodeToken(session.EncodeToken(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	_, err = session.DecodeToken("%%%")
	assert.Error(t, err)

	_, err = session.DecodeToken("")
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestCookie(t *testing.T) {
	c := session.Cookie([]byte("abc"))
	assert.Equal(t, session.CookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, 2592000, c.MaxAge)
}
