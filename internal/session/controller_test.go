package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-auth/internal/models"
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

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeRefresher struct {
	calls atomic.Int32
	grant *Grant
	err   error
}

func (r *fakeRefresher) Refresh(_ context.Context, token string) (*Grant, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return r.grant, nil
}

var start = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newController(t *testing.T, store Store, refresher Refresher, cfg Config) *Controller {
	t.Helper()
	c, err := NewController(store, refresher, cfg)
	require.NoError(t, err)
	return c
}

func TestCheckLifecycle(t *testing.T) {
	store := &MemoryStore{}
	var warnings []time.Duration
	expired := 0
	c := newController(t, store, &fakeRefresher{}, Config{
		OnWarning: func(remaining time.Duration) { warnings = append(warnings, remaining) },
		OnExpired: func() { expired++ },
	})

	assert.Equal(t, StatusIdle, c.Check(start))

	require.NoError(t, c.Begin(Grant{Token: "t1", ExpiresAt: start.Add(15 * time.Minute)}))
	assert.Equal(t, StatusActive, c.Check(start))
	assert.Equal(t, StatusActive, c.Check(start.Add(12*time.Minute-time.Second)))

	assert.Equal(t, StatusWarning, c.Check(start.Add(12*time.Minute)))
	assert.Equal(t, []time.Duration{3 * time.Minute}, warnings)

	state, ok := c.Current()
	require.True(t, ok)
	assert.True(t, state.WarningShown)
	assert.True(t, state.ExtendPromptVisible)

	assert.Equal(t, StatusWarning, c.Check(start.Add(13*time.Minute)))
	assert.Len(t, warnings, 1, "warning fires once")

	assert.Equal(t, StatusExpired, c.Check(start.Add(15*time.Minute)))
	assert.Equal(t, 1, expired)
	_, ok = c.Current()
	assert.False(t, ok)

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Equal(t, StatusIdle, c.Check(start.Add(16*time.Minute)))
}

func TestExtendResetsClock(t *testing.T) {
	refresher := &fakeRefresher{grant: &Grant{Token: "t2", ExpiresAt: start.Add(27 * time.Minute)}}
	var renewed State
	c := newController(t, &MemoryStore{}, refresher, Config{
		OnRenewed: func(s State) { renewed = s },
	})
	require.NoError(t, c.Begin(Grant{Token: "t1", ExpiresAt: start.Add(15 * time.Minute)}))
	require.Equal(t, StatusWarning, c.Check(start.Add(12*time.Minute)))

	require.NoError(t, c.Extend(context.Background()))

	state, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "t2", state.Token)
	assert.Equal(t, start.Add(27*time.Minute), state.ExpiresAt)
	assert.False(t, state.WarningShown)
	assert.False(t, state.ExtendPromptVisible)
	assert.Equal(t, "t2", renewed.Token)

	assert.Equal(t, StatusActive, c.Check(start.Add(15*time.Minute)))
}

func TestExtendFailureKeepsState(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("401")}
	c := newController(t, &MemoryStore{}, refresher, Config{})
	require.NoError(t, c.Begin(Grant{Token: "t1", ExpiresAt: start.Add(15 * time.Minute)}))
	c.Check(start.Add(13 * time.Minute))

	err := c.Extend(context.Background())
	require.Error(t, err)

	state, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "t1", state.Token)
	assert.True(t, state.WarningShown)
}

func TestExtendWithoutSession(t *testing.T) {
	refresher := &fakeRefresher{}
	c := newController(t, &MemoryStore{}, refresher, Config{})

	assert.ErrorIs(t, c.Extend(context.Background()), ErrNoSession)
	assert.Zero(t, refresher.calls.Load())
}

func TestLogoutClearsLocalState(t *testing.T) {
	store := &MemoryStore{}
	refresher := &fakeRefresher{}
	c := newController(t, store, refresher, Config{})
	require.NoError(t, c.Begin(Grant{Token: "t1", ExpiresAt: start.Add(time.Minute)}))

	require.NoError(t, c.Logout())
	_, ok := c.Current()
	assert.False(t, ok)
	stored, _ := store.Load()
	assert.Nil(t, stored)
	assert.Zero(t, refresher.calls.Load())
}

func TestBeginRejectsEmptyGrant(t *testing.T) {
	c := newController(t, &MemoryStore{}, &fakeRefresher{}, Config{})
	assert.Error(t, c.Begin(Grant{}))
}

func TestRunStopsOnExpiry(t *testing.T) {
	clock := &fakeClock{now: start}
	expired := make(chan struct{})
	c := newController(t, &MemoryStore{}, &fakeRefresher{}, Config{
		PollInterval: 5 * time.Millisecond,
		Now:          clock.Now,
		OnExpired:    func() { close(expired) },
	})
	require.NoError(t, c.Begin(Grant{Token: "t1", ExpiresAt: start.Add(time.Minute)}))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	clock.Set(start.Add(2 * time.Minute))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after expiry")
	}
	<-expired
}

func TestRunStopsOnCancel(t *testing.T) {
	c := newController(t, &MemoryStore{}, &fakeRefresher{}, Config{
		PollInterval: 5 * time.Millisecond,
		Now:          func() time.Time { return start },
	})
	require.NoError(t, c.Begin(Grant{Token: "t1", ExpiresAt: start.Add(time.Hour)}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunWithoutSessionReturnsImmediately(t *testing.T) {
	c := newController(t, &MemoryStore{}, &fakeRefresher{}, Config{})
	assert.NoError(t, c.Run(context.Background()))
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	store := NewFileStore(path)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, state)

	want := &State{
		Token:        "t1",
		ExpiresAt:    start,
		User:         &models.PublicUser{ID: "user-1", Identifier: "a@x.io", HasKey: true},
		WarningShown: true,
	}
	require.NoError(t, store.Save(want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want.Token, got.Token)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, "user-1", got.User.ID)
	assert.True(t, got.WarningShown)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
	state, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestControllerRestoresStoredSession(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "session.json"))
	first := newController(t, store, &fakeRefresher{}, Config{})
	require.NoError(t, first.Begin(Grant{Token: "t1", ExpiresAt: start.Add(time.Hour)}))

	second := newController(t, store, &fakeRefresher{}, Config{})
	state, ok := second.Current()
	require.True(t, ok)
	assert.Equal(t, "t1", state.Token)
}

func TestCorruptSessionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := NewController(NewFileStore(path), &fakeRefresher{}, Config{})
	assert.Error(t, err)
}
