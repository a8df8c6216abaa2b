// Package session keeps the client-side view of a login: when the token
// expires, whether the user has been warned, and how to renew it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"storefront-auth/internal/models"
	"storefront-auth/internal/util"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultWarnBefore   = 3 * time.Minute
)

var ErrNoSession = errors.New("no active session")

// State is what the client remembers about its session.
type State struct {
	Token               string             `json:"token"`
	ExpiresAt           time.Time          `json:"sessionExpiresAt"`
	User                *models.PublicUser `json:"user,omitempty"`
	WarningShown        bool               `json:"sessionWarningShown"`
	ExtendPromptVisible bool               `json:"showSessionExtend"`
}

// Grant is a token handed out by the server.
type Grant struct {
	Token     string
	ExpiresAt time.Time
	User      *models.PublicUser
}

type Refresher interface {
	Refresh(ctx context.Context, token string) (*Grant, error)
}

type Status int

const (
	StatusIdle Status = iota
	StatusActive
	StatusWarning
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusWarning:
		return "warning"
	case StatusExpired:
		return "expired"
	default:
		return "idle"
	}
}

type Config struct {
	PollInterval time.Duration
	WarnBefore   time.Duration
	Now          func() time.Time

	// OnWarning fires once per session when it enters the warning window.
	OnWarning func(remaining time.Duration)
	// OnExpired fires after the local session has been cleared.
	OnExpired func()
	OnRenewed func(state State)
}

// Controller drives the session clock. Callbacks run without the lock held.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	store     Store
	refresher Refresher
	state     *State
}

// NewController restores any stored session.
func NewController(store Store, refresher Refresher, cfg Config) (*Controller, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WarnBefore <= 0 {
		cfg.WarnBefore = DefaultWarnBefore
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	state, err := store.Load()
	if err != nil {
		return nil, err
	}
	if state != nil && state.Token == "" {
		state = nil
	}

	return &Controller{cfg: cfg, store: store, refresher: refresher, state: state}, nil
}

// Begin starts tracking a freshly issued token.
func (c *Controller) Begin(grant Grant) error {
	if grant.Token == "" {
		return errors.New("grant has no token")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := &State{Token: grant.Token, ExpiresAt: grant.ExpiresAt, User: grant.User}
	if err := c.store.Save(state); err != nil {
		return err
	}
	c.state = state
	return nil
}

// Check runs one poll at now.
func (c *Controller) Check(now time.Time) Status {
	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return StatusIdle
	}

	remaining := c.state.ExpiresAt.Sub(now)
	switch {
	case remaining <= 0:
		c.state = nil
		c.clearStore()
		c.mu.Unlock()
		if c.cfg.OnExpired != nil {
			c.cfg.OnExpired()
		}
		return StatusExpired

	case remaining <= c.cfg.WarnBefore:
		if c.state.WarningShown {
			c.mu.Unlock()
			return StatusWarning
		}
		c.state.WarningShown = true
		c.state.ExtendPromptVisible = true
		c.saveStore()
		c.mu.Unlock()
		if c.cfg.OnWarning != nil {
			c.cfg.OnWarning(remaining)
		}
		return StatusWarning

	default:
		c.mu.Unlock()
		return StatusActive
	}
}

// Run polls until ctx is cancelled or the session ends. It never talks to
// the server.
func (c *Controller) Run(ctx context.Context) error {
	if st := c.Check(c.cfg.Now()); st == StatusIdle || st == StatusExpired {
		return nil
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if st := c.Check(c.cfg.Now()); st == StatusIdle || st == StatusExpired {
				return nil
			}
		}
	}
}

// Extend renews the token. On failure the current state is kept.
func (c *Controller) Extend(ctx context.Context) error {
	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	token := c.state.Token
	c.mu.Unlock()

	grant, err := c.refresher.Refresh(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}

	c.mu.Lock()
	if c.state == nil || c.state.Token != token {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.state.Token = grant.Token
	c.state.ExpiresAt = grant.ExpiresAt
	if grant.User != nil {
		c.state.User = grant.User
	}
	c.state.WarningShown = false
	c.state.ExtendPromptVisible = false
	c.saveStore()
	renewed := *c.state
	c.mu.Unlock()

	if c.cfg.OnRenewed != nil {
		c.cfg.OnRenewed(renewed)
	}
	return nil
}

// Logout forgets the session locally.
func (c *Controller) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = nil
	return c.store.Clear()
}

// Current returns a copy of the state and whether a session exists.
func (c *Controller) Current() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return State{}, false
	}
	return *c.state, true
}

func (c *Controller) saveStore() {
	if err := c.store.Save(c.state); err != nil {
		util.Warn("Failed to persist session", util.ErrorField(err))
	}
}

func (c *Controller) clearStore() {
	if err := c.store.Clear(); err != nil {
		util.Warn("Failed to clear session", util.ErrorField(err))
	}
}
