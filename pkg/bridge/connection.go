// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/zulipbridge/pkg/zulip"
)

// zulipAPI is the surface of the Zulip client the connection and the
// event handlers use. It exists so tests can substitute a fake.
type zulipAPI interface {
	Site() string
	Me(ctx context.Context) (*zulip.User, error)
	GetUser(ctx context.Context, userID int64) (*zulip.User, error)
	GetStreamID(ctx context.Context, stream string) (int64, error)
	AddSubscription(ctx context.Context, stream string) error
	RemoveSubscription(ctx context.Context, stream string) error
	RegisterQueue(ctx context.Context) (*zulip.Queue, error)
	Events(ctx context.Context, queueID string, lastEventID int64) ([]zulip.Event, error)
	SendMessage(ctx context.Context, stream, topic, content string) (int64, error)
	EditMessage(ctx context.Context, messageID int64, content string) error
	DeleteMessage(ctx context.Context, messageID int64) error
	AddReaction(ctx context.Context, messageID int64, emojiName string) error
	RemoveReaction(ctx context.Context, messageID int64, emojiName string) error
}

// ConnState describes the lifecycle of an organization's connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	backoffMin = 5 * time.Second
	backoffMax = 30 * time.Minute
	// Consecutive poll failures before the operator gets an advisory
	// notice. Logged warnings continue either way.
	pollFailureNotice = 3
)

// Connection owns one organization's long-poll session against Zulip.
// Events are delivered to onEvent in queue order from a single goroutine.
type Connection struct {
	log     zerolog.Logger
	org     string
	api     zulipAPI
	onEvent func(conn *Connection, ev zulip.Event)
	notify  func(text string)

	// minBackoff is backoffMin except in tests.
	minBackoff time.Duration

	mu      sync.Mutex
	state   ConnState
	fatal   bool
	lastErr error
	profile *zulip.User
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewConnection creates a disconnected connection for an organization.
// notify posts operator-visible notices and may be nil.
func NewConnection(log zerolog.Logger, org string, api zulipAPI, onEvent func(*Connection, zulip.Event), notify func(string)) *Connection {
	if notify == nil {
		notify = func(string) {}
	}
	return &Connection{
		log:        log.With().Str("component", "connection").Str("org", org).Logger(),
		org:        org,
		api:        api,
		onEvent:    onEvent,
		notify:     notify,
		minBackoff: backoffMin,
	}
}

// Org returns the organization this connection belongs to.
func (c *Connection) Org() string {
	return c.org
}

// API exposes the Zulip client for outbound operations.
func (c *Connection) API() zulipAPI {
	return c.api
}

// Profile returns the bridge's own Zulip identity, available once
// Connect has succeeded. Used to suppress echo of our own messages.
func (c *Connection) Profile() *zulip.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// State reports the current connection state and the last error, if any.
func (c *Connection) State() (ConnState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

// Fatal reports whether the connection failed on credentials and will
// not recover without new ones.
func (c *Connection) Fatal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

func (c *Connection) setState(state ConnState, fatal bool, err error) {
	c.mu.Lock()
	c.state = state
	c.fatal = fatal
	c.lastErr = err
	c.mu.Unlock()
}

// Connect verifies credentials, registers an event queue and starts the
// long-poll loop. It returns once the session is established or failed.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("organization %s is already %s", c.org, c.state)
	}
	c.state = StateConnecting
	c.fatal = false
	c.lastErr = nil
	c.mu.Unlock()

	c.log.Info().Str("site", c.api.Site()).Msg("Connecting to Zulip")

	me, err := c.api.Me(ctx)
	if err != nil {
		if zulip.IsAuthError(err) {
			c.setState(StateError, true, err)
			c.notify("Authentication failed, check email and API key: " + err.Error())
			return fmt.Errorf("authentication failed: %w", err)
		}
		c.setState(StateError, false, err)
		return fmt.Errorf("failed to verify Zulip session: %w", err)
	}

	queue, err := c.api.RegisterQueue(ctx)
	if err != nil {
		if zulip.IsAuthError(err) {
			c.setState(StateError, true, err)
			c.notify("Authentication failed, check email and API key: " + err.Error())
			return fmt.Errorf("authentication failed: %w", err)
		}
		c.setState(StateError, false, err)
		return fmt.Errorf("failed to register event queue: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.state = StateConnected
	c.profile = me
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.log.Info().Int64("user_id", me.UserID).Str("full_name", me.FullName).Msg("Authenticated")
	c.notify("Connected to " + c.api.Site() + " as " + me.FullName)

	go c.pollLoop(loopCtx, queue, done)
	return nil
}

// Disconnect stops the long-poll loop and waits for it to exit.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setState(StateDisconnected, false, nil)
	c.log.Info().Msg("Disconnected")
}

func (c *Connection) pollLoop(ctx context.Context, queue *zulip.Queue, done chan struct{}) {
	defer close(done)

	backoff := c.minBackoff
	failures := 0
	for {
		events, err := c.api.Events(ctx, queue.QueueID, queue.LastEventID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, zulip.ErrBadEventQueueID) {
				// The server dropped our queue. Re-register and tell
				// the operator events in between were lost.
				c.log.Warn().Msg("Event queue expired, re-registering")
				newQueue, rerr := c.api.RegisterQueue(ctx)
				if rerr == nil {
					queue = newQueue
					backoff = c.minBackoff
					failures = 0
					c.notify("Zulip event queue expired, re-registered. Messages sent in between may be missing.")
					continue
				}
				err = rerr
			}
			if zulip.IsAuthError(err) {
				c.setState(StateError, true, err)
				c.notify("Zulip session lost, authentication failed: " + err.Error())
				c.log.Error().Err(err).Msg("Authentication failed, stopping event loop")
				return
			}
			failures++
			if failures == pollFailureNotice {
				c.notify("Zulip connection to " + c.api.Site() + " keeps failing, retrying with backoff: " + err.Error())
			}
			delay := backoff
			if jitter := backoff / 4; jitter > 0 {
				delay += rand.N(jitter)
			}
			c.log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("Event poll failed")
			if !c.sleep(ctx, delay) {
				return
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = c.minBackoff
		failures = 0

		for _, ev := range events {
			if ev.ID > queue.LastEventID {
				queue.LastEventID = ev.ID
			}
			if ev.Type == zulip.EventTypeHeartbeat {
				continue
			}
			c.onEvent(c, ev)
		}
	}
}

func (c *Connection) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
