// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/zulipbridge/pkg/zulip"
)

// Bridge ties the pieces together: the store, the puppet manager, one
// connection per organization, and the per-room dispatcher. All Matrix
// traffic enters through HandleMatrixEvent, all Zulip traffic through
// the connections' event callbacks.
type Bridge struct {
	log      zerolog.Logger
	cfg      *Config
	store    *Store
	matrix   MatrixClient
	puppets  *PuppetManager
	dispatch *dispatcher

	connMu sync.Mutex
	conns  map[string]*Connection

	defunctMu       sync.Mutex
	defunctNotified map[id.RoomID]bool

	// newZulipClient builds the API client for an organization. Tests
	// substitute a fake.
	newZulipClient func(site, email, apiKey string) zulipAPI

	ctx      context.Context
	cancel   context.CancelFunc
	saveDone chan struct{}
}

// New creates a bridge from its collaborators. Call Start to bring it up.
func New(log zerolog.Logger, cfg *Config, matrix MatrixClient, store *Store) *Bridge {
	store.SetCorrelationLimit(cfg.Bridge.CorrelationLimit)
	br := &Bridge{
		log:             log.With().Str("component", "bridge").Logger(),
		cfg:             cfg,
		store:           store,
		matrix:          matrix,
		dispatch:        newDispatcher(log),
		conns:           make(map[string]*Connection),
		defunctNotified: make(map[id.RoomID]bool),
		newZulipClient: func(site, email, apiKey string) zulipAPI {
			return zulip.NewClient(site, email, apiKey)
		},
	}
	br.puppets = NewPuppetManager(log, store, matrix, cfg.Bridge.UsernamePrefix, cfg.Homeserver.Domain, func(fullName string) string {
		return cfg.Bridge.FormatDisplayname(DisplaynameParams{FullName: fullName})
	})
	return br
}

// Store exposes the identity and mapping store.
func (br *Bridge) Store() *Store {
	return br.store
}

// Start ensures the control room exists, reconnects organizations that
// were connected before the last shutdown and begins periodic state
// saves. It returns once startup is complete; event handling continues
// in the background until Stop.
func (br *Bridge) Start(ctx context.Context) error {
	br.ctx, br.cancel = context.WithCancel(context.Background())

	if _, err := br.store.ControlRoom(); errors.Is(err, ErrNotFound) {
		roomID, cerr := br.matrix.CreateRoom(ctx, "Zulip bridge control", "Control room for the Zulip bridge", []id.UserID{br.cfg.Bridge.Owner})
		if cerr != nil {
			return fmt.Errorf("failed to create control room: %w", cerr)
		}
		br.store.PutRoom(&RoomMapping{RoomID: roomID, Kind: RoomKindControl})
		br.notice(ctx, roomID, "Welcome to the Zulip bridge. Type HELP for available commands.")
		br.log.Info().Str("room_id", string(roomID)).Msg("Created control room")
	} else if err != nil {
		return err
	}

	for _, org := range br.store.Organizations() {
		if !org.Connected {
			continue
		}
		if err := br.connectOrg(ctx, org); err != nil {
			br.log.Warn().Err(err).Str("org", org.Name).Msg("Failed to reconnect organization on startup")
		}
	}

	br.saveDone = make(chan struct{})
	go br.saveLoop()
	return nil
}

// Stop disconnects all organizations, drains the dispatcher and writes
// a final state snapshot.
func (br *Bridge) Stop() {
	if br.cancel != nil {
		br.cancel()
	}

	br.connMu.Lock()
	conns := make([]*Connection, 0, len(br.conns))
	for _, conn := range br.conns {
		conns = append(conns, conn)
	}
	br.connMu.Unlock()
	for _, conn := range conns {
		conn.Disconnect()
	}

	br.dispatch.Close()
	if br.saveDone != nil {
		<-br.saveDone
	}
	if err := br.store.SaveTo(br.cfg.Bridge.StateFile); err != nil {
		br.log.Error().Err(err).Msg("Failed to save state on shutdown")
	}
	br.log.Info().Msg("Bridge stopped")
}

func (br *Bridge) saveLoop() {
	defer close(br.saveDone)
	interval := time.Duration(br.cfg.Bridge.SaveIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-br.ctx.Done():
			return
		case <-ticker.C:
			if err := br.store.SaveTo(br.cfg.Bridge.StateFile); err != nil {
				br.log.Error().Err(err).Msg("Failed to save state")
			}
		}
	}
}

// connection returns the live connection for an organization, if any.
func (br *Bridge) connection(org string) *Connection {
	br.connMu.Lock()
	defer br.connMu.Unlock()
	return br.conns[org]
}

// connectOrg builds a connection from the organization's stored
// credentials and establishes it. The Connected flag is persisted so
// the organization reconnects automatically after a restart.
func (br *Bridge) connectOrg(ctx context.Context, org *Organization) error {
	if org.Site == "" || org.Email == "" || org.APIKey == "" {
		return fmt.Errorf("organization %s is missing site, email or apikey", org.Name)
	}

	br.connMu.Lock()
	if existing, ok := br.conns[org.Name]; ok {
		if state, _ := existing.State(); state == StateConnected || state == StateConnecting {
			br.connMu.Unlock()
			return fmt.Errorf("organization %s is already %s", org.Name, state)
		}
	}
	api := br.newZulipClient(org.Site, org.Email, org.APIKey)
	orgRoom := org.RoomID
	conn := NewConnection(br.log, org.Name, api, br.handleZulipEvent, func(text string) {
		br.notice(br.ctx, orgRoom, text)
	})
	br.conns[org.Name] = conn
	br.connMu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		return err
	}
	_ = br.store.UpdateOrganization(org.Name, func(o *Organization) error {
		o.Connected = true
		return nil
	})
	return nil
}

// disconnectOrg tears down the organization's connection and clears the
// reconnect flag.
func (br *Bridge) disconnectOrg(org string) {
	br.connMu.Lock()
	conn := br.conns[org]
	delete(br.conns, org)
	br.connMu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
	_ = br.store.UpdateOrganization(org, func(o *Organization) error {
		o.Connected = false
		return nil
	})
}

// HandleMatrixEvent routes an incoming Matrix event by room kind:
// control and organization rooms feed the command interpreter, portal
// rooms feed the organization's serialized relay worker. Events from
// the bridge's own users are dropped to prevent echo.
func (br *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	if br.puppets.IsBridgeUser(evt.Sender) {
		return
	}
	room, err := br.store.GetRoom(evt.RoomID)
	if err != nil {
		return
	}
	if room.Kind == RoomKindPortal && room.Defunct {
		br.defunctNotice(ctx, room)
		return
	}

	switch evt.Type {
	case event.EventMessage:
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok || content == nil {
			return
		}
		switch room.Kind {
		case RoomKindControl, RoomKindOrganization:
			if evt.Sender != br.cfg.Bridge.Owner {
				return
			}
			br.handleCommand(ctx, room, content.Body)
		case RoomKindPortal:
			br.dispatch.Submit(orgDispatchKey(room.Org), func() {
				br.handleMatrixMessage(br.ctx, room, evt, content)
			})
		}
	case event.EventRedaction:
		if room.Kind != RoomKindPortal {
			return
		}
		br.dispatch.Submit(orgDispatchKey(room.Org), func() {
			br.handleMatrixRedaction(br.ctx, room, evt)
		})
	case event.EventReaction:
		if room.Kind != RoomKindPortal {
			return
		}
		content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
		if !ok {
			return
		}
		br.dispatch.Submit(orgDispatchKey(room.Org), func() {
			br.handleMatrixReaction(br.ctx, room, evt, content)
		})
	}
}

// defunctNotice tells a portal room once that its organization is gone.
// Messages in the room stop being bridged but should not vanish without
// a word.
func (br *Bridge) defunctNotice(ctx context.Context, room *RoomMapping) {
	br.defunctMu.Lock()
	if br.defunctNotified[room.RoomID] {
		br.defunctMu.Unlock()
		return
	}
	br.defunctNotified[room.RoomID] = true
	br.defunctMu.Unlock()
	br.notice(ctx, room.RoomID, "This room is no longer bridged: organization "+room.Org+" was deleted.")
}

// notice posts a plain notice, logging instead of failing.
func (br *Bridge) notice(ctx context.Context, room id.RoomID, text string) {
	if room == "" {
		return
	}
	if _, err := br.matrix.SendNotice(ctx, room, text); err != nil {
		br.log.Warn().Err(err).Str("room_id", string(room)).Msg("Failed to send notice")
	}
}
