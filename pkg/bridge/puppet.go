// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/zulipbridge/pkg/zulip"
)

// DefaultProfileRefreshInterval bounds how often a puppet's Matrix
// profile is re-synced from its Zulip user.
const DefaultProfileRefreshInterval = 24 * time.Hour

// PuppetManager creates and maintains the Matrix ghost identities that
// represent Zulip users. Ghosts are created on first need and never
// deleted except on organization teardown.
type PuppetManager struct {
	log             zerolog.Logger
	store           *Store
	matrix          MatrixClient
	prefix          string
	serverName      string
	refreshInterval time.Duration
	formatName      func(fullName string) string

	degradedMu    sync.Mutex
	degradedRooms map[id.RoomID]struct{}
}

// NewPuppetManager wires a puppet manager over the store and the Matrix
// collaborator. formatName renders Zulip full names into Matrix display
// names; nil means identity.
func NewPuppetManager(log zerolog.Logger, store *Store, matrix MatrixClient, prefix, serverName string, formatName func(string) string) *PuppetManager {
	if formatName == nil {
		formatName = func(name string) string { return name }
	}
	return &PuppetManager{
		log:             log.With().Str("component", "puppets").Logger(),
		store:           store,
		matrix:          matrix,
		prefix:          prefix,
		serverName:      serverName,
		refreshInterval: DefaultProfileRefreshInterval,
		formatName:      formatName,
		degradedRooms:   make(map[id.RoomID]struct{}),
	}
}

// SetRefreshInterval overrides the profile refresh bound.
func (pm *PuppetManager) SetRefreshInterval(d time.Duration) {
	if d > 0 {
		pm.refreshInterval = d
	}
}

// Ensure returns the active puppet for a Zulip user, registering the
// ghost on first use. Profile metadata is refreshed lazily, at most once
// per refresh interval.
func (pm *PuppetManager) Ensure(ctx context.Context, org string, user *zulip.User) (*Puppet, error) {
	puppet, err := pm.store.ResolvePuppet(org, user.UserID, func() (*Puppet, error) {
		mxid := MakePuppetUserID(pm.prefix, org, user.UserID, pm.serverName)
		if err := pm.matrix.RegisterGhost(ctx, mxid); err != nil {
			return nil, fmt.Errorf("failed to register ghost for zulip user %d: %w", user.UserID, err)
		}
		display := pm.formatName(user.FullName)
		if err := pm.matrix.SetGhostProfile(ctx, mxid, display, user.AvatarURL); err != nil {
			// profile is cosmetic, the ghost still works
			pm.log.Warn().Err(err).Stringer("mxid", mxid).Msg("Failed to set ghost profile")
		}
		pm.log.Debug().
			Str("org", org).
			Int64("zulip_user_id", user.UserID).
			Stringer("mxid", mxid).
			Msg("Registered new puppet")
		return &Puppet{
			Org:             org,
			ZulipUserID:     user.UserID,
			FullName:        user.FullName,
			AvatarURL:       user.AvatarURL,
			MXID:            mxid,
			ProfileSyncedAt: time.Now(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	pm.maybeRefreshProfile(ctx, puppet, user)
	return puppet, nil
}

// maybeRefreshProfile re-syncs display metadata when it changed and the
// refresh interval has passed.
func (pm *PuppetManager) maybeRefreshProfile(ctx context.Context, puppet *Puppet, user *zulip.User) {
	if user.FullName == puppet.FullName && user.AvatarURL == puppet.AvatarURL {
		return
	}
	if time.Since(puppet.ProfileSyncedAt) < pm.refreshInterval {
		return
	}
	pm.RefreshProfile(ctx, puppet, user)
}

// RefreshProfile forces a profile sync, used when a realm_user update
// event arrives.
func (pm *PuppetManager) RefreshProfile(ctx context.Context, puppet *Puppet, user *zulip.User) {
	display := pm.formatName(user.FullName)
	if err := pm.matrix.SetGhostProfile(ctx, puppet.MXID, display, user.AvatarURL); err != nil {
		pm.log.Warn().Err(err).Stringer("mxid", puppet.MXID).Msg("Failed to refresh ghost profile")
		return
	}
	_ = pm.store.UpdatePuppet(puppet.Org, puppet.ZulipUserID, func(p *Puppet) {
		p.FullName = user.FullName
		p.AvatarURL = user.AvatarURL
		p.ProfileSyncedAt = time.Now()
	})
}

// SendAs posts content into a room under the puppet identity. If the
// homeserver refuses (not in room and cannot join, permission denied),
// the content is re-posted under the bridge bot with a synthesized
// sender prefix. That is a degradation, not a failure, and is reported
// once per room.
func (pm *PuppetManager) SendAs(ctx context.Context, puppet *Puppet, room id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	if err := pm.matrix.InviteOrJoin(ctx, room, puppet.MXID); err != nil {
		pm.log.Debug().Err(err).Stringer("mxid", puppet.MXID).Msg("Failed to join puppet to room")
	}
	eventID, err := pm.matrix.SendMessage(ctx, room, puppet.MXID, content)
	if err == nil {
		return eventID, nil
	}

	fallback := *content
	fallback.Body = fmt.Sprintf("<%s> %s", puppet.FullName, content.Body)
	if fallback.FormattedBody != "" {
		fallback.FormattedBody = fmt.Sprintf("&lt;%s&gt; %s", puppet.FullName, content.FormattedBody)
	}
	eventID, sendErr := pm.matrix.SendMessage(ctx, room, "", &fallback)
	if sendErr != nil {
		return "", fmt.Errorf("failed to send as puppet (%v) and as bot: %w", err, sendErr)
	}

	pm.reportDegradation(ctx, room, err)
	return eventID, nil
}

// ReactAs mirrors a Zulip reaction under the puppet identity, falling
// back to the bot identity.
func (pm *PuppetManager) ReactAs(ctx context.Context, puppet *Puppet, room id.RoomID, target id.EventID, key string) (id.EventID, error) {
	eventID, err := pm.matrix.React(ctx, room, puppet.MXID, target, key)
	if err == nil {
		return eventID, nil
	}
	return pm.matrix.React(ctx, room, "", target, key)
}

// reportDegradation posts a one-time advisory notice in the room the
// first time puppet posting degrades to bot relay there.
func (pm *PuppetManager) reportDegradation(ctx context.Context, room id.RoomID, cause error) {
	pm.degradedMu.Lock()
	_, seen := pm.degradedRooms[room]
	pm.degradedRooms[room] = struct{}{}
	pm.degradedMu.Unlock()
	if seen {
		return
	}
	pm.log.Warn().Err(cause).Stringer("room_id", room).Msg("Puppet posting degraded to bot relay")
	_, err := pm.matrix.SendNotice(ctx, room,
		"Puppet posting is unavailable in this room; remote messages are relayed by the bridge bot with a sender prefix.")
	if err != nil {
		pm.log.Warn().Err(err).Stringer("room_id", room).Msg("Failed to post degradation notice")
	}
}

// IsBridgeUser reports whether an MXID is the bridge bot or one of its
// ghosts. Used for echo suppression on the Matrix inbound stream.
func (pm *PuppetManager) IsBridgeUser(userID id.UserID) bool {
	if userID == pm.matrix.BotUserID() {
		return true
	}
	return IsPuppetUserID(userID, pm.prefix, pm.serverName)
}
