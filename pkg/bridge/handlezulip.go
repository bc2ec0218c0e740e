// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/zulipbridge/pkg/bridge/zulipfmt"
	"github.com/aiku/zulipbridge/pkg/zulip"
)

// handleZulipEvent runs on the connection's poll goroutine. All portal
// traffic for an organization shares one dispatch key, so events from
// both sides run in the order each side delivered them. Correlation
// lookups happen on the worker: an edit arriving right behind its
// message must see the correlation that message records.
func (br *Bridge) handleZulipEvent(conn *Connection, ev zulip.Event) {
	key := orgDispatchKey(conn.Org())
	switch ev.Type {
	case zulip.EventTypeMessage:
		if ev.Message == nil || ev.Message.Type != zulip.MessageTypeStream {
			return
		}
		msg := ev.Message
		br.dispatch.Submit(key, func() {
			br.relayZulipMessage(br.ctx, conn, msg)
		})
	case zulip.EventTypeUpdateMessage:
		br.dispatch.Submit(key, func() {
			br.relayZulipEdit(br.ctx, conn, ev)
		})
	case zulip.EventTypeDeleteMessage:
		br.dispatch.Submit(key, func() {
			br.relayZulipDeletion(br.ctx, conn, ev)
		})
	case zulip.EventTypeReaction:
		br.dispatch.Submit(key, func() {
			br.relayZulipReaction(br.ctx, conn, ev)
		})
	case zulip.EventTypeRealmUser:
		if ev.Op == zulip.OpUpdate && ev.Person != nil {
			br.dispatch.Submit("profile/"+conn.Org(), func() {
				br.refreshZulipProfile(br.ctx, conn, ev.Person)
			})
		}
	}
}

// isOwnZulipUser reports whether a Zulip user ID is the bridge's own
// account on that connection.
func isOwnZulipUser(conn *Connection, userID int64) bool {
	profile := conn.Profile()
	return profile != nil && profile.UserID == userID
}

func (br *Bridge) relayZulipMessage(ctx context.Context, conn *Connection, msg *zulip.Message) {
	log := br.log.With().Str("org", conn.Org()).Int64("message_id", msg.ID).Logger()

	// Echo in layers: our own account's messages, then anything we
	// already correlated as a Matrix-originated post.
	if isOwnZulipUser(conn, msg.SenderID) {
		return
	}
	if _, err := br.store.LookupByRemote(conn.Org(), msg.ID); err == nil {
		return
	}

	sub, ok := br.store.Subscribed(conn.Org(), msg.StreamID, msg.Subject)
	if !ok {
		return
	}

	portal, err := br.ensurePortal(ctx, conn, sub.Stream, msg.StreamID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create portal room")
		return
	}

	parsed := zulipfmt.Parse(msg.Content, br.zulipMentionResolver(conn.Org()))
	content := parsed.Content()

	// Each Zulip topic becomes one Matrix thread. The first message of
	// a topic posts to the room and becomes the thread root.
	root, haveRoot := br.store.ThreadRoot(portal.RoomID, msg.Subject)
	if haveRoot {
		content.RelatesTo = &event.RelatesTo{Type: event.RelThread, EventID: root}
	}

	puppet, err := br.puppets.Ensure(ctx, conn.Org(), &zulip.User{
		UserID:   msg.SenderID,
		FullName: msg.SenderFullName,
		Email:    msg.SenderEmail,
	})
	if err != nil {
		log.Error().Err(err).Int64("sender_id", msg.SenderID).Msg("Failed to ensure puppet")
		return
	}

	eventID, err := br.puppets.SendAs(ctx, puppet, portal.RoomID, content)
	if err != nil {
		log.Error().Err(err).Msg("Failed to relay message to Matrix")
		return
	}
	if !haveRoot {
		br.store.PutThread(portal.RoomID, msg.Subject, eventID)
	}
	br.store.RecordCorrelation(&Correlation{
		Org:          conn.Org(),
		EventID:      eventID,
		MessageID:    msg.ID,
		Room:         portal.RoomID,
		RemoteOrigin: true,
		At:           time.Now(),
	})
}

// ensurePortal returns the stream's portal mapping, creating the Matrix
// room on first need. Called at subscribe time and again as a fallback
// when a message arrives for a subscription restored from disk.
func (br *Bridge) ensurePortal(ctx context.Context, conn *Connection, stream string, streamID int64) (*RoomMapping, error) {
	return br.store.GetOrCreatePortal(conn.Org(), stream, "", func() (*RoomMapping, error) {
		name := fmt.Sprintf("%s (%s)", stream, conn.Org())
		topic := "Zulip stream " + stream + " on " + conn.API().Site()
		roomID, err := br.matrix.CreateRoom(ctx, name, topic, []id.UserID{br.cfg.Bridge.Owner})
		if err != nil {
			return nil, err
		}
		br.log.Info().Str("org", conn.Org()).Str("room_id", string(roomID)).Str("stream", stream).Msg("Created portal room")
		return &RoomMapping{
			RoomID:   roomID,
			Kind:     RoomKindPortal,
			Org:      conn.Org(),
			Stream:   stream,
			StreamID: streamID,
		}, nil
	})
}

func (br *Bridge) relayZulipEdit(ctx context.Context, conn *Connection, ev zulip.Event) {
	if isOwnZulipUser(conn, ev.UserID) {
		return
	}
	corr, err := br.store.LookupByRemote(conn.Org(), ev.MessageID)
	if err != nil {
		br.log.Debug().Int64("message_id", ev.MessageID).Msg("Edit for unknown message, ignoring")
		return
	}
	if ev.Content == "" {
		// Topic moves and flag-only updates carry no new content.
		return
	}

	parsed := zulipfmt.Parse(ev.Content, br.zulipMentionResolver(conn.Org()))
	content := parsed.Content()
	content.SetEdit(corr.EventID)

	var eventID id.EventID
	if puppet, perr := br.store.GetPuppet(conn.Org(), ev.UserID); perr == nil {
		eventID, err = br.puppets.SendAs(ctx, puppet, corr.Room, content)
	} else {
		eventID, err = br.matrix.SendMessage(ctx, corr.Room, "", content)
	}
	if err != nil {
		br.log.Error().Err(err).Int64("message_id", ev.MessageID).Msg("Failed to relay edit to Matrix")
		return
	}
	br.log.Debug().Str("event_id", string(eventID)).Int64("message_id", ev.MessageID).Msg("Relayed edit")
}

func (br *Bridge) relayZulipDeletion(ctx context.Context, conn *Connection, ev zulip.Event) {
	corr, err := br.store.LookupByRemote(conn.Org(), ev.MessageID)
	if err != nil {
		br.log.Debug().Int64("message_id", ev.MessageID).Msg("Deletion of unknown message, ignoring")
		return
	}
	if err := br.matrix.Redact(ctx, corr.Room, "", corr.EventID, ""); err != nil {
		br.log.Error().Err(err).Int64("message_id", ev.MessageID).Msg("Failed to redact message in Matrix")
		return
	}
	br.store.DropCorrelation(corr)
}

func (br *Bridge) relayZulipReaction(ctx context.Context, conn *Connection, ev zulip.Event) {
	// The bridge account's own reactions are echoes of Matrix reactions.
	if isOwnZulipUser(conn, ev.UserID) {
		return
	}
	corr, err := br.store.LookupByRemote(conn.Org(), ev.MessageID)
	if err != nil {
		return
	}
	log := br.log.With().Str("org", conn.Org()).Int64("message_id", ev.MessageID).Str("emoji", ev.EmojiName).Logger()

	switch ev.Op {
	case zulip.OpAdd:
		if _, err := br.store.LookupReactionByRemote(conn.Org(), ev.MessageID, ev.EmojiName, ev.UserID); err == nil {
			return
		}
		puppet, err := br.ensurePuppetByID(ctx, conn, ev.UserID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to ensure puppet for reaction")
			return
		}
		eventID, err := br.puppets.ReactAs(ctx, puppet, corr.Room, corr.EventID, reactionToEmoji(ev.EmojiName))
		if err != nil {
			log.Error().Err(err).Msg("Failed to relay reaction to Matrix")
			return
		}
		br.store.RecordReaction(&ReactionCorrelation{
			Org:         conn.Org(),
			EventID:     eventID,
			MessageID:   ev.MessageID,
			EmojiName:   ev.EmojiName,
			ZulipUserID: ev.UserID,
			Room:        corr.Room,
		})
	case zulip.OpRemove:
		rc, err := br.store.LookupReactionByRemote(conn.Org(), ev.MessageID, ev.EmojiName, ev.UserID)
		if err != nil {
			return
		}
		var as id.UserID
		if puppet, perr := br.store.GetPuppet(conn.Org(), ev.UserID); perr == nil {
			as = puppet.MXID
		}
		if err := br.matrix.Redact(ctx, rc.Room, as, rc.EventID, ""); err != nil {
			log.Error().Err(err).Msg("Failed to remove reaction in Matrix")
			return
		}
		br.store.DropReaction(rc)
	}
}

// refreshZulipProfile applies a realm_user update to the puppet's
// Matrix profile.
func (br *Bridge) refreshZulipProfile(ctx context.Context, conn *Connection, person *zulip.User) {
	puppet, err := br.store.GetPuppet(conn.Org(), person.UserID)
	if err != nil {
		return
	}
	br.puppets.RefreshProfile(ctx, puppet, person)
}

// ensurePuppetByID resolves a puppet when the event only carries a user
// ID, fetching the profile from Zulip on first need.
func (br *Bridge) ensurePuppetByID(ctx context.Context, conn *Connection, userID int64) (*Puppet, error) {
	if puppet, err := br.store.GetPuppet(conn.Org(), userID); err == nil {
		return puppet, nil
	}
	user, err := conn.API().GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Profile fetch is best effort, a placeholder name still works.
		user = &zulip.User{UserID: userID, FullName: fmt.Sprintf("Zulip user %d", userID)}
	}
	return br.puppets.Ensure(ctx, conn.Org(), user)
}

// zulipMentionResolver turns @**Name|id** mentions into Matrix pills
// for users the bridge has seen.
func (br *Bridge) zulipMentionResolver(org string) zulipfmt.MentionResolver {
	return func(name string, userID int64) (id.UserID, string, bool) {
		if userID == 0 {
			return "", "", false
		}
		if puppet, err := br.store.GetPuppet(org, userID); err == nil {
			display := puppet.FullName
			if display == "" {
				display = name
			}
			return puppet.MXID, display, true
		}
		mxid := MakePuppetUserID(br.cfg.Bridge.UsernamePrefix, org, userID, br.cfg.Homeserver.Domain)
		return mxid, name, true
	}
}

// reactionToEmoji converts a Zulip emoji name to a Unicode emoji.
func reactionToEmoji(name string) string {
	emojiMap := map[string]string{
		"+1":               "\U0001f44d",
		"-1":               "\U0001f44e",
		"heart":            "❤️",
		"smile":            "\U0001f604",
		"laughing":         "\U0001f606",
		"thumbs_up":        "\U0001f44d",
		"thumbs_down":      "\U0001f44e",
		"wave":             "\U0001f44b",
		"clap":             "\U0001f44f",
		"fire":             "\U0001f525",
		"100":              "\U0001f4af",
		"tada":             "\U0001f389",
		"eyes":             "\U0001f440",
		"thinking":         "\U0001f914",
		"check":            "✅",
		"cross_mark":       "❌",
		"warning":          "⚠️",
		"rocket":           "\U0001f680",
		"star":             "⭐",
		"pray":             "\U0001f64f",
		"octopus":          "\U0001f419",
		"working_on_it":    "\U0001f6e0️",
		"white_check_mark": "✅",
	}

	if emoji, ok := emojiMap[name]; ok {
		return emoji
	}
	return fmt.Sprintf(":%s:", name)
}
