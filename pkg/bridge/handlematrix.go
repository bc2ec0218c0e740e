// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/zulipbridge/pkg/bridge/matrixfmt"
)

// defaultTopic is where unthreaded Matrix messages land in Zulip.
const defaultTopic = "(no topic)"

func (br *Bridge) handleMatrixMessage(ctx context.Context, room *RoomMapping, evt *event.Event, content *event.MessageEventContent) {
	log := br.log.With().Str("room_id", string(room.RoomID)).Str("event_id", string(evt.ID)).Logger()

	conn := br.connection(room.Org)
	if conn == nil {
		br.notice(ctx, room.RoomID, "Organization "+room.Org+" is not connected, message not delivered.")
		return
	}
	if state, _ := conn.State(); state != StateConnected {
		br.notice(ctx, room.RoomID, "Organization "+room.Org+" is "+state.String()+", message not delivered.")
		return
	}

	// Matrix edits replace an earlier event; map it to a Zulip edit
	// through the correlation table, no-op when the original is unknown.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		br.relayMatrixEdit(ctx, room, conn, evt, content)
		return
	}

	topic := br.topicForMatrixEvent(room, content)
	text := br.renderMatrixContent(room, content)
	if text == "" {
		return
	}
	if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" {
		text = br.replyPrefix(conn, content, replyTo) + text
	}

	msgID, err := conn.API().SendMessage(ctx, room.Stream, topic, text)
	if err != nil {
		log.Error().Err(err).Msg("Failed to deliver message to Zulip")
		br.notice(ctx, room.RoomID, "Failed to deliver message to Zulip: "+err.Error())
		return
	}

	// An unthreaded message starts the topic's thread, so later Zulip
	// replies on that topic land under it.
	if _, ok := br.store.ThreadRoot(room.RoomID, topic); !ok {
		br.store.PutThread(room.RoomID, topic, evt.ID)
	}
	br.store.RecordCorrelation(&Correlation{
		Org:          room.Org,
		EventID:      evt.ID,
		MessageID:    msgID,
		Room:         room.RoomID,
		RemoteOrigin: false,
		At:           time.Now(),
	})
}

func (br *Bridge) relayMatrixEdit(ctx context.Context, room *RoomMapping, conn *Connection, evt *event.Event, content *event.MessageEventContent) {
	corr, err := br.store.LookupByLocal(content.RelatesTo.EventID)
	if err != nil {
		br.log.Debug().Str("event_id", string(content.RelatesTo.EventID)).Msg("Edit of unknown message, ignoring")
		return
	}
	edited := content.NewContent
	if edited == nil {
		edited = content
	}
	text := br.renderMatrixContent(room, edited)
	if text == "" {
		return
	}
	if err := conn.API().EditMessage(ctx, corr.MessageID, text); err != nil {
		br.log.Error().Err(err).Int64("message_id", corr.MessageID).Msg("Failed to edit message in Zulip")
		br.notice(ctx, room.RoomID, "Failed to edit message in Zulip: "+err.Error())
	}
}

func (br *Bridge) handleMatrixRedaction(ctx context.Context, room *RoomMapping, evt *event.Event) {
	conn := br.connection(room.Org)
	if conn == nil {
		return
	}

	if corr, err := br.store.LookupByLocal(evt.Redacts); err == nil {
		if err := conn.API().DeleteMessage(ctx, corr.MessageID); err != nil {
			br.log.Warn().Err(err).Int64("message_id", corr.MessageID).Msg("Failed to delete message in Zulip")
			br.notice(ctx, room.RoomID, "Failed to delete message in Zulip: "+err.Error())
			return
		}
		br.store.DropCorrelation(corr)
		return
	}

	if rc, err := br.store.LookupReactionByLocal(evt.Redacts); err == nil {
		if err := conn.API().RemoveReaction(ctx, rc.MessageID, rc.EmojiName); err != nil {
			br.log.Warn().Err(err).Int64("message_id", rc.MessageID).Msg("Failed to remove reaction in Zulip")
			return
		}
		br.store.DropReaction(rc)
	}
}

func (br *Bridge) handleMatrixReaction(ctx context.Context, room *RoomMapping, evt *event.Event, content *event.ReactionEventContent) {
	conn := br.connection(room.Org)
	if conn == nil {
		return
	}
	corr, err := br.store.LookupByLocal(content.RelatesTo.EventID)
	if err != nil {
		return
	}
	emoji := emojiToReaction(content.RelatesTo.Key)
	if err := conn.API().AddReaction(ctx, corr.MessageID, emoji); err != nil {
		br.log.Warn().Err(err).Int64("message_id", corr.MessageID).Str("emoji", emoji).Msg("Failed to add reaction in Zulip")
		return
	}
	br.store.RecordReaction(&ReactionCorrelation{
		Org:       room.Org,
		EventID:   evt.ID,
		MessageID: corr.MessageID,
		EmojiName: emoji,
		Room:      room.RoomID,
	})
}

// topicForMatrixEvent picks the Zulip topic: the thread the event is in,
// the portal's fixed topic, or the default.
func (br *Bridge) topicForMatrixEvent(room *RoomMapping, content *event.MessageEventContent) string {
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelThread {
		if topic, ok := br.store.TopicForThread(content.RelatesTo.EventID); ok {
			return topic
		}
	}
	if room.Topic != "" {
		return room.Topic
	}
	return defaultTopic
}

// renderMatrixContent converts Matrix message content to Zulip markdown,
// handling emotes and attachments.
func (br *Bridge) renderMatrixContent(room *RoomMapping, content *event.MessageEventContent) string {
	switch content.MsgType {
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		url := br.mxcToHTTP(content.URL)
		if url == "" {
			return content.Body
		}
		return "[" + content.Body + "](" + url + ")"
	}

	text := matrixfmt.Parse(content, br.matrixMentionResolver(room.Org))

	// Plain-text replies carry the quoted fallback inline, drop it.
	if content.RelatesTo.GetReplyTo() != "" && content.Format != event.FormatHTML {
		text = stripReplyFallback(text)
	}
	if content.MsgType == event.MsgEmote {
		text = "*" + text + "*"
	}
	return text
}

// replyPrefix resolves a Matrix reply target through the correlation
// table. A known target becomes a narrow link to the Zulip message. An
// unknown target degrades to a plain quote built from the client's
// reply fallback, which is already valid Zulip markdown.
func (br *Bridge) replyPrefix(conn *Connection, content *event.MessageEventContent, replyTo id.EventID) string {
	if corr, err := br.store.LookupByLocal(replyTo); err == nil {
		return "[replying to an earlier message](" + conn.API().Site() + "/#narrow/id/" + strconv.FormatInt(corr.MessageID, 10) + "):\n"
	}
	return replyFallbackQuote(content.Body)
}

// replyFallbackQuote extracts the leading "> " block of a reply body.
func replyFallbackQuote(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], "> ") {
		i++
	}
	if i == 0 {
		return ""
	}
	return strings.Join(lines[:i], "\n") + "\n"
}

// stripReplyFallback removes the leading "> " quote block clients put in
// the plain-text body of rich replies.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], "> ") {
		i++
	}
	if i == 0 {
		return body
	}
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// mxcToHTTP turns an mxc:// URI into a homeserver download URL. Media is
// bridged as a link, not re-uploaded.
func (br *Bridge) mxcToHTTP(uri id.ContentURIString) string {
	parsed, err := uri.Parse()
	if err != nil || parsed.Homeserver == "" {
		return ""
	}
	base := strings.TrimSuffix(br.cfg.Homeserver.Address, "/")
	return base + "/_matrix/media/v3/download/" + parsed.Homeserver + "/" + parsed.FileID
}

// matrixMentionResolver turns matrix.to pills for puppet users back into
// Zulip mentions.
func (br *Bridge) matrixMentionResolver(org string) matrixfmt.MentionResolver {
	return func(mxid id.UserID) (string, int64, bool) {
		if puppet, err := br.store.GetPuppetByMXID(mxid); err == nil {
			return puppet.FullName, puppet.ZulipUserID, true
		}
		if mentionOrg, userID, ok := ParsePuppetUserID(mxid, br.cfg.Bridge.UsernamePrefix, br.cfg.Homeserver.Domain); ok && mentionOrg == normalizeOrg(org) {
			if puppet, err := br.store.GetPuppet(org, userID); err == nil {
				return puppet.FullName, puppet.ZulipUserID, true
			}
		}
		return "", 0, false
	}
}

// emojiToReaction converts a Unicode emoji to a Zulip emoji name.
func emojiToReaction(emoji string) string {
	// Reaction keys sometimes carry a variation selector.
	emoji = strings.TrimSuffix(emoji, "️")

	reverseMap := map[string]string{
		"\U0001f44d": "+1",
		"\U0001f44e": "-1",
		"❤":     "heart",
		"\U0001f604": "smile",
		"\U0001f606": "laughing",
		"\U0001f44b": "wave",
		"\U0001f44f": "clap",
		"\U0001f525": "fire",
		"\U0001f4af": "100",
		"\U0001f389": "tada",
		"\U0001f440": "eyes",
		"\U0001f914": "thinking",
		"✅":     "check",
		"❌":     "cross_mark",
		"⚠":     "warning",
		"\U0001f680": "rocket",
		"⭐":     "star",
		"\U0001f64f": "pray",
		"\U0001f419": "octopus",
	}

	if name, ok := reverseMap[emoji]; ok {
		return name
	}

	// Strip colons for custom emoji names.
	if len(emoji) > 2 && emoji[0] == ':' && emoji[len(emoji)-1] == ':' {
		return emoji[1 : len(emoji)-1]
	}

	return emoji
}
