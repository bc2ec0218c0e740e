// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixClient is the federated-chat collaborator surface the bridge
// core uses. Production wires the appservice implementation; tests
// inject a recording fake.
type MatrixClient interface {
	// BotUserID is the bridge's own identity.
	BotUserID() id.UserID
	// CreateRoom makes a new room with the given invitees and returns
	// its ID.
	CreateRoom(ctx context.Context, name, topic string, invite []id.UserID) (id.RoomID, error)
	// InviteOrJoin makes sure the given ghost or bot identity is in the
	// room, inviting first if needed.
	InviteOrJoin(ctx context.Context, room id.RoomID, user id.UserID) error
	// SendMessage posts content into a room under the given identity. A
	// zero identity means the bridge bot. Failures for non-bot identities
	// may be permission errors the puppet manager degrades around.
	SendMessage(ctx context.Context, room id.RoomID, as id.UserID, content *event.MessageEventContent) (id.EventID, error)
	// SendNotice posts an m.notice under the bot identity. Used for all
	// bridge status and command output.
	SendNotice(ctx context.Context, room id.RoomID, text string) (id.EventID, error)
	// React sends an m.reaction annotation under the given identity.
	React(ctx context.Context, room id.RoomID, as id.UserID, target id.EventID, key string) (id.EventID, error)
	// Redact removes an event under the given identity, falling back to
	// the bot's power if the identity cannot redact.
	Redact(ctx context.Context, room id.RoomID, as id.UserID, target id.EventID, reason string) error
	// RegisterGhost makes sure the ghost account exists on the
	// homeserver.
	RegisterGhost(ctx context.Context, user id.UserID) error
	// SetGhostProfile updates a ghost's display name and avatar.
	SetGhostProfile(ctx context.Context, user id.UserID, displayName, avatarURL string) error
}
