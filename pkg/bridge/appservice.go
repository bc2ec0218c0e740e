// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// AppServiceClient implements MatrixClient on top of a mautrix
// appservice: the bot intent for bridge traffic, per-ghost intents for
// puppeted traffic.
type AppServiceClient struct {
	log zerolog.Logger
	as  *appservice.AppService
	bot *appservice.IntentAPI

	ghostPrefix string
	ghostSuffix string
}

// NewMatrixClient configures a mautrix appservice from the config and
// wraps it in the MatrixClient interface. Call AppService to wire the
// HTTP listener and event processor.
func NewMatrixClient(log zerolog.Logger, cfg *Config) (*AppServiceClient, error) {
	as := appservice.Create()
	as.Log = log.With().Str("component", "appservice").Logger()
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err := as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.Appservice.Hostname,
		Port:     cfg.Appservice.Port,
	}
	as.Registration = &appservice.Registration{
		ID:              cfg.Appservice.ID,
		URL:             cfg.Appservice.Address,
		AppToken:        cfg.Appservice.ASToken,
		ServerToken:     cfg.Appservice.HSToken,
		SenderLocalpart: cfg.Appservice.BotLocalpart,
		Namespaces: appservice.Namespaces{
			UserIDs: []appservice.Namespace{{
				Regex:     fmt.Sprintf("@%s.*:%s", cfg.Bridge.UsernamePrefix, cfg.Homeserver.Domain),
				Exclusive: true,
			}},
		},
	}

	return &AppServiceClient{
		log:         log.With().Str("component", "matrix").Logger(),
		as:          as,
		bot:         as.BotIntent(),
		ghostPrefix: "@" + cfg.Bridge.UsernamePrefix,
		ghostSuffix: ":" + cfg.Homeserver.Domain,
	}, nil
}

// AppService exposes the underlying appservice for the HTTP listener
// and event processor in main.
func (c *AppServiceClient) AppService() *appservice.AppService {
	return c.as
}

func (c *AppServiceClient) intent(as id.UserID) *appservice.IntentAPI {
	if as == "" || as == c.as.BotMXID() {
		return c.bot
	}
	return c.as.Intent(as)
}

func (c *AppServiceClient) BotUserID() id.UserID {
	return c.as.BotMXID()
}

func (c *AppServiceClient) CreateRoom(ctx context.Context, name, topic string, invite []id.UserID) (id.RoomID, error) {
	resp, err := c.bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       name,
		Topic:      topic,
		Invite:     invite,
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *AppServiceClient) InviteOrJoin(ctx context.Context, room id.RoomID, user id.UserID) error {
	// Bridge-owned users can just join, everyone else gets an invite.
	if user == c.as.BotMXID() || c.isGhost(user) {
		return c.intent(user).EnsureJoined(ctx, room)
	}
	_, err := c.bot.InviteUser(ctx, room, &mautrix.ReqInviteUser{UserID: user})
	if err != nil && strings.Contains(err.Error(), "already in the room") {
		return nil
	}
	return err
}

func (c *AppServiceClient) isGhost(user id.UserID) bool {
	return strings.HasPrefix(string(user), c.ghostPrefix) && strings.HasSuffix(string(user), c.ghostSuffix)
}

func (c *AppServiceClient) SendMessage(ctx context.Context, room id.RoomID, as id.UserID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := c.intent(as).SendMessageEvent(ctx, room, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *AppServiceClient) SendNotice(ctx context.Context, room id.RoomID, text string) (id.EventID, error) {
	resp, err := c.bot.SendMessageEvent(ctx, room, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *AppServiceClient) React(ctx context.Context, room id.RoomID, as id.UserID, target id.EventID, key string) (id.EventID, error) {
	resp, err := c.intent(as).SendMessageEvent(ctx, room, event.EventReaction, &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target,
			Key:     key,
		},
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *AppServiceClient) Redact(ctx context.Context, room id.RoomID, as id.UserID, target id.EventID, reason string) error {
	_, err := c.intent(as).RedactEvent(ctx, room, target, mautrix.ReqRedact{Reason: reason})
	return err
}

func (c *AppServiceClient) RegisterGhost(ctx context.Context, user id.UserID) error {
	return c.as.Intent(user).EnsureRegistered(ctx)
}

func (c *AppServiceClient) SetGhostProfile(ctx context.Context, user id.UserID, displayName, avatarURL string) error {
	intent := c.as.Intent(user)
	if displayName != "" {
		if err := intent.SetDisplayName(ctx, displayName); err != nil {
			return err
		}
	}
	// Avatars are only set from mxc URIs; remote HTTP avatars are not
	// re-uploaded.
	if strings.HasPrefix(avatarURL, "mxc://") {
		uri, err := id.ParseContentURI(avatarURL)
		if err != nil {
			return err
		}
		return intent.SetAvatarURL(ctx, uri)
	}
	return nil
}

// HandleMemberEvent joins rooms the bridge bot is invited to, so the
// owner can drag the bot into a room and configure from there.
func (c *AppServiceClient) HandleMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if id.UserID(evt.GetStateKey()) != c.as.BotMXID() {
		return
	}
	if err := c.bot.EnsureJoined(ctx, evt.RoomID); err != nil {
		c.log.Warn().Err(err).Str("room_id", string(evt.RoomID)).Msg("Failed to join room on invite")
	}
}
