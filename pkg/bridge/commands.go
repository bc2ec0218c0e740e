// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/zulipbridge/pkg/zulip"
)

const controlHelp = `Available commands:
ADDORGANIZATION <name> - create an organization and its room
DELORGANIZATION <name> - delete an organization and all its mappings
OPEN <name> - open (or re-invite to) an organization room
STATUS - list organizations and their connection state
HELP - this help`

const organizationHelp = `Available commands:
SITE <url> - set the Zulip server (only while disconnected)
EMAIL <address> - set the bot email (only while disconnected)
APIKEY <key> - set the bot API key (only while disconnected)
CONNECT - connect to Zulip
DISCONNECT - disconnect from Zulip
RECONNECT - disconnect and connect again
SUBSCRIBE <stream>[/<topic>] - start mirroring a stream or a single topic
UNSUBSCRIBE <stream> - stop mirroring a stream
STATUS - show connection state and subscriptions
HELP - this help`

// handleCommand interprets the first line of a message as a command.
// Commands are case-insensitive; anything unknown answers with help.
func (br *Bridge) handleCommand(ctx context.Context, room *RoomMapping, body string) {
	line := strings.TrimSpace(strings.SplitN(body, "\n", 2)[0])
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	br.log.Debug().Str("room_id", string(room.RoomID)).Str("command", cmd).Msg("Handling command")

	switch room.Kind {
	case RoomKindControl:
		br.handleControlCommand(ctx, room, cmd, args)
	case RoomKindOrganization:
		br.handleOrganizationCommand(ctx, room, cmd, args)
	}
}

func (br *Bridge) handleControlCommand(ctx context.Context, room *RoomMapping, cmd string, args []string) {
	switch cmd {
	case "addorganization":
		if len(args) != 1 {
			br.notice(ctx, room.RoomID, "Usage: ADDORGANIZATION <name>")
			return
		}
		br.cmdAddOrganization(ctx, room, args[0])
	case "delorganization":
		if len(args) != 1 {
			br.notice(ctx, room.RoomID, "Usage: DELORGANIZATION <name>")
			return
		}
		br.cmdDelOrganization(ctx, room, args[0])
	case "open":
		if len(args) != 1 {
			br.notice(ctx, room.RoomID, "Usage: OPEN <name>")
			return
		}
		br.cmdOpen(ctx, room, args[0])
	case "status":
		br.cmdControlStatus(ctx, room)
	case "help":
		br.notice(ctx, room.RoomID, controlHelp)
	default:
		br.notice(ctx, room.RoomID, "Unknown command: "+cmd+"\n"+controlHelp)
	}
}

func (br *Bridge) cmdAddOrganization(ctx context.Context, room *RoomMapping, name string) {
	org, err := br.store.AddOrganization(name)
	if errors.Is(err, ErrExists) {
		br.notice(ctx, room.RoomID, "Organization "+name+" already exists, use OPEN "+name+" to get to its room.")
		return
	} else if err != nil {
		br.notice(ctx, room.RoomID, "Failed to add organization: "+err.Error())
		return
	}
	roomID, err := br.createOrganizationRoom(ctx, org)
	if err != nil {
		br.notice(ctx, room.RoomID, "Organization added, but creating its room failed: "+err.Error())
		return
	}
	br.notice(ctx, room.RoomID, "Organization "+name+" added, configure it in its room.")
	_ = roomID
}

func (br *Bridge) createOrganizationRoom(ctx context.Context, org *Organization) (id.RoomID, error) {
	roomID, err := br.matrix.CreateRoom(ctx, org.Name+" (Zulip)", "Zulip organization "+org.Name, []id.UserID{br.cfg.Bridge.Owner})
	if err != nil {
		return "", err
	}
	br.store.PutRoom(&RoomMapping{RoomID: roomID, Kind: RoomKindOrganization, Org: org.Name})
	_ = br.store.UpdateOrganization(org.Name, func(o *Organization) error {
		o.RoomID = roomID
		return nil
	})
	br.notice(ctx, roomID, "This is the organization room for "+org.Name+".\n"+
		"Set SITE, EMAIL and APIKEY, then CONNECT. Type HELP for all commands.")
	br.log.Info().Str("org", org.Name).Str("room_id", string(roomID)).Msg("Created organization room")
	return roomID, nil
}

func (br *Bridge) cmdDelOrganization(ctx context.Context, room *RoomMapping, name string) {
	if _, err := br.store.GetOrganization(name); err != nil {
		br.notice(ctx, room.RoomID, "No such organization: "+name)
		return
	}
	br.disconnectOrg(name)
	if err := br.store.DeleteOrganization(name); err != nil {
		br.notice(ctx, room.RoomID, "Failed to delete organization: "+err.Error())
		return
	}
	br.notice(ctx, room.RoomID, "Organization "+name+" deleted. Its rooms are no longer bridged.")
}

func (br *Bridge) cmdOpen(ctx context.Context, room *RoomMapping, name string) {
	org, err := br.store.GetOrganization(name)
	if err != nil {
		br.notice(ctx, room.RoomID, "No such organization: "+name)
		return
	}
	if org.RoomID == "" {
		if _, err := br.createOrganizationRoom(ctx, org); err != nil {
			br.notice(ctx, room.RoomID, "Failed to create organization room: "+err.Error())
		}
		return
	}
	if err := br.matrix.InviteOrJoin(ctx, org.RoomID, br.cfg.Bridge.Owner); err != nil {
		br.log.Debug().Err(err).Str("org", org.Name).Msg("Re-invite to organization room failed")
	}
	br.notice(ctx, room.RoomID, "Organization room for "+name+": "+string(org.RoomID))
}

func (br *Bridge) cmdControlStatus(ctx context.Context, room *RoomMapping) {
	orgs := br.store.Organizations()
	if len(orgs) == 0 {
		br.notice(ctx, room.RoomID, "No organizations. Use ADDORGANIZATION <name> to create one.")
		return
	}
	names := make([]string, 0, len(orgs))
	byName := make(map[string]*Organization, len(orgs))
	for _, org := range orgs {
		names = append(names, org.Name)
		byName[org.Name] = org
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Organizations:\n")
	for _, name := range names {
		org := byName[name]
		state := StateDisconnected
		if conn := br.connection(org.Name); conn != nil {
			state, _ = conn.State()
		}
		fmt.Fprintf(&sb, "- %s: %s", org.Name, state)
		if org.Site != "" {
			fmt.Fprintf(&sb, " (%s)", org.Site)
		}
		sb.WriteString("\n")
	}
	br.notice(ctx, room.RoomID, strings.TrimSuffix(sb.String(), "\n"))
}

func (br *Bridge) handleOrganizationCommand(ctx context.Context, room *RoomMapping, cmd string, args []string) {
	org, err := br.store.GetOrganization(room.Org)
	if err != nil {
		br.notice(ctx, room.RoomID, "This room's organization no longer exists.")
		return
	}

	switch cmd {
	case "site":
		br.cmdSetCredential(ctx, room, org, "site", args, func(o *Organization, v string) error {
			if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") && strings.Contains(v, "/") {
				return errors.New("site must be a hostname or an http(s) URL")
			}
			o.Site = v
			return nil
		})
	case "email":
		br.cmdSetCredential(ctx, room, org, "email", args, func(o *Organization, v string) error {
			if !strings.Contains(v, "@") {
				return errors.New("email must contain @")
			}
			o.Email = v
			return nil
		})
	case "apikey":
		br.cmdSetCredential(ctx, room, org, "apikey", args, func(o *Organization, v string) error {
			o.APIKey = v
			return nil
		})
	case "connect":
		if err := br.connectOrg(ctx, org); err != nil {
			br.notice(ctx, room.RoomID, "Connect failed: "+err.Error())
		}
	case "disconnect":
		br.disconnectOrg(org.Name)
		br.notice(ctx, room.RoomID, "Disconnected.")
	case "reconnect":
		br.disconnectOrg(org.Name)
		if err := br.connectOrg(ctx, org); err != nil {
			br.notice(ctx, room.RoomID, "Reconnect failed: "+err.Error())
		}
	case "subscribe":
		if len(args) == 0 {
			br.notice(ctx, room.RoomID, "Usage: SUBSCRIBE <stream>[/<topic>]")
			return
		}
		br.cmdSubscribe(ctx, room, org, strings.Join(args, " "))
	case "unsubscribe":
		if len(args) == 0 {
			br.notice(ctx, room.RoomID, "Usage: UNSUBSCRIBE <stream>")
			return
		}
		br.cmdUnsubscribe(ctx, room, org, strings.Join(args, " "))
	case "status":
		br.cmdOrganizationStatus(ctx, room, org)
	case "help":
		br.notice(ctx, room.RoomID, organizationHelp)
	default:
		br.notice(ctx, room.RoomID, "Unknown command: "+cmd+"\n"+organizationHelp)
	}
}

// cmdSetCredential guards credential changes: they are only allowed
// while the organization is disconnected.
func (br *Bridge) cmdSetCredential(ctx context.Context, room *RoomMapping, org *Organization, field string, args []string, set func(*Organization, string) error) {
	if len(args) != 1 {
		br.notice(ctx, room.RoomID, "Usage: "+strings.ToUpper(field)+" <value>")
		return
	}
	if conn := br.connection(org.Name); conn != nil {
		if state, _ := conn.State(); state == StateConnected || state == StateConnecting {
			br.notice(ctx, room.RoomID, "Cannot change "+field+" while connected, DISCONNECT first.")
			return
		}
	}
	err := br.store.UpdateOrganization(org.Name, func(o *Organization) error {
		return set(o, args[0])
	})
	if err != nil {
		br.notice(ctx, room.RoomID, "Invalid "+field+": "+err.Error())
		return
	}
	br.notice(ctx, room.RoomID, "Set "+field+".")
}

func (br *Bridge) cmdSubscribe(ctx context.Context, room *RoomMapping, org *Organization, arg string) {
	conn := br.connection(org.Name)
	if conn == nil {
		br.notice(ctx, room.RoomID, "Not connected, CONNECT first.")
		return
	}
	if state, _ := conn.State(); state != StateConnected {
		br.notice(ctx, room.RoomID, "Not connected, CONNECT first.")
		return
	}

	stream, topic := arg, ""
	if idx := strings.Index(arg, "/"); idx >= 0 {
		stream, topic = arg[:idx], arg[idx+1:]
	}
	stream = strings.TrimSpace(stream)
	topic = strings.TrimSpace(topic)
	if stream == "" {
		br.notice(ctx, room.RoomID, "Usage: SUBSCRIBE <stream>[/<topic>]")
		return
	}

	streamID, err := conn.API().GetStreamID(ctx, stream)
	if err != nil {
		var apiErr *zulip.APIError
		if errors.As(err, &apiErr) {
			br.notice(ctx, room.RoomID, "No such stream on "+org.Site+": "+stream)
		} else {
			br.notice(ctx, room.RoomID, "Failed to look up stream: "+err.Error())
		}
		return
	}
	if err := conn.API().AddSubscription(ctx, stream); err != nil {
		br.notice(ctx, room.RoomID, "Failed to subscribe the bot to "+stream+": "+err.Error())
		return
	}

	br.store.AddSubscription(&Subscription{
		Org:      org.Name,
		Stream:   stream,
		StreamID: streamID,
		Topic:    topic,
	})

	portal, err := br.ensurePortal(ctx, conn, stream, streamID)
	if err != nil {
		br.notice(ctx, room.RoomID, "Subscribed to "+stream+", but creating the portal room failed: "+err.Error())
		return
	}

	what := "stream " + stream
	if topic != "" {
		what = "topic " + topic + " of stream " + stream
	}
	br.notice(ctx, room.RoomID, "Subscribed to "+what+". Portal room: "+string(portal.RoomID))
}

func (br *Bridge) cmdUnsubscribe(ctx context.Context, room *RoomMapping, org *Organization, stream string) {
	removed := br.store.RemoveSubscriptions(org.Name, stream)
	if removed == 0 {
		br.notice(ctx, room.RoomID, "Not subscribed to "+stream+".")
		return
	}
	if conn := br.connection(org.Name); conn != nil {
		if state, _ := conn.State(); state == StateConnected {
			if err := conn.API().RemoveSubscription(ctx, stream); err != nil {
				br.log.Warn().Err(err).Str("stream", stream).Msg("Failed to unsubscribe the bot")
			}
		}
	}
	br.notice(ctx, room.RoomID, "Unsubscribed from "+stream+". Existing portal rooms stop receiving messages.")
}

func (br *Bridge) cmdOrganizationStatus(ctx context.Context, room *RoomMapping, org *Organization) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Organization %s\n", org.Name)
	fmt.Fprintf(&sb, "Site: %s\n", orUnset(org.Site))
	fmt.Fprintf(&sb, "Email: %s\n", orUnset(org.Email))
	if org.APIKey != "" {
		sb.WriteString("API key: set\n")
	} else {
		sb.WriteString("API key: (unset)\n")
	}

	state := StateDisconnected
	var lastErr error
	if conn := br.connection(org.Name); conn != nil {
		state, lastErr = conn.State()
	}
	fmt.Fprintf(&sb, "State: %s", state)
	if lastErr != nil {
		fmt.Fprintf(&sb, " (%s)", lastErr)
	}
	sb.WriteString("\n")

	subs := br.store.Subscriptions(org.Name)
	if len(subs) == 0 {
		sb.WriteString("No subscriptions.")
	} else {
		sb.WriteString("Subscriptions:\n")
		lines := make([]string, 0, len(subs))
		for _, sub := range subs {
			line := "- " + sub.Stream
			if sub.Topic != "" {
				line += "/" + sub.Topic
			}
			lines = append(lines, line)
		}
		sort.Strings(lines)
		sb.WriteString(strings.Join(lines, "\n"))
	}
	br.notice(ctx, room.RoomID, sb.String())
}

func orUnset(v string) string {
	if v == "" {
		return "(unset)"
	}
	return v
}
