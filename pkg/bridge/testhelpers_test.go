// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/zulipbridge/pkg/zulip"
)

// sentMessage records one SendMessage call on the fake Matrix client.
type sentMessage struct {
	Room    id.RoomID
	As      id.UserID
	Content *event.MessageEventContent
}

type sentReaction struct {
	Room   id.RoomID
	As     id.UserID
	Target id.EventID
	Key    string
}

type sentRedaction struct {
	Room   id.RoomID
	As     id.UserID
	Target id.EventID
}

// fakeMatrix implements MatrixClient and records every call for
// assertions.
type fakeMatrix struct {
	mu      sync.Mutex
	counter int

	CreatedRooms []id.RoomID
	Messages     []sentMessage
	Notices      map[id.RoomID][]string
	Reactions    []sentReaction
	Redactions   []sentRedaction
	Registered   []id.UserID
	DisplayNames map[id.UserID]string
	Invites      map[id.RoomID][]id.UserID

	// FailSendAs makes SendMessage fail for these senders, to exercise
	// the bot fallback path.
	FailSendAs map[id.UserID]bool
	// FailCreateRoom makes CreateRoom fail once, then recover.
	FailCreateRoom bool
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		Notices:      make(map[id.RoomID][]string),
		DisplayNames: make(map[id.UserID]string),
		Invites:      make(map[id.RoomID][]id.UserID),
		FailSendAs:   make(map[id.UserID]bool),
	}
}

func (f *fakeMatrix) next(prefix string) string {
	f.counter++
	return fmt.Sprintf("%s%d", prefix, f.counter)
}

func (f *fakeMatrix) BotUserID() id.UserID {
	return "@zulipbridgebot:example.com"
}

func (f *fakeMatrix) CreateRoom(_ context.Context, name, topic string, invite []id.UserID) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreateRoom {
		f.FailCreateRoom = false
		return "", fmt.Errorf("homeserver unavailable")
	}
	room := id.RoomID(f.next("!room") + ":example.com")
	f.CreatedRooms = append(f.CreatedRooms, room)
	f.Invites[room] = append(f.Invites[room], invite...)
	return room, nil
}

func (f *fakeMatrix) InviteOrJoin(_ context.Context, room id.RoomID, user id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Invites[room] = append(f.Invites[room], user)
	return nil
}

func (f *fakeMatrix) SendMessage(_ context.Context, room id.RoomID, as id.UserID, content *event.MessageEventContent) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if as != "" && f.FailSendAs[as] {
		return "", fmt.Errorf("M_FORBIDDEN: user not registered")
	}
	f.Messages = append(f.Messages, sentMessage{Room: room, As: as, Content: content})
	return id.EventID(f.next("$event")), nil
}

func (f *fakeMatrix) SendNotice(_ context.Context, room id.RoomID, text string) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notices[room] = append(f.Notices[room], text)
	return id.EventID(f.next("$notice")), nil
}

func (f *fakeMatrix) React(_ context.Context, room id.RoomID, as id.UserID, target id.EventID, key string) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reactions = append(f.Reactions, sentReaction{Room: room, As: as, Target: target, Key: key})
	return id.EventID(f.next("$react")), nil
}

func (f *fakeMatrix) Redact(_ context.Context, room id.RoomID, as id.UserID, target id.EventID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Redactions = append(f.Redactions, sentRedaction{Room: room, As: as, Target: target})
	return nil
}

func (f *fakeMatrix) RegisterGhost(_ context.Context, user id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Registered = append(f.Registered, user)
	return nil
}

func (f *fakeMatrix) SetGhostProfile(_ context.Context, user id.UserID, displayName, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DisplayNames[user] = displayName
	return nil
}

// NoticesContaining returns the notices in a room that contain substr.
func (f *fakeMatrix) NoticesContaining(room id.RoomID, substr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.Notices[room] {
		if strings.Contains(n, substr) {
			out = append(out, n)
		}
	}
	return out
}

type sentZulipMessage struct {
	Stream  string
	Topic   string
	Content string
}

// fakeZulip implements zulipAPI with canned data and recorded calls.
type fakeZulip struct {
	mu sync.Mutex

	SiteURL string
	MeUser  *zulip.User
	Users   map[int64]*zulip.User
	Streams map[string]int64

	AuthFail bool
	// EventsFn drives the long-poll loop; the default blocks until the
	// context is cancelled.
	EventsFn func(ctx context.Context, queueID string, lastEventID int64) ([]zulip.Event, error)

	RegisterCount    int
	Sent             []sentZulipMessage
	nextMessageID    int64
	Edits            map[int64]string
	Deleted          []int64
	ReactionsAdded   []string
	ReactionsRemoved []string
	SubsAdded        []string
	SubsRemoved      []string
}

func newFakeZulip() *fakeZulip {
	return &fakeZulip{
		SiteURL: "https://zulip.example.org",
		MeUser:  &zulip.User{UserID: 99, FullName: "Bridge Bot", Email: "bot@example.org"},
		Users:   make(map[int64]*zulip.User),
		Streams: map[string]int64{"general": 7},
		Edits:   make(map[int64]string),
	}
}

func (f *fakeZulip) Site() string {
	return f.SiteURL
}

func (f *fakeZulip) Me(_ context.Context) (*zulip.User, error) {
	if f.AuthFail {
		return nil, &zulip.APIError{StatusCode: 401, Msg: "Invalid API key"}
	}
	return f.MeUser, nil
}

func (f *fakeZulip) GetUser(_ context.Context, userID int64) (*zulip.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.Users[userID]; ok {
		return u, nil
	}
	return nil, &zulip.APIError{StatusCode: 404, Code: "BAD_REQUEST", Msg: "No such user"}
}

func (f *fakeZulip) GetStreamID(_ context.Context, stream string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sid, ok := f.Streams[stream]; ok {
		return sid, nil
	}
	return 0, &zulip.APIError{StatusCode: 400, Code: "BAD_REQUEST", Msg: "Invalid stream name"}
}

func (f *fakeZulip) AddSubscription(_ context.Context, stream string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubsAdded = append(f.SubsAdded, stream)
	return nil
}

func (f *fakeZulip) RemoveSubscription(_ context.Context, stream string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubsRemoved = append(f.SubsRemoved, stream)
	return nil
}

func (f *fakeZulip) RegisterQueue(_ context.Context) (*zulip.Queue, error) {
	if f.AuthFail {
		return nil, &zulip.APIError{StatusCode: 401, Msg: "Invalid API key"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RegisterCount++
	return &zulip.Queue{QueueID: fmt.Sprintf("queue-%d", f.RegisterCount), LastEventID: -1}, nil
}

func (f *fakeZulip) Events(ctx context.Context, queueID string, lastEventID int64) ([]zulip.Event, error) {
	if f.EventsFn != nil {
		return f.EventsFn(ctx, queueID, lastEventID)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeZulip) SendMessage(_ context.Context, stream, topic, content string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, sentZulipMessage{Stream: stream, Topic: topic, Content: content})
	f.nextMessageID++
	return 1000 + f.nextMessageID, nil
}

func (f *fakeZulip) EditMessage(_ context.Context, messageID int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Edits[messageID] = content
	return nil
}

func (f *fakeZulip) DeleteMessage(_ context.Context, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, messageID)
	return nil
}

func (f *fakeZulip) AddReaction(_ context.Context, messageID int64, emojiName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReactionsAdded = append(f.ReactionsAdded, fmt.Sprintf("%d:%s", messageID, emojiName))
	return nil
}

func (f *fakeZulip) RemoveReaction(_ context.Context, messageID int64, emojiName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReactionsRemoved = append(f.ReactionsRemoved, fmt.Sprintf("%d:%s", messageID, emojiName))
	return nil
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "http://localhost:8008", Domain: "example.com"},
		Bridge: BridgeConfig{
			Owner:     "@owner:example.com",
			StateFile: t.TempDir() + "/state.yaml",
		},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// newTestBridge builds a bridge wired to fakes, without running Start.
func newTestBridge(t *testing.T) (*Bridge, *fakeMatrix, *fakeZulip) {
	t.Helper()
	fm := newFakeMatrix()
	fz := newFakeZulip()
	br := New(zerolog.Nop(), testConfig(t), fm, NewStore())
	br.newZulipClient = func(site, email, apiKey string) zulipAPI {
		return fz
	}
	br.ctx, br.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() {
		br.cancel()
		br.dispatch.Close()
	})
	return br, fm, fz
}

// flushOrg waits until the organization's dispatch worker has drained
// everything submitted before the call.
func flushOrg(t *testing.T, br *Bridge, org string) {
	t.Helper()
	done := make(chan struct{})
	br.dispatch.Submit(orgDispatchKey(org), func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch worker did not drain")
	}
}

// connectTestOrg creates an organization with credentials and connects
// it through the fake Zulip client.
func connectTestOrg(t *testing.T, br *Bridge, name string) *Connection {
	t.Helper()
	if _, err := br.store.AddOrganization(name); err != nil {
		t.Fatalf("AddOrganization: %v", err)
	}
	err := br.store.UpdateOrganization(name, func(o *Organization) error {
		o.Site = "zulip.example.org"
		o.Email = "bot@example.org"
		o.APIKey = "secret"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateOrganization: %v", err)
	}
	org, _ := br.store.GetOrganization(name)
	if err := br.connectOrg(context.Background(), org); err != nil {
		t.Fatalf("connectOrg: %v", err)
	}
	return br.connection(name)
}
