// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// ErrNotFound is returned by store lookups for unknown keys. Callers
// decide whether that means "create" or "ignore".
var ErrNotFound = errors.New("not found")

// ErrExists is returned when creating a record whose key is already taken.
var ErrExists = errors.New("already exists")

// RoomKind tags what a Matrix room means to the bridge. The same room
// record moves between awaiting-configuration and configured states, so
// this is a tag on RoomMapping rather than separate types.
type RoomKind string

const (
	RoomKindControl      RoomKind = "control"
	RoomKindOrganization RoomKind = "organization"
	RoomKindPortal       RoomKind = "portal"
)

// Organization is one bridged Zulip account. Credentials are only
// mutable while the organization is not connected; the command layer
// enforces that, the store just holds the record.
type Organization struct {
	Name   string `yaml:"name"`
	Site   string `yaml:"site,omitempty"`
	Email  string `yaml:"email,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	// RoomID is the organization room, empty until opened.
	RoomID id.RoomID `yaml:"room_id,omitempty"`
	// Connected records the user's intent: a connected organization is
	// reconnected automatically after a bridge restart.
	Connected bool `yaml:"connected,omitempty"`
}

// RoomMapping binds one Matrix room to its bridge role. Portal rooms
// reference their Organization by name only; the organization may be
// deleted out from under the mapping and sync then refuses with a notice.
type RoomMapping struct {
	RoomID   id.RoomID `yaml:"room_id"`
	Kind     RoomKind  `yaml:"kind"`
	Org      string    `yaml:"org,omitempty"`
	Stream   string    `yaml:"stream,omitempty"`
	StreamID int64     `yaml:"stream_id,omitempty"`
	// Topic restricts the portal to a single topic. Empty means the
	// portal mirrors the whole stream with one thread per topic.
	Topic string `yaml:"topic,omitempty"`
	// Defunct marks a portal whose organization was deleted. The room
	// keeps its mapping so messages in it get a refusal notice instead
	// of vanishing.
	Defunct bool `yaml:"defunct,omitempty"`
}

// Puppet is the Matrix ghost identity for one Zulip user within one
// organization.
type Puppet struct {
	Org         string    `yaml:"org"`
	ZulipUserID int64     `yaml:"zulip_user_id"`
	FullName    string    `yaml:"full_name,omitempty"`
	AvatarURL   string    `yaml:"avatar_url,omitempty"`
	MXID        id.UserID `yaml:"mxid"`
	// ProfileSyncedAt bounds how often the Matrix profile is refreshed.
	ProfileSyncedAt time.Time `yaml:"profile_synced_at,omitempty"`
}

// Subscription is an active mirroring directive. Topic empty means all
// topics of the stream.
type Subscription struct {
	Org      string `yaml:"org"`
	Stream   string `yaml:"stream"`
	StreamID int64  `yaml:"stream_id"`
	Topic    string `yaml:"topic,omitempty"`
}

// Correlation links one Matrix event to one Zulip message. RemoteOrigin
// records which side authored it, which is what breaks echo loops.
type Correlation struct {
	Org          string     `yaml:"org"`
	EventID      id.EventID `yaml:"event_id"`
	MessageID    int64      `yaml:"message_id"`
	Room         id.RoomID  `yaml:"room"`
	RemoteOrigin bool       `yaml:"remote_origin"`
	At           time.Time  `yaml:"at"`
}

// ReactionCorrelation links one Matrix reaction event to one Zulip
// reaction (message + emoji + reacting Zulip user, zero for the bot).
type ReactionCorrelation struct {
	Org         string     `yaml:"org"`
	EventID     id.EventID `yaml:"event_id"`
	MessageID   int64      `yaml:"message_id"`
	EmojiName   string     `yaml:"emoji_name"`
	ZulipUserID int64      `yaml:"zulip_user_id,omitempty"`
	Room        id.RoomID  `yaml:"room"`
}

type portalKey struct {
	org    string
	stream string
	topic  string
}

type streamKey struct {
	org      string
	streamID int64
}

type puppetKey struct {
	org    string
	userID int64
}

type remoteMsgKey struct {
	org       string
	messageID int64
}

type remoteReactKey struct {
	org       string
	messageID int64
	emoji     string
	userID    int64
}

type threadKey struct {
	room  id.RoomID
	topic string
}

// portalFuture makes GetOrCreatePortal idempotent under concurrency:
// the first caller runs the create func, everyone else waits on it.
type portalFuture struct {
	once    sync.Once
	mapping *RoomMapping
	err     error
}

type puppetFuture struct {
	once   sync.Once
	puppet *Puppet
	err    error
}

// Store holds every mapping table of the bridge behind one interior
// lock. Mutations per key are linearizable; creation of portals and
// puppets is keyed single-flight so concurrent calls for the same key
// observe exactly one creation.
type Store struct {
	mu sync.RWMutex

	orgs          map[string]*Organization
	rooms         map[id.RoomID]*RoomMapping
	portals       map[portalKey]*RoomMapping
	portalsByID   map[streamKey]*RoomMapping
	puppets       map[puppetKey]*Puppet
	puppetsByMXID map[id.UserID]*Puppet
	subs          map[portalKey]*Subscription

	corrByLocal  map[id.EventID]*Correlation
	corrByRemote map[remoteMsgKey]*Correlation
	corrByRoom   map[id.RoomID][]*Correlation
	corrLimit    int

	reactByLocal  map[id.EventID]*ReactionCorrelation
	reactByRemote map[remoteReactKey]*ReactionCorrelation

	threads     map[threadKey]id.EventID
	threadTopic map[id.EventID]string

	portalFlights map[portalKey]*portalFuture
	puppetFlights map[puppetKey]*puppetFuture

	dirty bool
}

// DefaultCorrelationLimit bounds remembered correlations per room. Old
// entries are evicted; edits and redactions of evicted messages become
// best-effort no-ops.
const DefaultCorrelationLimit = 4096

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		orgs:          make(map[string]*Organization),
		rooms:         make(map[id.RoomID]*RoomMapping),
		portals:       make(map[portalKey]*RoomMapping),
		portalsByID:   make(map[streamKey]*RoomMapping),
		puppets:       make(map[puppetKey]*Puppet),
		puppetsByMXID: make(map[id.UserID]*Puppet),
		subs:          make(map[portalKey]*Subscription),
		corrByLocal:   make(map[id.EventID]*Correlation),
		corrByRemote:  make(map[remoteMsgKey]*Correlation),
		corrByRoom:    make(map[id.RoomID][]*Correlation),
		corrLimit:     DefaultCorrelationLimit,
		reactByLocal:  make(map[id.EventID]*ReactionCorrelation),
		reactByRemote: make(map[remoteReactKey]*ReactionCorrelation),
		threads:       make(map[threadKey]id.EventID),
		threadTopic:   make(map[id.EventID]string),
		portalFlights: make(map[portalKey]*portalFuture),
		puppetFlights: make(map[puppetKey]*puppetFuture),
	}
}

// SetCorrelationLimit overrides the per-room correlation bound.
func (s *Store) SetCorrelationLimit(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 {
		s.corrLimit = limit
	}
}

func normalizeOrg(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizeStream(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// AddOrganization creates an organization record in the disconnected
// state. Names are case-insensitive.
func (s *Store) AddOrganization(name string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalizeOrg(name)
	if key == "" {
		return nil, errors.New("organization name must not be empty")
	}
	if _, ok := s.orgs[key]; ok {
		return nil, ErrExists
	}
	org := &Organization{Name: name}
	s.orgs[key] = org
	s.dirty = true
	return org, nil
}

// GetOrganization looks up an organization by name.
func (s *Store) GetOrganization(name string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[normalizeOrg(name)]
	if !ok {
		return nil, ErrNotFound
	}
	return org, nil
}

// Organizations returns all organization records.
func (s *Store) Organizations() []*Organization {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		out = append(out, org)
	}
	return out
}

// UpdateOrganization applies fn to the organization under the store lock.
func (s *Store) UpdateOrganization(name string, fn func(*Organization) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[normalizeOrg(name)]
	if !ok {
		return ErrNotFound
	}
	if err := fn(org); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// DeleteOrganization removes the organization and everything it owns:
// puppets, subscriptions, portals, correlations. Portal room mappings
// stay behind marked defunct so messages in the orphaned rooms get a
// refusal notice instead of disappearing.
func (s *Store) DeleteOrganization(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalizeOrg(name)
	if _, ok := s.orgs[key]; !ok {
		return ErrNotFound
	}
	delete(s.orgs, key)
	for k, p := range s.puppets {
		if k.org == key {
			delete(s.puppetsByMXID, p.MXID)
			delete(s.puppets, k)
		}
	}
	for k := range s.puppetFlights {
		if k.org == key {
			delete(s.puppetFlights, k)
		}
	}
	for k := range s.subs {
		if k.org == key {
			delete(s.subs, k)
		}
	}
	for k, m := range s.portals {
		if k.org == key {
			m.Defunct = true
			delete(s.portalsByID, streamKey{key, m.StreamID})
			delete(s.portals, k)
			s.dropRoomCorrelationsLocked(m.RoomID)
		}
	}
	for k := range s.portalFlights {
		if k.org == key {
			delete(s.portalFlights, k)
		}
	}
	s.dirty = true
	return nil
}

// PutRoom registers a non-portal room mapping (control or organization
// room). Portal rooms go through GetOrCreatePortal.
func (s *Store) PutRoom(m *RoomMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[m.RoomID] = m
	s.dirty = true
}

// GetRoom resolves a Matrix room to its mapping.
func (s *Store) GetRoom(roomID id.RoomID) (*RoomMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// ControlRoom returns the control room mapping if one exists.
func (s *Store) ControlRoom() (*RoomMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.rooms {
		if m.Kind == RoomKindControl {
			return m, nil
		}
	}
	return nil, ErrNotFound
}

// GetOrCreatePortal returns the portal mapping for (org, stream, topic),
// calling create exactly once per key to make the room. Concurrent calls
// for the same key all receive the same mapping. A failed create clears
// the key so a later call can retry.
func (s *Store) GetOrCreatePortal(org, stream, topic string, create func() (*RoomMapping, error)) (*RoomMapping, error) {
	key := portalKey{normalizeOrg(org), normalizeStream(stream), topic}

	s.mu.Lock()
	if m, ok := s.portals[key]; ok {
		s.mu.Unlock()
		return m, nil
	}
	flight, ok := s.portalFlights[key]
	if !ok {
		flight = &portalFuture{}
		s.portalFlights[key] = flight
	}
	s.mu.Unlock()

	flight.once.Do(func() {
		flight.mapping, flight.err = create()
		s.mu.Lock()
		defer s.mu.Unlock()
		if flight.err != nil {
			// allow a retry with a fresh flight
			delete(s.portalFlights, key)
			return
		}
		m := flight.mapping
		m.Kind = RoomKindPortal
		s.portals[key] = m
		s.portalsByID[streamKey{key.org, m.StreamID}] = m
		s.rooms[m.RoomID] = m
		// later lookups hit s.portals, the flight is spent
		delete(s.portalFlights, key)
		s.dirty = true
	})
	return flight.mapping, flight.err
}

// GetPortal returns an existing portal mapping or ErrNotFound.
func (s *Store) GetPortal(org, stream, topic string) (*RoomMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.portals[portalKey{normalizeOrg(org), normalizeStream(stream), topic}]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// GetPortalByStreamID resolves inbound Zulip events, which carry a
// stream ID rather than a name.
func (s *Store) GetPortalByStreamID(org string, streamID int64) (*RoomMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.portalsByID[streamKey{normalizeOrg(org), streamID}]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// ResolvePuppet returns the puppet for (org, zulipUserID), calling
// create exactly once per key on first need.
func (s *Store) ResolvePuppet(org string, zulipUserID int64, create func() (*Puppet, error)) (*Puppet, error) {
	key := puppetKey{normalizeOrg(org), zulipUserID}

	s.mu.Lock()
	if p, ok := s.puppets[key]; ok {
		s.mu.Unlock()
		return p, nil
	}
	flight, ok := s.puppetFlights[key]
	if !ok {
		flight = &puppetFuture{}
		s.puppetFlights[key] = flight
	}
	s.mu.Unlock()

	flight.once.Do(func() {
		flight.puppet, flight.err = create()
		s.mu.Lock()
		defer s.mu.Unlock()
		if flight.err != nil {
			delete(s.puppetFlights, key)
			return
		}
		s.puppets[key] = flight.puppet
		s.puppetsByMXID[flight.puppet.MXID] = flight.puppet
		delete(s.puppetFlights, key)
		s.dirty = true
	})
	return flight.puppet, flight.err
}

// GetPuppet looks up a puppet without creating it.
func (s *Store) GetPuppet(org string, zulipUserID int64) (*Puppet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.puppets[puppetKey{normalizeOrg(org), zulipUserID}]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// GetPuppetByMXID resolves a Matrix user back to its puppet record.
func (s *Store) GetPuppetByMXID(mxid id.UserID) (*Puppet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.puppetsByMXID[mxid]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// UpdatePuppet applies fn to the puppet under the store lock.
func (s *Store) UpdatePuppet(org string, zulipUserID int64, fn func(*Puppet)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.puppets[puppetKey{normalizeOrg(org), zulipUserID}]
	if !ok {
		return ErrNotFound
	}
	fn(p)
	s.dirty = true
	return nil
}

// AddSubscription records a mirroring directive. Adding the same key
// again returns the existing subscription, not an error.
func (s *Store) AddSubscription(sub *Subscription) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := portalKey{normalizeOrg(sub.Org), normalizeStream(sub.Stream), sub.Topic}
	if existing, ok := s.subs[key]; ok {
		return existing
	}
	s.subs[key] = sub
	s.dirty = true
	return sub
}

// RemoveSubscriptions drops every subscription of the stream, scoped or
// not, and returns how many were removed.
func (s *Store) RemoveSubscriptions(org, stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	orgKey := normalizeOrg(org)
	stream = normalizeStream(stream)
	for k := range s.subs {
		if k.org == orgKey && k.stream == stream {
			delete(s.subs, k)
			removed++
		}
	}
	if removed > 0 {
		s.dirty = true
	}
	return removed
}

// Subscribed reports whether inbound events for (org, streamID, topic)
// should be accepted, and returns the matching subscription.
func (s *Store) Subscribed(org string, streamID int64, topic string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orgKey := normalizeOrg(org)
	var fallback *Subscription
	for k, sub := range s.subs {
		if k.org != orgKey || sub.StreamID != streamID {
			continue
		}
		if sub.Topic == topic {
			return sub, true
		}
		if sub.Topic == "" {
			fallback = sub
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// Subscriptions returns all subscriptions of one organization.
func (s *Store) Subscriptions(org string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orgKey := normalizeOrg(org)
	var out []*Subscription
	for k, sub := range s.subs {
		if k.org == orgKey {
			out = append(out, sub)
		}
	}
	return out
}

// RecordCorrelation stores a message link on both indices and applies
// the per-room LRU bound.
func (s *Store) RecordCorrelation(c *Correlation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Org = normalizeOrg(c.Org)
	s.corrByLocal[c.EventID] = c
	s.corrByRemote[remoteMsgKey{c.Org, c.MessageID}] = c
	list := append(s.corrByRoom[c.Room], c)
	for len(list) > s.corrLimit {
		old := list[0]
		list = list[1:]
		delete(s.corrByLocal, old.EventID)
		delete(s.corrByRemote, remoteMsgKey{old.Org, old.MessageID})
	}
	s.corrByRoom[c.Room] = list
	s.dirty = true
}

// LookupByLocal resolves a Matrix event to its correlation.
func (s *Store) LookupByLocal(eventID id.EventID) (*Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.corrByLocal[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// LookupByRemote resolves a Zulip message to its correlation.
func (s *Store) LookupByRemote(org string, messageID int64) (*Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.corrByRemote[remoteMsgKey{normalizeOrg(org), messageID}]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// DropCorrelation removes a message link, typically after a deletion.
func (s *Store) DropCorrelation(c *Correlation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.corrByLocal, c.EventID)
	delete(s.corrByRemote, remoteMsgKey{c.Org, c.MessageID})
	list := s.corrByRoom[c.Room]
	for i, e := range list {
		if e == c {
			s.corrByRoom[c.Room] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.dirty = true
}

func (s *Store) dropRoomCorrelationsLocked(room id.RoomID) {
	for _, c := range s.corrByRoom[room] {
		delete(s.corrByLocal, c.EventID)
		delete(s.corrByRemote, remoteMsgKey{c.Org, c.MessageID})
	}
	delete(s.corrByRoom, room)
}

// RecordReaction stores a reaction link on both indices.
func (s *Store) RecordReaction(r *ReactionCorrelation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Org = normalizeOrg(r.Org)
	s.reactByLocal[r.EventID] = r
	s.reactByRemote[remoteReactKey{r.Org, r.MessageID, r.EmojiName, r.ZulipUserID}] = r
	s.dirty = true
}

// LookupReactionByLocal resolves a Matrix reaction event.
func (s *Store) LookupReactionByLocal(eventID id.EventID) (*ReactionCorrelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reactByLocal[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// LookupReactionByRemote resolves a Zulip reaction to the Matrix event
// that mirrors it.
func (s *Store) LookupReactionByRemote(org string, messageID int64, emoji string, zulipUserID int64) (*ReactionCorrelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reactByRemote[remoteReactKey{normalizeOrg(org), messageID, emoji, zulipUserID}]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// DropReaction removes a reaction link.
func (s *Store) DropReaction(r *ReactionCorrelation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reactByLocal, r.EventID)
	delete(s.reactByRemote, remoteReactKey{r.Org, r.MessageID, r.EmojiName, r.ZulipUserID})
	s.dirty = true
}

// PutThread records the thread root event for a topic within a portal
// room. The first write wins; later writes for the same topic are
// ignored so concurrent first-messages agree on one root.
func (s *Store) PutThread(room id.RoomID, topic string, root id.EventID) id.EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := threadKey{room, topic}
	if existing, ok := s.threads[key]; ok {
		return existing
	}
	s.threads[key] = root
	s.threadTopic[root] = topic
	s.dirty = true
	return root
}

// ThreadRoot returns the thread root for a topic, if one exists yet.
func (s *Store) ThreadRoot(room id.RoomID, topic string) (id.EventID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.threads[threadKey{room, topic}]
	return root, ok
}

// TopicForThread maps a thread root back to its Zulip topic.
func (s *Store) TopicForThread(root id.EventID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topic, ok := s.threadTopic[root]
	return topic, ok
}
