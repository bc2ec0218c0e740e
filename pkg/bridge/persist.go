// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// snapshot is the durable form of the store. Correlations and reactions
// are persisted so edits and redactions keep working across restarts;
// the per-room bound keeps the file small.
type snapshot struct {
	Organizations []*Organization        `yaml:"organizations,omitempty"`
	Rooms         []*RoomMapping         `yaml:"rooms,omitempty"`
	Puppets       []*Puppet              `yaml:"puppets,omitempty"`
	Subscriptions []*Subscription        `yaml:"subscriptions,omitempty"`
	Correlations  []*Correlation         `yaml:"correlations,omitempty"`
	Reactions     []*ReactionCorrelation `yaml:"reactions,omitempty"`
	Threads       []threadEntry          `yaml:"threads,omitempty"`
}

type threadEntry struct {
	Room  id.RoomID  `yaml:"room"`
	Topic string     `yaml:"topic"`
	Root  id.EventID `yaml:"root"`
}

func (s *Store) snapshotLocked() *snapshot {
	snap := &snapshot{}
	for _, org := range s.orgs {
		snap.Organizations = append(snap.Organizations, org)
	}
	for _, m := range s.rooms {
		snap.Rooms = append(snap.Rooms, m)
	}
	for _, p := range s.puppets {
		snap.Puppets = append(snap.Puppets, p)
	}
	for _, sub := range s.subs {
		snap.Subscriptions = append(snap.Subscriptions, sub)
	}
	for _, list := range s.corrByRoom {
		snap.Correlations = append(snap.Correlations, list...)
	}
	for _, r := range s.reactByLocal {
		snap.Reactions = append(snap.Reactions, r)
	}
	for key, root := range s.threads {
		snap.Threads = append(snap.Threads, threadEntry{Room: key.room, Topic: key.topic, Root: root})
	}
	return snap
}

// SaveTo writes the store as yaml via a temp file and atomic rename.
// It is a no-op while the store is clean.
func (s *Store) SaveTo(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	data, err := yaml.Marshal(s.snapshotLocked())
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	s.dirty = false
	return nil
}

// LoadStore reads a snapshot back into a fresh store, rebuilding every
// index. A missing file yields an empty store.
func LoadStore(path string) (*Store, error) {
	s := NewStore()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store: %w", err)
	}
	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse store: %w", err)
	}
	s.restore(&snap)
	return s, nil
}

func (s *Store) restore(snap *snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, org := range snap.Organizations {
		s.orgs[normalizeOrg(org.Name)] = org
	}
	for _, m := range snap.Rooms {
		s.rooms[m.RoomID] = m
		if m.Kind == RoomKindPortal && !m.Defunct {
			key := portalKey{normalizeOrg(m.Org), normalizeStream(m.Stream), m.Topic}
			s.portals[key] = m
			s.portalsByID[streamKey{key.org, m.StreamID}] = m
		}
	}
	for _, p := range snap.Puppets {
		s.puppets[puppetKey{normalizeOrg(p.Org), p.ZulipUserID}] = p
		s.puppetsByMXID[p.MXID] = p
	}
	for _, sub := range snap.Subscriptions {
		s.subs[portalKey{normalizeOrg(sub.Org), normalizeStream(sub.Stream), sub.Topic}] = sub
	}
	for _, c := range snap.Correlations {
		s.corrByLocal[c.EventID] = c
		s.corrByRemote[remoteMsgKey{c.Org, c.MessageID}] = c
		s.corrByRoom[c.Room] = append(s.corrByRoom[c.Room], c)
	}
	for _, r := range snap.Reactions {
		s.reactByLocal[r.EventID] = r
		s.reactByRemote[remoteReactKey{r.Org, r.MessageID, r.EmojiName, r.ZulipUserID}] = r
	}
	for _, t := range snap.Threads {
		s.threads[threadKey{t.Room, t.Topic}] = t.Root
		s.threadTopic[t.Root] = t.Topic
	}
	s.dirty = false
}
