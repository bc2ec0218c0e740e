// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"
)

func TestGetOrCreatePortalConcurrent(t *testing.T) {
	s := NewStore()
	var creates atomic.Int32

	const goroutines = 32
	results := make([]*RoomMapping, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := s.GetOrCreatePortal("acme", "general", "", func() (*RoomMapping, error) {
				creates.Add(1)
				return &RoomMapping{RoomID: "!general:example.com", Org: "acme", Stream: "general", StreamID: 7}, nil
			})
			if err != nil {
				t.Errorf("GetOrCreatePortal: %v", err)
				return
			}
			results[i] = m
		}(i)
	}
	wg.Wait()

	if got := creates.Load(); got != 1 {
		t.Errorf("create ran %d times, want 1", got)
	}
	for i, m := range results {
		if m != results[0] {
			t.Errorf("goroutine %d got a different mapping", i)
		}
	}
	if m, err := s.GetPortalByStreamID("acme", 7); err != nil || m.RoomID != "!general:example.com" {
		t.Errorf("GetPortalByStreamID: %v, %v", m, err)
	}
}

func TestGetOrCreatePortalRetryAfterFailure(t *testing.T) {
	s := NewStore()
	_, err := s.GetOrCreatePortal("acme", "general", "", func() (*RoomMapping, error) {
		return nil, fmt.Errorf("homeserver down")
	})
	if err == nil {
		t.Fatal("expected create error")
	}
	m, err := s.GetOrCreatePortal("acme", "general", "", func() (*RoomMapping, error) {
		return &RoomMapping{RoomID: "!retry:example.com", Org: "acme", Stream: "general"}, nil
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if m.RoomID != "!retry:example.com" {
		t.Errorf("got room %s", m.RoomID)
	}
}

func TestResolvePuppetConcurrent(t *testing.T) {
	s := NewStore()
	var creates atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ResolvePuppet("acme", 42, func() (*Puppet, error) {
				creates.Add(1)
				return &Puppet{Org: "acme", ZulipUserID: 42, MXID: "@zulip_acme__42:example.com"}, nil
			})
			if err != nil {
				t.Errorf("ResolvePuppet: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := creates.Load(); got != 1 {
		t.Errorf("create ran %d times, want 1", got)
	}
	if p, err := s.GetPuppetByMXID("@zulip_acme__42:example.com"); err != nil || p.ZulipUserID != 42 {
		t.Errorf("GetPuppetByMXID: %v, %v", p, err)
	}
}

func TestOrganizationNamesCaseInsensitive(t *testing.T) {
	s := NewStore()
	if _, err := s.AddOrganization("Acme"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddOrganization("acme"); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate org: got %v, want ErrExists", err)
	}
	if _, err := s.GetOrganization("ACME"); err != nil {
		t.Errorf("case-insensitive lookup failed: %v", err)
	}
}

func TestSubscribedTopicScoping(t *testing.T) {
	s := NewStore()
	s.AddSubscription(&Subscription{Org: "acme", Stream: "dev", StreamID: 3, Topic: "releases"})

	if _, ok := s.Subscribed("acme", 3, "releases"); !ok {
		t.Error("scoped topic should match")
	}
	if _, ok := s.Subscribed("acme", 3, "other"); ok {
		t.Error("other topics should not match a scoped subscription")
	}

	// A whole-stream subscription catches everything.
	s.AddSubscription(&Subscription{Org: "acme", Stream: "dev", StreamID: 3})
	sub, ok := s.Subscribed("acme", 3, "other")
	if !ok || sub.Topic != "" {
		t.Errorf("fallback subscription: got %+v, %v", sub, ok)
	}
	// The exact topic still wins over the fallback.
	sub, ok = s.Subscribed("acme", 3, "releases")
	if !ok || sub.Topic != "releases" {
		t.Errorf("exact topic should win: got %+v", sub)
	}
}

func TestRemoveSubscriptions(t *testing.T) {
	s := NewStore()
	s.AddSubscription(&Subscription{Org: "acme", Stream: "dev", StreamID: 3})
	s.AddSubscription(&Subscription{Org: "acme", Stream: "dev", StreamID: 3, Topic: "releases"})
	s.AddSubscription(&Subscription{Org: "acme", Stream: "general", StreamID: 7})

	if n := s.RemoveSubscriptions("acme", "dev"); n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	if _, ok := s.Subscribed("acme", 3, "anything"); ok {
		t.Error("dev subscriptions should be gone")
	}
	if _, ok := s.Subscribed("acme", 7, "x"); !ok {
		t.Error("general subscription should survive")
	}
}

func TestCorrelationLookupBothWays(t *testing.T) {
	s := NewStore()
	c := &Correlation{Org: "acme", EventID: "$e1", MessageID: 100, Room: "!r:example.com", RemoteOrigin: true, At: time.Now()}
	s.RecordCorrelation(c)

	got, err := s.LookupByLocal("$e1")
	if err != nil || got.MessageID != 100 {
		t.Errorf("LookupByLocal: %+v, %v", got, err)
	}
	got, err = s.LookupByRemote("acme", 100)
	if err != nil || got.EventID != "$e1" {
		t.Errorf("LookupByRemote: %+v, %v", got, err)
	}

	s.DropCorrelation(c)
	if _, err := s.LookupByLocal("$e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after drop: %v", err)
	}
	if _, err := s.LookupByRemote("acme", 100); !errors.Is(err, ErrNotFound) {
		t.Errorf("after drop: %v", err)
	}
}

func TestCorrelationEviction(t *testing.T) {
	s := NewStore()
	s.SetCorrelationLimit(3)
	room := id.RoomID("!r:example.com")
	for i := 1; i <= 5; i++ {
		s.RecordCorrelation(&Correlation{
			Org:       "acme",
			EventID:   id.EventID(fmt.Sprintf("$e%d", i)),
			MessageID: int64(i),
			Room:      room,
		})
	}
	// The two oldest are evicted on both indices.
	for i := 1; i <= 2; i++ {
		if _, err := s.LookupByRemote("acme", int64(i)); !errors.Is(err, ErrNotFound) {
			t.Errorf("message %d should be evicted, got %v", i, err)
		}
	}
	for i := 3; i <= 5; i++ {
		if _, err := s.LookupByRemote("acme", int64(i)); err != nil {
			t.Errorf("message %d should survive, got %v", i, err)
		}
	}
}

func TestDeleteOrganizationCascades(t *testing.T) {
	s := NewStore()
	if _, err := s.AddOrganization("acme"); err != nil {
		t.Fatal(err)
	}
	_, _ = s.ResolvePuppet("acme", 1, func() (*Puppet, error) {
		return &Puppet{Org: "acme", ZulipUserID: 1, MXID: "@zulip_acme__1:example.com"}, nil
	})
	s.AddSubscription(&Subscription{Org: "acme", Stream: "dev", StreamID: 3})
	portal, _ := s.GetOrCreatePortal("acme", "dev", "", func() (*RoomMapping, error) {
		return &RoomMapping{RoomID: "!dev:example.com", Org: "acme", Stream: "dev", StreamID: 3}, nil
	})
	s.RecordCorrelation(&Correlation{Org: "acme", EventID: "$e1", MessageID: 10, Room: portal.RoomID})

	if err := s.DeleteOrganization("acme"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetOrganization("acme"); !errors.Is(err, ErrNotFound) {
		t.Error("organization should be gone")
	}
	if _, err := s.GetPuppet("acme", 1); !errors.Is(err, ErrNotFound) {
		t.Error("puppets should be gone")
	}
	if _, ok := s.Subscribed("acme", 3, "x"); ok {
		t.Error("subscriptions should be gone")
	}
	if _, err := s.GetPortal("acme", "dev", ""); !errors.Is(err, ErrNotFound) {
		t.Error("portal index should be gone")
	}
	if _, err := s.GetPortalByStreamID("acme", 3); !errors.Is(err, ErrNotFound) {
		t.Error("stream index should be gone")
	}
	// The room mapping itself stays behind as a tombstone.
	m, err := s.GetRoom(portal.RoomID)
	if err != nil || !m.Defunct {
		t.Errorf("room mapping = %+v, %v, want defunct tombstone", m, err)
	}
	if _, err := s.LookupByRemote("acme", 10); !errors.Is(err, ErrNotFound) {
		t.Error("correlations should be gone")
	}
}

func TestCreateFlightsAreCleared(t *testing.T) {
	s := NewStore()
	_, _ = s.GetOrCreatePortal("acme", "dev", "", func() (*RoomMapping, error) {
		return &RoomMapping{RoomID: "!dev:example.com", Org: "acme", Stream: "dev", StreamID: 3}, nil
	})
	_, _ = s.ResolvePuppet("acme", 1, func() (*Puppet, error) {
		return &Puppet{Org: "acme", ZulipUserID: 1, MXID: "@zulip_acme__1:example.com"}, nil
	})

	s.mu.Lock()
	portalFlights, puppetFlights := len(s.portalFlights), len(s.puppetFlights)
	s.mu.Unlock()
	if portalFlights != 0 {
		t.Errorf("portal flights = %d, want 0 after successful create", portalFlights)
	}
	if puppetFlights != 0 {
		t.Errorf("puppet flights = %d, want 0 after successful create", puppetFlights)
	}

	// The created entries are still resolvable.
	if _, err := s.GetPortal("acme", "dev", ""); err != nil {
		t.Errorf("GetPortal: %v", err)
	}
	if _, err := s.GetPuppet("acme", 1); err != nil {
		t.Errorf("GetPuppet: %v", err)
	}
}

func TestThreadRootFirstWriteWins(t *testing.T) {
	s := NewStore()
	room := id.RoomID("!r:example.com")
	if got := s.PutThread(room, "deploys", "$root1"); got != "$root1" {
		t.Errorf("first write: %s", got)
	}
	if got := s.PutThread(room, "deploys", "$root2"); got != "$root1" {
		t.Errorf("second write should keep first root, got %s", got)
	}
	if topic, ok := s.TopicForThread("$root1"); !ok || topic != "deploys" {
		t.Errorf("TopicForThread: %q, %v", topic, ok)
	}
}
