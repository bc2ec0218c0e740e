// Copyright 2024-2026 Aiku AI

package bridge

import (
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestMakePuppetUserID(t *testing.T) {
	tests := []struct {
		org    string
		userID int64
		want   id.UserID
	}{
		{"acme", 42, "@zulip_acme__42:example.com"},
		{"Acme Corp", 7, "@zulip_acme-corp__7:example.com"},
		{"weird!org", 1, "@zulip_weirdorg__1:example.com"},
	}
	for _, tt := range tests {
		got := MakePuppetUserID("zulip_", tt.org, tt.userID, "example.com")
		if got != tt.want {
			t.Errorf("MakePuppetUserID(%q, %d) = %s, want %s", tt.org, tt.userID, got, tt.want)
		}
	}
}

func TestParsePuppetUserID(t *testing.T) {
	mxid := MakePuppetUserID("zulip_", "acme", 42, "example.com")
	org, userID, ok := ParsePuppetUserID(mxid, "zulip_", "example.com")
	if !ok || org != "acme" || userID != 42 {
		t.Errorf("ParsePuppetUserID(%s) = %q, %d, %v", mxid, org, userID, ok)
	}

	bad := []id.UserID{
		"@someone:example.com",
		"@zulip_acme__42:other.com",
		"@zulip_acme__notanumber:example.com",
		"@zulip_noseparator:example.com",
	}
	for _, mxid := range bad {
		if _, _, ok := ParsePuppetUserID(mxid, "zulip_", "example.com"); ok {
			t.Errorf("ParsePuppetUserID(%s) should fail", mxid)
		}
	}
}

func TestIsPuppetUserID(t *testing.T) {
	if !IsPuppetUserID("@zulip_acme__42:example.com", "zulip_", "example.com") {
		t.Error("puppet MXID not recognized")
	}
	if IsPuppetUserID("@owner:example.com", "zulip_", "example.com") {
		t.Error("plain user misdetected as puppet")
	}
}
