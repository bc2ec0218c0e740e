// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"
)

// puppetSeparator splits the organization part from the Zulip user ID in
// puppet localparts. Organization names are lowercased and stripped to a
// localpart-safe alphabet first, so the separator stays unambiguous.
const puppetSeparator = "__"

// MakePuppetUserID builds the ghost MXID for a Zulip user:
// @<prefix><org>__<zulip-user-id>:<server>.
func MakePuppetUserID(prefix, org string, zulipUserID int64, serverName string) id.UserID {
	return id.UserID(fmt.Sprintf("@%s%s%s%d:%s",
		prefix, sanitizeLocalpart(org), puppetSeparator, zulipUserID, serverName))
}

// ParsePuppetUserID extracts the organization and Zulip user ID from a
// puppet MXID. ok is false for anything that is not one of our ghosts.
func ParsePuppetUserID(userID id.UserID, prefix, serverName string) (org string, zulipUserID int64, ok bool) {
	s := string(userID)
	fullPrefix := "@" + prefix
	suffix := ":" + serverName
	if !strings.HasPrefix(s, fullPrefix) || !strings.HasSuffix(s, suffix) {
		return "", 0, false
	}
	localpart := s[len(fullPrefix) : len(s)-len(suffix)]
	idx := strings.LastIndex(localpart, puppetSeparator)
	if idx <= 0 {
		return "", 0, false
	}
	uid, err := strconv.ParseInt(localpart[idx+len(puppetSeparator):], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return localpart[:idx], uid, true
}

// IsPuppetUserID reports whether an MXID belongs to this bridge's ghost
// namespace without resolving the puppet record.
func IsPuppetUserID(userID id.UserID, prefix, serverName string) bool {
	_, _, ok := ParsePuppetUserID(userID, prefix, serverName)
	return ok
}

// sanitizeLocalpart lowercases and strips anything outside the safe
// Matrix localpart alphabet.
func sanitizeLocalpart(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '=':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	return b.String()
}
