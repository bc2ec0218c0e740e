// Copyright 2024-2026 Aiku AI

// Package matrixfmt converts Matrix HTML to Zulip markdown.
package matrixfmt

import (
	stdhtml "html"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MentionResolver maps a matrix.to user link back to a Zulip identity.
// ok=false keeps the link text as plain text.
type MentionResolver func(mxid id.UserID) (name string, userID int64, ok bool)

var (
	strongRe     = regexp.MustCompile(`<strong>(.*?)</strong>`)
	emRe         = regexp.MustCompile(`<em>(.*?)</em>`)
	delRe        = regexp.MustCompile(`<del>(.*?)</del>`)
	codeRe       = regexp.MustCompile(`<code>(.*?)</code>`)
	preRe        = regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>`)
	linkRe       = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	headingRe    = regexp.MustCompile(`<h([1-6])>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	mxReplyRe    = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)

	matrixToRe = regexp.MustCompile(`^https?://matrix\.to/#/(@[^/?]+)`)
)

// Parse converts Matrix message content to Zulip markdown. resolver may
// be nil, in which case user links keep their display name as text.
func Parse(content *event.MessageEventContent, resolver MentionResolver) string {
	if content == nil {
		return ""
	}

	// If no HTML format, return plain text body.
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}

	text := content.FormattedBody

	// Drop the rich-reply fallback quote; the reply context is carried
	// separately by the caller.
	text = mxReplyRe.ReplaceAllString(text, "")

	// Code blocks first (preserve content inside).
	text = preRe.ReplaceAllString(text, "```\n$1\n```")
	text = codeRe.ReplaceAllString(text, "`$1`")

	// Inline formatting.
	text = strongRe.ReplaceAllString(text, "**$1**")
	text = emRe.ReplaceAllString(text, "*${1}*")
	text = delRe.ReplaceAllString(text, "~~$1~~")

	// Links. matrix.to user links become Zulip mentions when the target
	// is a known puppet or user, anything else becomes plain markdown.
	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 3 {
			return match
		}
		href, label := parts[1], parts[2]
		if m := matrixToRe.FindStringSubmatch(href); len(m) >= 2 {
			target, err := url.PathUnescape(m[1])
			if err != nil {
				target = m[1]
			}
			if resolver != nil {
				if name, userID, ok := resolver(id.UserID(target)); ok {
					return "@**" + name + "|" + strconv.FormatInt(userID, 10) + "**"
				}
			}
			return label
		}
		return "[" + label + "](" + href + ")"
	})

	// Headings.
	text = headingRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := headingRe.FindStringSubmatch(match)
		level := parts[1][0] - '0'
		prefix := strings.Repeat("#", int(level))
		return prefix + " " + parts[2]
	})

	// Blockquotes.
	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		lines := strings.Split(strings.TrimSpace(parts[1]), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n")
	})

	// Lists.
	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		items := liRe.FindAllStringSubmatch(match, -1)
		var result []string
		for _, item := range items {
			result = append(result, "- "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n")
	})

	text = olRe.ReplaceAllStringFunc(text, func(match string) string {
		items := liRe.FindAllStringSubmatch(match, -1)
		var result []string
		for i, item := range items {
			result = append(result, strconv.Itoa(i+1)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n")
	})

	// Paragraphs.
	text = pRe.ReplaceAllString(text, "$1\n\n")

	// Line breaks.
	text = brRe.ReplaceAllString(text, "\n")

	// Strip remaining HTML tags.
	text = tagRe.ReplaceAllString(text, "")

	// Undo HTML entity escaping now that tags are gone.
	text = stdhtml.UnescapeString(text)

	// Clean up extra whitespace.
	text = strings.TrimSpace(text)

	return text
}
