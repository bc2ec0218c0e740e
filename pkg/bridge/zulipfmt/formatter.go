// Copyright 2024-2026 Aiku AI

// Package zulipfmt converts Zulip markdown to Matrix HTML.
package zulipfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MentionResolver maps a Zulip mention (@**Name** or @**Name|id**) to a
// Matrix user. ok=false degrades the mention to the plain display name.
type MentionResolver func(name string, userID int64) (mxid id.UserID, display string, ok bool)

// ParsedMessage holds the result of converting Zulip markdown to Matrix
// format. A plain-text message has only Body set.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// Content renders the parsed message as Matrix event content.
func (p *ParsedMessage) Content() *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          p.Body,
		Format:        p.Format,
		FormattedBody: p.FormattedBody,
	}
}

var (
	mentionRe    = regexp.MustCompile(`@_?\*\*([^*|\n]+?)(?:\|(\d+))?\*\*`)
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^*\w])\*([^*\n]+)\*($|[^*\w])`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`(?m)^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`(?m)^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`(?m)^>\s+(.+)$`)
)

type codeBlock struct {
	lang    string
	content string
}

// Parse converts a Zulip markdown message to Matrix event content.
// resolver may be nil, in which case mentions degrade to display names.
func Parse(text string, resolver MentionResolver) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}

	hasMentions := mentionRe.MatchString(text)
	hasFormatting := hasMentions ||
		boldRe.MatchString(text) ||
		italicRe.MatchString(text) ||
		strikeRe.MatchString(text) ||
		codeRe.MatchString(text) ||
		codeBlockRe.MatchString(text) ||
		linkRe.MatchString(text) ||
		headingRe.MatchString(text) ||
		blockquoteRe.MatchString(text) ||
		ulRe.MatchString(text) ||
		olRe.MatchString(text)

	if !hasFormatting {
		return &ParsedMessage{Body: text}
	}

	// Body keeps the mention as a readable name, formatted body gets a
	// matrix.to pill when the resolver knows the user.
	body := text
	if hasMentions {
		body = mentionRe.ReplaceAllStringFunc(body, func(match string) string {
			name, _ := splitMention(match)
			return "@" + name
		})
	}

	// Step 1: Extract code blocks into placeholders.
	var codeBlocks []codeBlock
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		lang := ""
		content := ""
		if len(parts) >= 3 {
			lang = parts[1]
			content = parts[2]
		} else if len(parts) >= 2 {
			content = parts[1]
		}
		idx := len(codeBlocks)
		codeBlocks = append(codeBlocks, codeBlock{lang: lang, content: content})
		return "\x00CODEBLOCK" + strconv.Itoa(idx) + "\x00"
	})

	// Step 2: Extract mentions into placeholders so HTML escaping and
	// inline formatting cannot mangle them.
	var mentions []string
	processed = mentionRe.ReplaceAllStringFunc(processed, func(match string) string {
		name, userID := splitMention(match)
		rendered := "@" + html.EscapeString(name)
		if resolver != nil {
			if mxid, display, ok := resolver(name, userID); ok {
				rendered = `<a href="https://matrix.to/#/` + string(mxid) + `">` + html.EscapeString(display) + `</a>`
			}
		}
		idx := len(mentions)
		mentions = append(mentions, rendered)
		return "\x00MENTION" + strconv.Itoa(idx) + "\x00"
	})

	// Step 3: Process line-by-line for structural elements on raw text.
	lines := strings.Split(processed, "\n")
	var result []string
	var listType string // "ul", "ol", or ""
	var listItems []string

	flushList := func() {
		if len(listItems) == 0 {
			return
		}
		tag := listType
		result = append(result, "<"+tag+">"+strings.Join(listItems, "")+"</"+tag+">")
		listItems = nil
		listType = ""
	}

	for _, line := range lines {
		if m := blockquoteRe.FindStringSubmatch(line); len(m) >= 2 {
			flushList()
			result = append(result, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
			continue
		}

		if m := headingRe.FindStringSubmatch(line); len(m) >= 3 {
			flushList()
			level := min(len(m[1]), 6)
			lvl := strconv.Itoa(level)
			result = append(result, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
			continue
		}

		if m := ulRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ul" {
				flushList()
				listType = "ul"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}

		if m := olRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ol" {
				flushList()
				listType = "ol"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}

		flushList()
		result = append(result, html.EscapeString(line))
	}
	flushList()

	formatted := strings.Join(result, "\n")

	// Step 4: Inline formatting.
	formatted = codeRe.ReplaceAllString(formatted, "<code>$1</code>")
	formatted = boldRe.ReplaceAllString(formatted, "<strong>$1</strong>")
	formatted = italicRe.ReplaceAllString(formatted, "$1<em>$2</em>$3")
	formatted = strikeRe.ReplaceAllString(formatted, "<del>$1</del>")

	// Links, only safe URL schemes.
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 3 {
			return match
		}
		text, href := parts[1], parts[2]
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + text + `</a>`
		}
		return text
	})

	// Step 5: Paragraphs and line breaks. This runs before code blocks
	// are restored so newlines inside <pre> stay literal.
	formatted = strings.ReplaceAll(formatted, "\n\n", "</p><p>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	if strings.Contains(formatted, "</p><p>") {
		formatted = "<p>" + formatted + "</p>"
	}

	// Step 6: Restore mentions and code blocks.
	for i, m := range mentions {
		formatted = strings.Replace(formatted, "\x00MENTION"+strconv.Itoa(i)+"\x00", m, 1)
	}
	for i, cb := range codeBlocks {
		placeholder := "\x00CODEBLOCK" + strconv.Itoa(i) + "\x00"
		escapedContent := html.EscapeString(cb.content)
		var replacement string
		if cb.lang != "" {
			replacement = `<pre><code class="language-` + html.EscapeString(cb.lang) + `">` + escapedContent + `</code></pre>`
		} else {
			replacement = `<pre><code>` + escapedContent + `</code></pre>`
		}
		formatted = strings.Replace(formatted, placeholder, replacement, 1)
	}

	return &ParsedMessage{
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

// splitMention pulls the display name and optional user ID out of a
// matched @**Name|id** token.
func splitMention(match string) (name string, userID int64) {
	parts := mentionRe.FindStringSubmatch(match)
	if len(parts) < 2 {
		return match, 0
	}
	name = parts[1]
	if len(parts) >= 3 && parts[2] != "" {
		userID, _ = strconv.ParseInt(parts[2], 10, 64)
	}
	return name, userID
}
