package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// RawFields are the surface-neutral facts read from one conversation row.
type RawFields struct {
	Href          string   `json:"href,omitempty"`
	AriaLabel     string   `json:"aria_label,omitempty"`
	Heading       string   `json:"heading,omitempty"`
	Lines         []string `json:"lines,omitempty"`
	TimeAttr      string   `json:"time_attr,omitempty"`
	Unread        bool     `json:"unread,omitempty"`
	HasAttachment bool     `json:"has_attachment,omitempty"`
	MessageCount  *int     `json:"message_count,omitempty"`
	Source        string   `json:"source,omitempty"`
}

var (
	unreadPattern     = regexp.MustCompile(`(?i)\bunread\b`)
	attachmentPattern = regexp.MustCompile(`(?i)\b(sent|shared) (an? )?(photo|photos|attachment|video|file|gif|sticker|voice message|audio)\b|\battachment\b`)
)

// ParseItemHTML reads a conversation row's outer HTML.
func ParseItemHTML(html string) (RawFields, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return RawFields{}, fmt.Errorf("parse item html: %w", err)
	}
	root := doc.Find("body").Children().First()
	if root.Length() == 0 {
		return RawFields{}, fmt.Errorf("parse item html: empty fragment")
	}

	var raw RawFields
	raw.Href = firstAttr(root, "a[href]", "href")
	raw.AriaLabel = attrOrDescendant(root, "aria-label", "a[aria-label], [role='link'][aria-label]")
	raw.Heading = strings.TrimSpace(root.Find("h1, h2, h3, h4, [role='heading']").First().Text())
	raw.Lines = textLines(root)
	raw.TimeAttr = timeAttribute(root)

	if v, ok := root.Attr("data-unread"); ok && v == "true" {
		raw.Unread = true
	}
	if root.Find("[data-unread='true'], [aria-label*='Unread'], [aria-label*='unread']").Length() > 0 {
		raw.Unread = true
	}
	if unreadPattern.MatchString(raw.AriaLabel) {
		raw.Unread = true
	}

	if root.Find("[aria-label*='ttachment'], [data-attachment]").Length() > 0 {
		raw.HasAttachment = true
	}
	for _, l := range raw.Lines {
		if attachmentPattern.MatchString(l) {
			raw.HasAttachment = true
			break
		}
	}

	if v := firstAttr(root, "[data-message-count]", "data-message-count"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			raw.MessageCount = &n
		}
	}
	return raw, nil
}

func firstAttr(root *goquery.Selection, selector, attr string) string {
	if v, ok := root.Attr(attr); ok && root.Is(selector) {
		return strings.TrimSpace(v)
	}
	v, _ := root.Find(selector).First().Attr(attr)
	return strings.TrimSpace(v)
}

func attrOrDescendant(root *goquery.Selection, attr, selector string) string {
	if v, ok := root.Attr(attr); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	v, _ := root.Find(selector).First().Attr(attr)
	return strings.TrimSpace(v)
}

// timeAttribute prefers explicit machine-readable stamps over display text.
func timeAttribute(root *goquery.Selection) string {
	candidates := []struct{ selector, attr string }{
		{"time[datetime]", "datetime"},
		{"abbr[data-utime]", "data-utime"},
		{"[data-timestamp]", "data-timestamp"},
		{"[data-utime]", "data-utime"},
	}
	for _, c := range candidates {
		if v, ok := root.Attr(c.attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		if v, ok := root.Find(c.selector).First().Attr(c.attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// textLines returns the visible text of leaf elements in document order,
// without consecutive duplicates.
func textLines(root *goquery.Selection) []string {
	var lines []string
	add := func(s string) {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" {
			return
		}
		if n := len(lines); n > 0 && lines[n-1] == s {
			return
		}
		lines = append(lines, s)
	}
	root.Find("*").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "script" || goquery.NodeName(s) == "style" {
			return
		}
		if s.Children().Length() > 0 {
			return
		}
		add(s.Text())
	})
	if len(lines) == 0 {
		add(root.Text())
	}
	return lines
}
