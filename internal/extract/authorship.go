package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"threadsweep/internal/thread"
)

// RawMessage is what the surface reports about one message row.
type RawMessage struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	TimeAttr      string `json:"time_attr,omitempty"`
	HasAttachment bool   `json:"has_attachment,omitempty"`
	Mine          bool   `json:"mine"`
}

var (
	ariaMinePattern   = regexp.MustCompile(`(?i)\byou[:\-]`)
	classMinePattern  = regexp.MustCompile(`(?i)outgoing|own|self|\bme\b|yours`)
	testIDMinePattern = regexp.MustCompile(`(?i)outgoing|own_message|self_message`)
	styleEndPattern   = regexp.MustCompile(`(?i)align-self\s*:\s*(flex-end|end)`)
	textMinePattern   = regexp.MustCompile(`(?i)^you\s*:`)
)

// IsLikelyMine applies the authorship heuristics to a message element and up
// to two of its ancestors.
func IsLikelyMine(sel *goquery.Selection) bool {
	if sel == nil || sel.Length() == 0 {
		return false
	}
	if textMinePattern.MatchString(strings.TrimSpace(sel.Text())) {
		return true
	}
	node := sel
	for depth := 0; depth < 3 && node.Length() > 0; depth++ {
		if nodeLooksMine(node) {
			return true
		}
		node = node.Parent()
	}
	return false
}

func nodeLooksMine(s *goquery.Selection) bool {
	if v, ok := s.Attr("aria-label"); ok && ariaMinePattern.MatchString(v) {
		return true
	}
	if v, ok := s.Attr("class"); ok && classMinePattern.MatchString(v) {
		return true
	}
	if v, ok := s.Attr("data-testid"); ok && testIDMinePattern.MatchString(v) {
		return true
	}
	if v, ok := s.Attr("style"); ok && styleEndPattern.MatchString(v) {
		return true
	}
	if v, ok := s.Attr("data-author"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "me", "self", "you":
			return true
		}
	}
	return false
}

// ParseMessageHTML reads one message row. Elements carrying a
// data-threadsweep-end attribute were measured as end-aligned by the page.
func ParseMessageHTML(id, html string) (RawMessage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return RawMessage{}, fmt.Errorf("parse message html: %w", err)
	}
	root := doc.Find("body").Children().First()
	if root.Length() == 0 {
		return RawMessage{}, fmt.Errorf("parse message html: empty fragment")
	}

	msg := RawMessage{
		ID:       id,
		Text:     strings.Join(strings.Fields(root.Text()), " "),
		TimeAttr: timeAttribute(root),
		Mine:     IsLikelyMine(root),
	}
	if _, ok := root.Attr("data-threadsweep-end"); ok {
		msg.Mine = true
	}
	if root.Find("img, video, audio, [data-attachment], [aria-label*='ttachment']").Length() > 0 {
		msg.HasAttachment = true
	}
	if msg.ID == "" {
		msg.ID = firstAttr(root, "[data-message-id]", "data-message-id")
	}
	return msg, nil
}

// ExtractMessage converts a raw row into a message. Rows without a readable
// timestamp are reported with ok=false.
func ExtractMessage(raw RawMessage) (thread.Message, bool) {
	ts, ok := ParseTimeAttr(raw.TimeAttr)
	if !ok {
		return thread.Message{}, false
	}
	author := "them"
	if raw.Mine {
		author = thread.AuthorMe
	}
	return thread.Message{
		ID:            raw.ID,
		Author:        author,
		Text:          strings.TrimSpace(textMinePattern.ReplaceAllString(raw.Text, "")),
		HasAttachment: raw.HasAttachment,
		Timestamp:     ts.UnixMilli(),
	}, true
}
