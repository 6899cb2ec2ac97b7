package thread

import (
	"strings"
)

// DefaultGroupThreshold is the participant count a conversation must exceed
// to be classified as a group.
const DefaultGroupThreshold = 2

// Record is the structured view of one conversation in the list.
type Record struct {
	ID             string   `json:"id"`
	URL            string   `json:"url,omitempty"`
	Participants   []string `json:"participants"`
	IsGroup        bool     `json:"isGroup"`
	Unread         bool     `json:"unread"`
	LastActivityTs *int64   `json:"lastActivityTs"`
	LastSnippet    *string  `json:"lastSnippet"`
	SizeEstimate   *int     `json:"sizeEstimate"`
	HasAttachments bool     `json:"hasAttachments"`
	Source         string   `json:"source,omitempty"`
}

// SetParticipants replaces the participant list and recomputes IsGroup.
// IsGroup must only ever be written here.
func (r *Record) SetParticipants(names []string, threshold int) {
	r.Participants = names
	r.IsGroup = IsGroup(names, threshold)
}

// IsGroup reports whether names holds more than threshold distinct
// case-insensitive entries. A non-positive threshold uses the default.
func IsGroup(names []string, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultGroupThreshold
	}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if key == "" {
			continue
		}
		seen[key] = struct{}{}
	}
	return len(seen) > threshold
}

// Merge folds next into prev. Fields present on next win; absent or empty
// fields on next never erase what prev accumulated. Records with an empty or
// different id are not merged and prev is returned unchanged.
func Merge(prev, next Record, threshold int) Record {
	if next.ID == "" || next.ID != prev.ID {
		return prev
	}
	out := prev
	if next.URL != "" {
		out.URL = next.URL
	}
	if len(next.Participants) > 0 {
		out.Participants = append([]string(nil), next.Participants...)
	}
	out.Unread = next.Unread
	out.HasAttachments = next.HasAttachments
	if next.LastActivityTs != nil {
		ts := *next.LastActivityTs
		out.LastActivityTs = &ts
	}
	if next.LastSnippet != nil {
		s := *next.LastSnippet
		out.LastSnippet = &s
	}
	if next.SizeEstimate != nil {
		n := *next.SizeEstimate
		out.SizeEstimate = &n
	}
	if next.Source != "" {
		out.Source = next.Source
	}
	out.SetParticipants(out.Participants, threshold)
	return out
}

// Message is one entry inside a conversation.
type Message struct {
	ID            string `json:"id"`
	Author        string `json:"author"`
	Text          string `json:"text,omitempty"`
	HasAttachment bool   `json:"hasAttachment"`
	Timestamp     int64  `json:"timestamp"`
}

// AuthorMe is the author value assigned to messages sent by the signed-in user.
const AuthorMe = "me"
