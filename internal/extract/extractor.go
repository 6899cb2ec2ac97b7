// Package extract turns raw conversation rows and message rows into
// structured records. Every heuristic lives behind an ordered strategy chain
// so the collector and the action executor never depend on their quality.
package extract

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"threadsweep/internal/thread"
)

// ErrNoIdentity is returned when a row has no canonical conversation address.
var ErrNoIdentity = errors.New("no conversation identity")

// DefaultSelfToken is how the surface labels the signed-in user.
const DefaultSelfToken = "You"

// ParticipantStrategy returns the text a participant list should be read
// from, or "" when it has nothing to offer.
type ParticipantStrategy interface {
	Name() string
	Source(raw RawFields) string
}

// TimestampStrategy resolves the last-activity instant, reporting ok=false
// when it cannot.
type TimestampStrategy interface {
	Name() string
	Resolve(raw RawFields, now time.Time) (time.Time, bool)
}

// Extractor builds thread records from raw rows.
type Extractor struct {
	SelfToken      string
	GroupThreshold int
	Now            func() time.Time
	Participants   []ParticipantStrategy
	Timestamps     []TimestampStrategy
}

// New returns an extractor with the default strategy chains.
func New(selfToken string, groupThreshold int) *Extractor {
	if strings.TrimSpace(selfToken) == "" {
		selfToken = DefaultSelfToken
	}
	return &Extractor{
		SelfToken:      selfToken,
		GroupThreshold: groupThreshold,
		Now:            time.Now,
		Participants: []ParticipantStrategy{
			AriaLabelStrategy{},
			HeadingStrategy{},
			FirstLineStrategy{},
		},
		Timestamps: []TimestampStrategy{
			TimeAttributeStrategy{},
			RelativeAgeStrategy{},
		},
	}
}

// Extract produces a record or an error for malformed rows. Callers are
// expected to skip the row and keep going on error.
func (e *Extractor) Extract(raw RawFields) (thread.Record, error) {
	id := IdentityFromHref(raw.Href)
	if id == "" {
		return thread.Record{}, ErrNoIdentity
	}

	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}

	rec := thread.Record{
		ID:             id,
		URL:            raw.Href,
		Unread:         raw.Unread,
		HasAttachments: raw.HasAttachment,
		Source:         raw.Source,
	}

	participantLine := ""
	for _, s := range e.Participants {
		if src := strings.TrimSpace(s.Source(raw)); src != "" {
			participantLine = src
			break
		}
	}
	rec.SetParticipants(SplitParticipants(participantLine, e.SelfToken), e.GroupThreshold)

	for _, s := range e.Timestamps {
		if ts, ok := s.Resolve(raw, now); ok {
			ms := ts.UnixMilli()
			rec.LastActivityTs = &ms
			break
		}
	}

	if snippet := snippetLine(raw, participantLine); snippet != "" {
		rec.LastSnippet = &snippet
	}
	if raw.MessageCount != nil {
		n := *raw.MessageCount
		rec.SizeEstimate = &n
	}
	return rec, nil
}

var threadPathPattern = regexp.MustCompile(`/t/([^/?#]+)`)

// IdentityFromHref derives the stable conversation id from its address.
func IdentityFromHref(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	path := href
	if u, err := url.Parse(href); err == nil {
		path = u.Path
	}
	if m := threadPathPattern.FindStringSubmatch(path); len(m) == 2 {
		if id, err := url.PathUnescape(m[1]); err == nil {
			return id
		}
		return m[1]
	}
	return ""
}

var (
	separatorPattern = regexp.MustCompile(`\s*(?:,|•|\band\b)\s*`)
	labelPrefix      = regexp.MustCompile(`(?i)^(conversation with|chat with|group chat with|messages with)\s+`)
)

// SplitParticipants splits a participant line on ",", "•" and " and ", trims
// the parts, and drops case-insensitive duplicates. The self token is kept,
// spelled as selfToken, so it counts toward group membership. A line without
// separators is a single participant.
func SplitParticipants(line, selfToken string) []string {
	line = labelPrefix.ReplaceAllString(strings.TrimSpace(line), "")
	if line == "" {
		return nil
	}
	parts := []string{line}
	if hasSeparator(line) {
		parts = separatorPattern.Split(line, -1)
	}
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if selfToken != "" && strings.EqualFold(p, selfToken) {
			p = selfToken
		}
		key := strings.ToLower(p)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func hasSeparator(line string) bool {
	return strings.Contains(line, ",") || strings.Contains(line, "•") || strings.Contains(line, " and ")
}

// snippetLine is the first text line after the participant line that is not
// a bare relative age.
func snippetLine(raw RawFields, participantLine string) string {
	for _, l := range raw.Lines {
		l = strings.TrimSpace(l)
		if l == "" || l == participantLine || l == raw.Heading {
			continue
		}
		if relativeAgePattern.MatchString(l) && len(l) <= 4 {
			continue
		}
		return l
	}
	return ""
}

type AriaLabelStrategy struct{}

func (AriaLabelStrategy) Name() string                { return "aria-label" }
func (AriaLabelStrategy) Source(raw RawFields) string { return raw.AriaLabel }

type HeadingStrategy struct{}

func (HeadingStrategy) Name() string                { return "heading" }
func (HeadingStrategy) Source(raw RawFields) string { return raw.Heading }

type FirstLineStrategy struct{}

func (FirstLineStrategy) Name() string { return "first-line" }
func (FirstLineStrategy) Source(raw RawFields) string {
	for _, l := range raw.Lines {
		if s := strings.TrimSpace(l); s != "" {
			return s
		}
	}
	return ""
}

// TimeAttributeStrategy reads RFC 3339 stamps or unix seconds/millis.
type TimeAttributeStrategy struct{}

func (TimeAttributeStrategy) Name() string { return "time-attribute" }
func (TimeAttributeStrategy) Resolve(raw RawFields, _ time.Time) (time.Time, bool) {
	return ParseTimeAttr(raw.TimeAttr)
}

// ParseTimeAttr parses a machine-readable timestamp attribute.
func ParseTimeAttr(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
		// Ten digits or fewer is unix seconds.
		if n < 1e11 {
			return time.Unix(n, 0), true
		}
		return time.UnixMilli(n), true
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var relativeAgePattern = regexp.MustCompile(`\b(\d+)\s*(m|h|d|w|y)\b`)

// RelativeAgeStrategy reads "5m", "3 h", "2w" style ages from the row text.
type RelativeAgeStrategy struct{}

func (RelativeAgeStrategy) Name() string { return "relative-age" }
func (RelativeAgeStrategy) Resolve(raw RawFields, now time.Time) (time.Time, bool) {
	texts := append([]string{}, raw.Lines...)
	texts = append(texts, raw.AriaLabel)
	for _, t := range texts {
		if ts, ok := ParseRelativeAge(t, now); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ParseRelativeAge converts the first "N unit" age in text into now - N*unit.
func ParseRelativeAge(text string, now time.Time) (time.Time, bool) {
	m := relativeAgePattern.FindStringSubmatch(text)
	if len(m) != 3 {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	var unit time.Duration
	switch m[2] {
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	case "y":
		unit = 365 * 24 * time.Hour
	}
	return now.Add(-time.Duration(n) * unit), true
}
