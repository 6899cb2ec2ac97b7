package thread

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimeWindow is a time-of-day range in minutes since local midnight. A start
// after the end spans midnight.
type TimeWindow struct {
	StartMinutes int `json:"startMinutes"`
	EndMinutes   int `json:"endMinutes"`
}

// Contains reports whether minute-of-day m falls inside the window.
func (w TimeWindow) Contains(m int) bool {
	if w.StartMinutes <= w.EndMinutes {
		return w.StartMinutes <= m && m <= w.EndMinutes
	}
	return !(w.EndMinutes < m && m < w.StartMinutes)
}

// Validate rejects minutes outside a day.
func (w TimeWindow) Validate() error {
	if w.StartMinutes < 0 || w.StartMinutes >= 24*60 || w.EndMinutes < 0 || w.EndMinutes >= 24*60 {
		return fmt.Errorf("%w: time window %d-%d outside 0..1439", ErrInvalidFilter, w.StartMinutes, w.EndMinutes)
	}
	return nil
}

// MessageFilter selects messages inside one conversation. Only messages by
// Author (default "me") ever match.
type MessageFilter struct {
	FromDate   string      `json:"fromDate,omitempty"`
	ToDate     string      `json:"toDate,omitempty"`
	TimeWindow *TimeWindow `json:"timeWindow,omitempty"`
	Keyword    string      `json:"keyword,omitempty"`
	TextOnly   bool        `json:"textOnly,omitempty"`
	Author     string      `json:"author,omitempty"`
}

// MessagePredicate reports whether a message passes a compiled filter.
type MessagePredicate func(Message) bool

// CompileMessages builds the message-level predicate.
func CompileMessages(f MessageFilter) (MessagePredicate, error) {
	from, to, err := dayBounds(f.FromDate, f.ToDate)
	if err != nil {
		return nil, err
	}
	var window *TimeWindow
	if f.TimeWindow != nil {
		if err := f.TimeWindow.Validate(); err != nil {
			return nil, err
		}
		w := *f.TimeWindow
		window = &w
	}
	kw := strings.ToLower(strings.TrimSpace(f.Keyword))
	author := f.Author
	if author == "" {
		author = AuthorMe
	}
	textOnly := f.TextOnly

	return func(m Message) bool {
		if from != nil && m.Timestamp < *from {
			return false
		}
		if to != nil && m.Timestamp > *to {
			return false
		}
		if window != nil {
			t := time.UnixMilli(m.Timestamp)
			if !window.Contains(t.Hour()*60 + t.Minute()) {
				return false
			}
		}
		if textOnly && m.HasAttachment {
			return false
		}
		if kw != "" && !strings.Contains(strings.ToLower(m.Text), kw) {
			return false
		}
		return m.Author == author
	}, nil
}

// FilterMessages applies pred and keeps input order.
func FilterMessages(msgs []Message, pred MessagePredicate) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if pred(m) {
			out = append(out, m)
		}
	}
	return out
}

// DayCount is one bucket of a per-day histogram.
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Histogram counts messages per local calendar day, oldest first.
func Histogram(msgs []Message) []DayCount {
	counts := make(map[string]int)
	for _, m := range msgs {
		counts[time.UnixMilli(m.Timestamp).Format(DateLayout)]++
	}
	out := make([]DayCount, 0, len(counts))
	for day, n := range counts {
		out = append(out, DayCount{Date: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// PreviewSampleSize is the number of matched messages echoed in a preview.
const PreviewSampleSize = 10

// Preview summarizes the messages a filter matched.
type Preview struct {
	Count     int        `json:"count"`
	Histogram []DayCount `json:"histogram"`
	Samples   []Message  `json:"samples"`
	Matched   []Message  `json:"-"`
}

// BuildPreview filters msgs and summarizes the result.
func BuildPreview(msgs []Message, f MessageFilter) (Preview, error) {
	pred, err := CompileMessages(f)
	if err != nil {
		return Preview{}, err
	}
	matched := FilterMessages(msgs, pred)
	samples := matched
	if len(samples) > PreviewSampleSize {
		samples = samples[:PreviewSampleSize]
	}
	return Preview{
		Count:     len(matched),
		Histogram: Histogram(matched),
		Samples:   append([]Message(nil), samples...),
		Matched:   matched,
	}, nil
}
