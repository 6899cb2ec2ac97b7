package thread

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format of the date bounds in filter specs.
const DateLayout = "2006-01-02"

// ErrInvalidFilter wraps every filter compilation failure.
var ErrInvalidFilter = errors.New("invalid filter")

// FilterSpec selects conversations. All set clauses must hold.
type FilterSpec struct {
	FromDate            string   `json:"fromDate,omitempty"`
	ToDate              string   `json:"toDate,omitempty"`
	UnreadOnly          bool     `json:"unreadOnly,omitempty"`
	IncludeParticipants []string `json:"includeParticipants,omitempty"`
	ExcludeParticipants []string `json:"excludeParticipants,omitempty"`
	Keywords            []string `json:"keywords,omitempty"`
	GroupOnly           bool     `json:"groupOnly,omitempty"`
	OneToOneOnly        bool     `json:"oneToOneOnly,omitempty"`
	MinSize             *int     `json:"minSize,omitempty"`
	MaxSize             *int     `json:"maxSize,omitempty"`
}

// SetGroupOnly sets the group clause and clears the 1:1 clause when enabling.
func (f *FilterSpec) SetGroupOnly(v bool) {
	f.GroupOnly = v
	if v {
		f.OneToOneOnly = false
	}
}

// SetOneToOneOnly sets the 1:1 clause and clears the group clause when enabling.
func (f *FilterSpec) SetOneToOneOnly(v bool) {
	f.OneToOneOnly = v
	if v {
		f.GroupOnly = false
	}
}

// Predicate reports whether a record passes a compiled filter.
type Predicate func(Record) bool

// Compile turns a spec into a pure predicate. Bound dates are local days;
// the upper bound covers the whole day. Records whose timestamp or size is
// unknown are never excluded by the corresponding clause.
func Compile(spec FilterSpec) (Predicate, error) {
	from, to, err := dayBounds(spec.FromDate, spec.ToDate)
	if err != nil {
		return nil, err
	}
	include := lowerAll(spec.IncludeParticipants)
	exclude := lowerAll(spec.ExcludeParticipants)
	keywords := lowerAll(spec.Keywords)
	unreadOnly := spec.UnreadOnly
	groupOnly := spec.GroupOnly
	oneToOneOnly := spec.OneToOneOnly
	minSize := spec.MinSize
	maxSize := spec.MaxSize

	return func(r Record) bool {
		if unreadOnly && !r.Unread {
			return false
		}
		if groupOnly && !r.IsGroup {
			return false
		}
		if oneToOneOnly && r.IsGroup {
			return false
		}

		if len(include) > 0 || len(exclude) > 0 {
			names := lowerAll(r.Participants)
			for _, want := range include {
				if !anyContains(names, want) {
					return false
				}
			}
			for _, unwanted := range exclude {
				if anyContains(names, unwanted) {
					return false
				}
			}
		}

		if len(keywords) > 0 {
			snippet := ""
			if r.LastSnippet != nil {
				snippet = *r.LastSnippet
			}
			hay := strings.ToLower(snippet + " " + strings.Join(r.Participants, " "))
			for _, kw := range keywords {
				if !strings.Contains(hay, kw) {
					return false
				}
			}
		}

		if r.LastActivityTs != nil {
			ts := *r.LastActivityTs
			if from != nil && ts < *from {
				return false
			}
			if to != nil && ts > *to {
				return false
			}
		}

		if r.SizeEstimate != nil {
			size := *r.SizeEstimate
			if minSize != nil && size < *minSize {
				return false
			}
			if maxSize != nil && size > *maxSize {
				return false
			}
		}
		return true
	}, nil
}

// Select returns the ids of records accepted by pred, in input order.
func Select(records []Record, pred Predicate) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if pred == nil || pred(r) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// dayBounds parses optional YYYY-MM-DD bounds into inclusive epoch millis.
func dayBounds(fromDate, toDate string) (from, to *int64, err error) {
	if s := strings.TrimSpace(fromDate); s != "" {
		d, perr := time.ParseInLocation(DateLayout, s, time.Local)
		if perr != nil {
			return nil, nil, fmt.Errorf("%w: fromDate %q: %v", ErrInvalidFilter, s, perr)
		}
		ms := d.UnixMilli()
		from = &ms
	}
	if s := strings.TrimSpace(toDate); s != "" {
		d, perr := time.ParseInLocation(DateLayout, s, time.Local)
		if perr != nil {
			return nil, nil, fmt.Errorf("%w: toDate %q: %v", ErrInvalidFilter, s, perr)
		}
		ms := d.AddDate(0, 0, 1).UnixMilli() - 1
		to = &ms
	}
	if from != nil && to != nil && *from > *to {
		return nil, nil, fmt.Errorf("%w: fromDate %s is after toDate %s", ErrInvalidFilter, fromDate, toDate)
	}
	return from, to, nil
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func anyContains(hay []string, needle string) bool {
	for _, h := range hay {
		if strings.Contains(h, needle) {
			return true
		}
	}
	return false
}
