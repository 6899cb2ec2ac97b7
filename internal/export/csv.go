// Package export writes thread and message listings as CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"threadsweep/internal/thread"
)

var (
	ThreadHeader  = []string{"id", "participants", "isGroup", "unread", "lastActivity", "snippet", "sizeEstimate", "hasAttachments", "url"}
	MessageHeader = []string{"id", "timestamp", "author", "text", "hasAttachment"}
)

// Threads writes one row per record. Nothing is written for an empty list.
func Threads(w io.Writer, recs []thread.Record) error {
	if len(recs) == 0 {
		return nil
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(ThreadHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range recs {
		row := []string{
			r.ID,
			strings.Join(r.Participants, "; "),
			strconv.FormatBool(r.IsGroup),
			strconv.FormatBool(r.Unread),
			formatMillis(r.LastActivityTs),
			deref(r.LastSnippet),
			formatInt(r.SizeEstimate),
			strconv.FormatBool(r.HasAttachments),
			r.URL,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Messages writes one row per message. Nothing is written for an empty list.
func Messages(w io.Writer, msgs []thread.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(MessageHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, m := range msgs {
		ts := m.Timestamp
		row := []string{
			m.ID,
			formatMillis(&ts),
			m.Author,
			m.Text,
			strconv.FormatBool(m.HasAttachment),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write %s: %w", m.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatMillis(ms *int64) string {
	if ms == nil {
		return ""
	}
	return time.UnixMilli(*ms).Format(time.RFC3339)
}

func formatInt(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
