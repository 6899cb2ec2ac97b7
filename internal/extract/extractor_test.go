package extract

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadsweep/internal/thread"
)

const groupRow = `<div role="row" data-unread="true">
  <a href="https://www.messenger.com/t/123456/" aria-label="Alice Smith, Bob Jones and You">
    <span>Alice Smith, Bob Jones and You</span>
    <span>See you tomorrow</span>
    <abbr data-utime="1682942400">3h</abbr>
  </a>
</div>`

const headingRow = `<li><a href="/t/abc"><h3>Carol</h3><span>You: sent a photo</span><span>2d</span></a></li>`

func fixedNow() time.Time {
	return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
}

func newTestExtractor() *Extractor {
	e := New("", thread.DefaultGroupThreshold)
	e.Now = fixedNow
	return e
}

func TestParseAndExtractAriaRow(t *testing.T) {
	raw, err := ParseItemHTML(groupRow)
	require.NoError(t, err)
	assert.True(t, raw.Unread)
	assert.Equal(t, "1682942400", raw.TimeAttr)

	rec, err := newTestExtractor().Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "123456", rec.ID)
	assert.Equal(t, []string{"Alice Smith", "Bob Jones", "You"}, rec.Participants)
	assert.True(t, rec.IsGroup, "two other people plus the signed-in user is a group")
	require.NotNil(t, rec.LastActivityTs)
	assert.Equal(t, int64(1682942400000), *rec.LastActivityTs)
	require.NotNil(t, rec.LastSnippet)
	assert.Equal(t, "See you tomorrow", *rec.LastSnippet)
	assert.True(t, rec.Unread)
}

func TestExtractFallsBackToHeadingAndRelativeAge(t *testing.T) {
	raw, err := ParseItemHTML(headingRow)
	require.NoError(t, err)

	rec, err := newTestExtractor().Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", rec.ID)
	assert.Equal(t, []string{"Carol"}, rec.Participants)
	assert.True(t, rec.HasAttachments)
	require.NotNil(t, rec.LastActivityTs)
	assert.Equal(t, fixedNow().Add(-48*time.Hour).UnixMilli(), *rec.LastActivityTs)
	require.NotNil(t, rec.LastSnippet)
	assert.Equal(t, "You: sent a photo", *rec.LastSnippet)
}

func TestExtractRequiresIdentity(t *testing.T) {
	raw, err := ParseItemHTML(`<div><span>Orphan row</span></div>`)
	require.NoError(t, err)

	_, err = newTestExtractor().Extract(raw)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestMessageCountBecomesSizeEstimate(t *testing.T) {
	raw, err := ParseItemHTML(`<div data-message-count="42"><a href="/t/xyz">Dee</a><time datetime="2023-05-01T10:00:00Z"></time></div>`)
	require.NoError(t, err)

	rec, err := newTestExtractor().Extract(raw)
	require.NoError(t, err)
	require.NotNil(t, rec.SizeEstimate)
	assert.Equal(t, 42, *rec.SizeEstimate)
	require.NotNil(t, rec.LastActivityTs)
	assert.Equal(t, time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC).UnixMilli(), *rec.LastActivityTs)
}

func TestIdentityFromHref(t *testing.T) {
	cases := map[string]string{
		"https://www.messenger.com/t/100/":                    "100",
		"https://www.facebook.com/messages/t/998877?ref=side": "998877",
		"/t/abc#frag": "abc",
		"/settings":   "",
		"":            "",
	}
	for href, want := range cases {
		assert.Equal(t, want, IdentityFromHref(href), href)
	}
}

func TestSplitParticipants(t *testing.T) {
	assert.Equal(t, []string{"Ann", "Ben", "Cy"}, SplitParticipants("Ann, Ben and Cy", "You"))
	assert.Equal(t, []string{"Ann", "Ben", "You"}, SplitParticipants("Conversation with Ann • Ben • you", "You"))
	assert.Equal(t, []string{"Alexander Grant"}, SplitParticipants("Alexander Grant", "You"))
	assert.Equal(t, []string{"You"}, SplitParticipants("You", "You"))
	assert.Equal(t, []string{"Ann", "You"}, SplitParticipants("You, ann and Ann", "You"))
	assert.Empty(t, SplitParticipants("   ", "You"))
}

func TestSelfTokenCountsTowardGroup(t *testing.T) {
	e := newTestExtractor()

	group, err := e.Extract(RawFields{Href: "/t/123/", AriaLabel: "You, Alice and Bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"You", "Alice", "Bob"}, group.Participants)
	assert.True(t, group.IsGroup)

	pair, err := e.Extract(RawFields{Href: "/t/124/", AriaLabel: "You and Alice"})
	require.NoError(t, err)
	assert.False(t, pair.IsGroup)

	oneToOne, err := thread.Compile(thread.FilterSpec{OneToOneOnly: true})
	require.NoError(t, err)
	assert.False(t, oneToOne(group))
	assert.True(t, oneToOne(pair))
}

func TestParseTimeAttr(t *testing.T) {
	ts, ok := ParseTimeAttr("1682942400000")
	require.True(t, ok)
	assert.Equal(t, int64(1682942400000), ts.UnixMilli())

	ts, ok = ParseTimeAttr("1682942400")
	require.True(t, ok)
	assert.Equal(t, int64(1682942400000), ts.UnixMilli())

	_, ok = ParseTimeAttr("yesterday")
	assert.False(t, ok)
}

func TestParseRelativeAge(t *testing.T) {
	now := fixedNow()
	cases := map[string]time.Duration{
		"5m":      5 * time.Minute,
		"3 h":     3 * time.Hour,
		"1w":      7 * 24 * time.Hour,
		"2y":      2 * 365 * 24 * time.Hour,
		"Sent 4d": 4 * 24 * time.Hour,
	}
	for text, age := range cases {
		ts, ok := ParseRelativeAge(text, now)
		require.True(t, ok, text)
		assert.Equal(t, now.Add(-age), ts, text)
	}
	_, ok := ParseRelativeAge("no age here", now)
	assert.False(t, ok)
}

func selection(t *testing.T, html, selector string) *goquery.Selection {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	sel := doc.Find(selector).First()
	require.Equal(t, 1, sel.Length())
	return sel
}

func TestIsLikelyMine(t *testing.T) {
	cases := []struct {
		name string
		html string
		want bool
	}{
		{"author attribute on parent", `<div data-author="me"><span>hi</span></div>`, true},
		{"outgoing class", `<div class="message-outgoing"><span>hi</span></div>`, true},
		{"test id", `<div data-testid="own_message"><span>hi</span></div>`, true},
		{"aria label", `<div aria-label="You: hi"><span>hi</span></div>`, true},
		{"end aligned", `<div style="align-self: flex-end"><span>hi</span></div>`, true},
		{"you prefix text", `<div><span>You: hello</span></div>`, true},
		{"ancestor too far", `<div data-author="me"><div><div><span>hi</span></div></div></div>`, false},
		{"incoming", `<div class="incoming"><span>hi</span></div>`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsLikelyMine(selection(t, tc.html, "span")))
		})
	}
}

func TestParseAndExtractMessage(t *testing.T) {
	raw, err := ParseMessageHTML("", `<div data-message-id="m1" data-testid="outgoing_message"><time datetime="2023-05-01T12:00:00Z"></time><span>You: hi there</span></div>`)
	require.NoError(t, err)
	assert.Equal(t, "m1", raw.ID)
	assert.True(t, raw.Mine)

	msg, ok := ExtractMessage(raw)
	require.True(t, ok)
	assert.Equal(t, thread.AuthorMe, msg.Author)
	assert.Equal(t, "hi there", msg.Text)
	assert.Equal(t, time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), msg.Timestamp)

	raw, err = ParseMessageHTML("m2", `<div class="incoming"><img src="x.png"><span>look</span></div>`)
	require.NoError(t, err)
	assert.True(t, raw.HasAttachment)
	_, ok = ExtractMessage(raw)
	assert.False(t, ok, "no timestamp")
}
