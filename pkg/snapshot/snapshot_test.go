package snapshot

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tms-tools/ticket-archiver/pkg/retry"
	"github.com/tms-tools/ticket-archiver/pkg/tms"
)

func TestSanitizeHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain paragraph", "<p>Hello</p>", "<p>Hello</p>"},
		{"script dropped with content", "<script>alert(1)</script><p>ok</p>", "<p>ok</p>"},
		{"style dropped with content", "<style>p{color:red}</style>text", "text"},
		{"event handler removed", `<p onclick="evil()">Hi</p>`, "<p>Hi</p>"},
		{"style attribute removed", `<p style="color:red">Hi</p>`, "<p>Hi</p>"},
		{"javascript href removed", `<a href="javascript:alert(1)">x</a>`, "<a>x</a>"},
		{"data href removed", `<a href="data:text/html,x">x</a>`, "<a>x</a>"},
		{"scheme-relative href removed", `<a href="//evil.example/x">x</a>`, "<a>x</a>"},
		{"https href kept", `<a href="https://example.com/t">x</a>`, `<a href="https://example.com/t">x</a>`},
		{"mailto href kept", `<a href="mailto:a@example.com">x</a>`, `<a href="mailto:a@example.com">x</a>`},
		{"relative href kept", `<a href="/tickets/1">x</a>`, `<a href="/tickets/1">x</a>`},
		{"disallowed tag unwrapped", "<section><p>inner</p></section>", "<p>inner</p>"},
		{"void br normalised", "a<br>b", "a<br />b"},
		{"unclosed tags closed", "<b><i>x", "<b><i>x</i></b>"},
		{"mismatched close ignored", "<b><i>x</b></i>", "<b><i>x</i></b>"},
		{"iframe dropped", `<iframe src="https://evil"></iframe><p>ok</p>`, "<p>ok</p>"},
		{"form controls dropped", `<form><input value="x"><button>go</button></form>done`, "done"},
		{"table attrs kept", `<table><tr><td colspan="2">c</td></tr></table>`, `<table><tr><td colspan="2">c</td></tr></table>`},
		{"comments dropped", "<!-- secret -->text", "text"},
		{"empty input", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeHTML(tt.in))
		})
	}
}

func TestSanitizeHTMLEscapesText(t *testing.T) {
	out := SanitizeHTML("<p>Tom & Jerry <3</p>")
	assert.Contains(t, out, "&amp;")
	assert.NotContains(t, out, "<3")
}

func TestSanitizeHTMLDepthLimit(t *testing.T) {
	in := strings.Repeat("<div>", 60) + "x"
	out := SanitizeHTML(in)
	assert.Equal(t, 50, strings.Count(out, "<div>"))
	assert.Equal(t, 50, strings.Count(out, "</div>"))
	assert.Contains(t, out, "x")
}

func TestStripHTMLToText(t *testing.T) {
	in := "<p>first</p><p>second &amp; third</p><script>hidden()</script><div>last</div>"
	got := StripHTMLToText(in)
	assert.Equal(t, "first\nsecond & third\nlast", got)
	assert.NotContains(t, got, "hidden")
}

func ts(minute int) time.Time {
	return time.Date(2026, 8, 20, 10, minute, 0, 0, time.UTC)
}

func TestBuildSortsArticles(t *testing.T) {
	ticket := &tms.Ticket{ID: 7, Number: "2026082000007"}
	articles := []tms.Article{
		{ID: 3, CreatedAt: ts(5), Body: "late"},
		{ID: 9, Body: "no timestamp"},
		{ID: 1, CreatedAt: ts(1), Body: "early"},
		{ID: 2, CreatedAt: ts(1), Body: "same minute, higher id"},
	}

	snap, err := Build(ticket, nil, articles, Options{})
	require.NoError(t, err)
	require.Len(t, snap.Articles, 4)

	var order []int64
	for _, a := range snap.Articles {
		order = append(order, a.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 9}, order)
	assert.Nil(t, snap.Articles[3].CreatedAt, "timestamp-less article sorts last")
}

func TestBuildBodyHandling(t *testing.T) {
	ticket := &tms.Ticket{ID: 7, Number: "2026082000007"}
	articles := []tms.Article{
		{ID: 1, CreatedAt: ts(1), ContentType: "text/html", Body: "<p>hello <script>x()</script>world</p>"},
		{ID: 2, CreatedAt: ts(2), ContentType: "text/plain", Body: "just text with a < sign"},
		{ID: 3, CreatedAt: ts(3), ContentType: "text/plain", Body: "<div>looks like html</div>"},
	}

	snap, err := Build(ticket, nil, articles, Options{})
	require.NoError(t, err)

	html := snap.Articles[0]
	assert.Equal(t, "<p>hello world</p>", html.BodyHTML)
	assert.Equal(t, "hello world", html.BodyText)

	plain := snap.Articles[1]
	assert.Empty(t, plain.BodyHTML)
	assert.Equal(t, "just text with a < sign", plain.BodyText)

	hinted := snap.Articles[2]
	assert.Equal(t, "<div>looks like html</div>", hinted.BodyHTML)
	assert.Equal(t, "looks like html", hinted.BodyText)
}

func TestBuildNeverEmitsRawHTMLWhenSanitizerFails(t *testing.T) {
	ticket := &tms.Ticket{ID: 7, Number: "2026082000007"}
	articles := []tms.Article{
		{ID: 1, CreatedAt: ts(1), ContentType: "text/html", Body: "<p>keep this text</p>"},
	}

	snap, err := Build(ticket, nil, articles, Options{
		Sanitizer: func(string) string { return "" },
	})
	require.NoError(t, err)
	assert.Empty(t, snap.Articles[0].BodyHTML)
	assert.Equal(t, "keep this text", snap.Articles[0].BodyText)
}

func TestBuildSenderFallsBackToRecipient(t *testing.T) {
	ticket := &tms.Ticket{ID: 7, Number: "2026082000007"}
	articles := []tms.Article{
		{ID: 1, CreatedAt: ts(1), From: "alice@example.com", Body: "a"},
		{ID: 2, CreatedAt: ts(2), To: "bob@example.com", Body: "b"},
	}

	snap, err := Build(ticket, nil, articles, Options{})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", snap.Articles[0].Sender)
	assert.Equal(t, "bob@example.com", snap.Articles[1].Sender)
}

func TestBuildArticleLimit(t *testing.T) {
	ticket := &tms.Ticket{ID: 7, Number: "2026082000007"}
	var articles []tms.Article
	for i := 1; i <= 5; i++ {
		articles = append(articles, tms.Article{ID: int64(i), CreatedAt: ts(i), Body: fmt.Sprintf("a%d", i)})
	}

	t.Run("fail mode rejects", func(t *testing.T) {
		_, err := Build(ticket, nil, articles, Options{MaxArticles: 3, LimitMode: LimitModeFail})
		var failure *retry.Failure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, retry.CodeArticleLimitExceeded, failure.Code)
		assert.Equal(t, retry.Permanent, failure.Class)
	})

	t.Run("cap mode keeps oldest and warns", func(t *testing.T) {
		snap, err := Build(ticket, nil, articles, Options{MaxArticles: 3, LimitMode: LimitModeCapAndContinue})
		require.NoError(t, err)
		require.Len(t, snap.Articles, 3)
		assert.Equal(t, int64(1), snap.Articles[0].ID)
		assert.Equal(t, int64(3), snap.Articles[2].ID)
		assert.Contains(t, snap.CappedWarning, "3 of 5")
	})

	t.Run("zero limit disables cap", func(t *testing.T) {
		snap, err := Build(ticket, nil, articles, Options{MaxArticles: 0, LimitMode: LimitModeFail})
		require.NoError(t, err)
		assert.Len(t, snap.Articles, 5)
		assert.Empty(t, snap.CappedWarning)
	})
}

func TestBuildRejectsIncompleteTicket(t *testing.T) {
	_, err := Build(nil, nil, nil, Options{})
	var failure *retry.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, retry.CodeSnapshot, failure.Code)

	_, err = Build(&tms.Ticket{ID: 7}, nil, nil, Options{})
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, retry.CodeSnapshot, failure.Code)
}

func TestBuildCarriesTicketMetadata(t *testing.T) {
	ticket := &tms.Ticket{
		ID:     7,
		Number: "2026082000007",
		Title:  "printer on fire",
		Owner:  &tms.UserRef{Login: "agent1"},
		Customer: &tms.CustomerRef{
			ID: 5, Login: "cust", Email: "c@example.com", Name: "Cust Omer",
		},
		Preferences: &tms.TicketPreferences{
			CustomFields: map[string]interface{}{"archive_path": "ops>hw"},
		},
	}

	snap, err := Build(ticket, []string{"pdf:sign", "vip"}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "printer on fire", snap.Ticket.Title)
	assert.Equal(t, "agent1", snap.Ticket.Owner.Login)
	assert.Equal(t, "c@example.com", snap.Ticket.Customer.Email)
	assert.Equal(t, []string{"pdf:sign", "vip"}, snap.Ticket.Tags)
	assert.Equal(t, "ops>hw", snap.Ticket.CustomFields["archive_path"])
}

type fakeFetcher struct {
	content map[int64][]byte
	fail    map[int64]bool
}

func (f *fakeFetcher) GetAttachment(_ context.Context, _, _, attachmentID int64) ([]byte, error) {
	if f.fail[attachmentID] {
		return nil, fmt.Errorf("boom")
	}
	return f.content[attachmentID], nil
}

func enrichableSnapshot() *Snapshot {
	return &Snapshot{
		Ticket: TicketMeta{ID: 7, Number: "2026082000007"},
		Articles: []Article{
			{ID: 1, Attachments: []AttachmentMeta{
				{ArticleID: 1, AttachmentID: 11, Filename: "a.txt", Size: 4},
				{ArticleID: 1, AttachmentID: 12, Filename: "big.bin", Size: 10_000},
			}},
			{ID: 2, Attachments: []AttachmentMeta{
				{ArticleID: 2, AttachmentID: 21, Filename: "b.txt", Size: 4},
			}},
		},
	}
}

func TestEnrichAttachments(t *testing.T) {
	fetcher := &fakeFetcher{content: map[int64][]byte{
		11: []byte("aaaa"),
		21: []byte("bbbb"),
	}}

	snap := enrichableSnapshot()
	EnrichAttachments(context.Background(), snap, fetcher, EnrichOptions{
		IncludeBinary:   true,
		MaxBytesPerFile: 100,
		MaxTotalBytes:   1000,
	})

	assert.Equal(t, []byte("aaaa"), snap.Articles[0].Attachments[0].Content)
	assert.Nil(t, snap.Articles[0].Attachments[1].Content, "oversized file stays metadata-only")
	assert.Equal(t, []byte("bbbb"), snap.Articles[1].Attachments[0].Content)
}

func TestEnrichAttachmentsTotalBudget(t *testing.T) {
	fetcher := &fakeFetcher{content: map[int64][]byte{
		11: []byte("aaaa"),
		21: []byte("bbbb"),
	}}

	snap := enrichableSnapshot()
	EnrichAttachments(context.Background(), snap, fetcher, EnrichOptions{
		IncludeBinary:   true,
		MaxBytesPerFile: 100,
		MaxTotalBytes:   5,
	})

	assert.Equal(t, []byte("aaaa"), snap.Articles[0].Attachments[0].Content, "budget applies in article order")
	assert.Nil(t, snap.Articles[1].Attachments[0].Content)
}

func TestEnrichAttachmentsDisabled(t *testing.T) {
	fetcher := &fakeFetcher{content: map[int64][]byte{11: []byte("aaaa")}}
	snap := enrichableSnapshot()

	EnrichAttachments(context.Background(), snap, fetcher, EnrichOptions{IncludeBinary: false})
	assert.Nil(t, snap.Articles[0].Attachments[0].Content)
}

func TestEnrichAttachmentsFetchFailureIsMetadataOnly(t *testing.T) {
	fetcher := &fakeFetcher{
		content: map[int64][]byte{21: []byte("bbbb")},
		fail:    map[int64]bool{11: true},
	}

	snap := enrichableSnapshot()
	EnrichAttachments(context.Background(), snap, fetcher, EnrichOptions{
		IncludeBinary:   true,
		MaxBytesPerFile: 100,
		MaxTotalBytes:   1000,
	})

	assert.Nil(t, snap.Articles[0].Attachments[0].Content)
	assert.Equal(t, []byte("bbbb"), snap.Articles[1].Attachments[0].Content)
}
