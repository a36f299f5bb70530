package notes

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tms-tools/ticket-archiver/pkg/retry"
)

func testBuilder() *Builder {
	return &Builder{Version: "1.2.3", TriggerTag: "pdf:sign"}
}

func TestSuccessNote(t *testing.T) {
	note := testBuilder().Success(SuccessParams{
		StorageDir:   "ops/hardware/2026",
		Filename:     "ticket-42.pdf",
		SidecarPath:  "ticket-42.pdf.audit.json",
		SizeBytes:    20480,
		SHA256:       "abc123",
		RequestID:    "req-1",
		DeliveryID:   "del-1",
		TimestampUTC: "2026-08-20T09:30:00Z",
	})

	assert.Contains(t, note, "PDF archived (1.2.3)")
	assert.Contains(t, note, "<code>ops/hardware/2026</code>")
	assert.Contains(t, note, "<code>ticket-42.pdf</code>")
	assert.Contains(t, note, "<code>20480</code>")
	assert.Contains(t, note, "<code>abc123</code>")
	assert.Contains(t, note, "<code>req-1</code>")
	assert.Contains(t, note, "<code>del-1</code>")
	assert.Contains(t, note, "<code>2026-08-20T09:30:00Z</code>")
}

func TestSuccessNoteDefaultsMissingIDs(t *testing.T) {
	note := testBuilder().Success(SuccessParams{})
	assert.Contains(t, note, "<code>unknown</code>")
	assert.Contains(t, note, "<code>none</code>")
}

func TestSuccessNoteEscapesValues(t *testing.T) {
	note := testBuilder().Success(SuccessParams{
		Filename: `<script>alert(1)</script>.pdf`,
	})
	assert.NotContains(t, note, "<script>")
	assert.Contains(t, note, "&lt;script&gt;")
}

func TestErrorNoteTransient(t *testing.T) {
	failure := retry.NewTransient(retry.CodeTmsServer, fmt.Errorf("upstream 503"))
	note := testBuilder().Error(ErrorParams{
		Failure:      failure,
		RequestID:    "req-9",
		DeliveryID:   "del-9",
		TimestampUTC: "2026-08-20T09:30:00Z",
	})

	assert.Contains(t, note, "<code>transient</code>")
	assert.Contains(t, note, "TmsServer")
	assert.Contains(t, note, "keeps pdf:sign")
	assert.Contains(t, note, retry.Hint(retry.CodeTmsServer))
}

func TestErrorNotePermanent(t *testing.T) {
	failure := retry.NewPermanent(retry.CodePathPolicy, fmt.Errorf("segment '..' not allowed"))
	note := testBuilder().Error(ErrorParams{Failure: failure})

	assert.Contains(t, note, "<code>permanent</code>")
	assert.Contains(t, note, "PathPolicy")
	assert.Contains(t, note, "reapply pdf:sign")
	assert.Contains(t, note, retry.Hint(retry.CodePathPolicy))
}

func TestErrorNoteScrubsSecrets(t *testing.T) {
	failure := retry.NewPermanent(retry.CodeTmsAuth,
		fmt.Errorf("request failed: Authorization: Bearer super-secret-token"))
	note := testBuilder().Error(ErrorParams{Failure: failure})

	assert.NotContains(t, note, "super-secret-token")
	assert.Contains(t, note, "[redacted]")
}

func TestErrorNoteTruncatesLongMessages(t *testing.T) {
	failure := retry.NewPermanent(retry.CodeUnknown, fmt.Errorf("%s", strings.Repeat("x", 2000)))
	note := testBuilder().Error(ErrorParams{Failure: failure})

	// the quoted message is capped even though the note adds markup
	start := strings.Index(note, "error: <code>")
	end := strings.Index(note[start:], "</code>")
	assert.Less(t, end, 600)
}

func TestErrorNoteNilFailure(t *testing.T) {
	note := testBuilder().Error(ErrorParams{})
	assert.Contains(t, note, "<code>permanent</code>")
	assert.Contains(t, note, "Unknown")
}
