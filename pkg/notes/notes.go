package notes

import (
	"fmt"
	"html"
	"strings"

	"github.com/tms-tools/ticket-archiver/pkg/config"
	"github.com/tms-tools/ticket-archiver/pkg/retry"
)

// maxMessageLength bounds the error text quoted into the ticket.
const maxMessageLength = 500

// Note subjects used on the ticket.
const (
	SuccessSubject = "PDF archived"
	ErrorSubject   = "PDF archiving failed"
)

// Builder produces the internal notes posted back to tickets.
type Builder struct {
	// Version is stamped into every note so operators can tell which
	// deployment produced it.
	Version string

	// TriggerTag appears in retry instructions.
	TriggerTag string
}

// SuccessParams carries the facts of a finished archive.
type SuccessParams struct {
	StorageDir   string
	Filename     string
	SidecarPath  string
	SizeBytes    int64
	SHA256       string
	RequestID    string
	DeliveryID   string
	TimestampUTC string
}

// Success renders the archived-OK note.
func (b *Builder) Success(p SuccessParams) string {
	var out strings.Builder
	fmt.Fprintf(&out, "<p><strong>PDF archived (%s)</strong></p><ul>", esc(b.Version))
	item(&out, "path", p.StorageDir)
	item(&out, "filename", p.Filename)
	item(&out, "audit_sidecar", p.SidecarPath)
	item(&out, "size_bytes", fmt.Sprintf("%d", p.SizeBytes))
	item(&out, "sha256", p.SHA256)
	item(&out, "request_id", orDefault(p.RequestID, "unknown"))
	item(&out, "delivery_id", orDefault(p.DeliveryID, "none"))
	item(&out, "time_utc", p.TimestampUTC)
	out.WriteString("</ul>")
	return out.String()
}

// ErrorParams carries a classified failure for the error note. Err is
// scrubbed for secrets and truncated before it reaches the ticket.
type ErrorParams struct {
	Failure      *retry.Failure
	RequestID    string
	DeliveryID   string
	TimestampUTC string
}

// Error renders the failure note: classification, scrubbed message, the
// operator action, and the stable code with its hint.
func (b *Builder) Error(p ErrorParams) string {
	class, code, message := "permanent", retry.CodeUnknown, "unknown error"
	if p.Failure != nil {
		class = p.Failure.Class.String()
		code = p.Failure.Code
		message = conciseMessage(p.Failure)
	}

	var out strings.Builder
	fmt.Fprintf(&out, "<p><strong>PDF archiver error (%s)</strong></p><ul>", esc(b.Version))
	item(&out, "classification", class)
	item(&out, "error", message)
	item(&out, "action", b.action(p.Failure))
	item(&out, "code", string(code))
	item(&out, "hint", retry.Hint(code))
	item(&out, "request_id", orDefault(p.RequestID, "unknown"))
	item(&out, "delivery_id", orDefault(p.DeliveryID, "none"))
	item(&out, "time_utc", p.TimestampUTC)
	out.WriteString("</ul>")
	return out.String()
}

// action tells the operator how to get the ticket archived after this
// failure.
func (b *Builder) action(f *retry.Failure) string {
	trigger := b.TriggerTag
	if trigger == "" {
		trigger = "the trigger tag"
	}
	if f != nil && f.Class == retry.Transient {
		return fmt.Sprintf(
			"Transient failure. The ticket keeps %s; verify upstream and storage availability, then save the ticket or reapply the macro to retry.",
			trigger)
	}
	return fmt.Sprintf(
		"Non-retryable failure. Fix the underlying issue, then reapply %s to reprocess (and optionally remove the error tag).",
		trigger)
}

// conciseMessage produces the quoted error text: secrets scrubbed,
// length capped.
func conciseMessage(f *retry.Failure) string {
	text := strings.TrimSpace(f.Error())
	text = config.ScrubSecrets(text)
	if len(text) > maxMessageLength {
		text = text[:maxMessageLength]
	}
	return text
}

func item(out *strings.Builder, key, value string) {
	fmt.Fprintf(out, "<li>%s: <code>%s</code></li>", esc(key), esc(value))
}

func esc(s string) string { return html.EscapeString(s) }

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
