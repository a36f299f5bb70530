package snapshot

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tms-tools/ticket-archiver/pkg/retry"
	"github.com/tms-tools/ticket-archiver/pkg/tms"
)

// Article limit modes.
const (
	LimitModeFail           = "fail"
	LimitModeCapAndContinue = "cap_and_continue"
)

// htmlHintRe spots markup-looking bodies when the content type does not
// say html. Only common tags count; a stray "<" in plain text does not.
var htmlHintRe = regexp.MustCompile(`(?i)<\s*(?:p|div|br|span|a|ul|ol|li|pre|code|blockquote|table|tr|td|th|strong|em|b|i|u)\b`)

// Options steers snapshot construction.
type Options struct {
	// Sanitizer reduces article HTML to safe markup. Nil uses SanitizeHTML.
	Sanitizer func(string) string

	// MaxArticles caps the article count; 0 disables the cap.
	MaxArticles int

	// LimitMode decides what happens above the cap: fail the job or keep
	// the oldest MaxArticles and record a warning.
	LimitMode string
}

// Build assembles the immutable processing snapshot from already-fetched
// ticket data. It is pure: no I/O, deterministic output for the same
// inputs.
func Build(ticket *tms.Ticket, tags []string, articles []tms.Article, opts Options) (*Snapshot, error) {
	if ticket == nil {
		return nil, retry.NewPermanent(retry.CodeSnapshot, fmt.Errorf("ticket is missing"))
	}
	if ticket.ID == 0 || strings.TrimSpace(ticket.Number) == "" {
		return nil, retry.NewPermanent(retry.CodeSnapshot,
			fmt.Errorf("ticket %d is missing id or number", ticket.ID))
	}

	sanitize := opts.Sanitizer
	if sanitize == nil {
		sanitize = SanitizeHTML
	}

	converted := make([]Article, 0, len(articles))
	for _, a := range articles {
		converted = append(converted, convertArticle(a, sanitize))
	}
	sortArticles(converted)

	var capped string
	if opts.MaxArticles > 0 && len(converted) > opts.MaxArticles {
		switch opts.LimitMode {
		case LimitModeCapAndContinue:
			capped = fmt.Sprintf("article limit reached: rendered %d of %d articles",
				opts.MaxArticles, len(converted))
			converted = converted[:opts.MaxArticles]
		default:
			return nil, retry.NewPermanent(retry.CodeArticleLimitExceeded,
				fmt.Errorf("ticket %d has %d articles, limit is %d", ticket.ID, len(converted), opts.MaxArticles))
		}
	}

	snap := &Snapshot{
		Ticket: TicketMeta{
			ID:           ticket.ID,
			Number:       ticket.Number,
			Title:        ticket.Title,
			CreatedAt:    ticket.CreatedAt.UTC(),
			UpdatedAt:    ticket.UpdatedAt.UTC(),
			Customer:     partyFromCustomer(ticket.Customer),
			Owner:        partyFromUser(ticket.Owner),
			Tags:         append([]string(nil), tags...),
			CustomFields: ticket.CustomFields(),
		},
		Articles:      converted,
		CappedWarning: capped,
	}
	return snap, nil
}

func partyFromUser(ref *tms.UserRef) *Party {
	if ref == nil {
		return nil
	}
	return &Party{Login: ref.Login}
}

func partyFromCustomer(ref *tms.CustomerRef) *Party {
	if ref == nil {
		return nil
	}
	return &Party{ID: ref.ID, Login: ref.Login, Email: ref.Email, Name: ref.Name}
}

func convertArticle(a tms.Article, sanitize func(string) string) Article {
	var bodyHTML, bodyText string
	if a.Body != "" {
		if hasHTMLHint(a.ContentType, a.Body) {
			bodyHTML = sanitize(a.Body)
			if bodyHTML != "" {
				bodyText = StripHTMLToText(bodyHTML)
			} else {
				// Sanitisation produced nothing usable; strip the raw body
				// to text but never pass it through as HTML.
				bodyText = StripHTMLToText(a.Body)
			}
		} else {
			bodyText = a.Body
		}
	}
	if bodyText == "" && a.Body != "" {
		// Renderers escape body_text, so keeping the raw input is safe.
		bodyText = a.Body
	}

	sender := a.From
	if sender == "" {
		sender = a.To
	}

	var createdAt *time.Time
	if !a.CreatedAt.IsZero() {
		ts := a.CreatedAt.UTC()
		createdAt = &ts
	}

	attachments := make([]AttachmentMeta, 0, len(a.Attachments))
	for _, att := range a.Attachments {
		attachments = append(attachments, AttachmentMeta{
			ArticleID:    a.ID,
			AttachmentID: att.ID,
			Filename:     att.Filename,
			Size:         att.Size,
			ContentType:  att.ContentType,
		})
	}

	return Article{
		ID:          a.ID,
		CreatedAt:   createdAt,
		Internal:    a.Internal,
		Sender:      sender,
		Subject:     a.Subject,
		BodyHTML:    bodyHTML,
		BodyText:    bodyText,
		Attachments: attachments,
	}
}

func hasHTMLHint(contentType, body string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	return htmlHintRe.MatchString(body)
}

// sortArticles orders chronologically; articles without a timestamp sort
// last, ties break on id so the order is stable across runs.
func sortArticles(articles []Article) {
	sort.SliceStable(articles, func(i, j int) bool {
		a, b := articles[i], articles[j]
		switch {
		case a.CreatedAt == nil && b.CreatedAt == nil:
			return a.ID < b.ID
		case a.CreatedAt == nil:
			return false
		case b.CreatedAt == nil:
			return true
		case a.CreatedAt.Equal(*b.CreatedAt):
			return a.ID < b.ID
		default:
			return a.CreatedAt.Before(*b.CreatedAt)
		}
	})
}
