package snapshot

import "time"

// Party identifies a person on the ticket (owner or customer).
type Party struct {
	ID    int64
	Login string
	Email string
	Name  string
}

// AttachmentMeta describes one attachment of an article. Content is nil
// unless binary inclusion was requested and the attachment fit the limits.
type AttachmentMeta struct {
	ArticleID    int64
	AttachmentID int64
	Filename     string
	Size         int64
	ContentType  string
	Content      []byte
}

// Article is one communication entry, normalised for rendering. BodyHTML
// is sanitised markup; BodyText is the plain-text derivation renderers
// fall back to when BodyHTML is empty.
type Article struct {
	ID          int64
	CreatedAt   *time.Time
	Internal    bool
	Sender      string
	Subject     string
	BodyHTML    string
	BodyText    string
	Attachments []AttachmentMeta
}

// TicketMeta is the ticket header of a snapshot.
type TicketMeta struct {
	ID           int64
	Number       string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Customer     *Party
	Owner        *Party
	Tags         []string
	CustomFields map[string]interface{}
}

// Snapshot is the immutable view of a ticket at processing time. Renders
// and the audit record are produced from it, never from live API state.
type Snapshot struct {
	Ticket   TicketMeta
	Articles []Article

	// CappedWarning is set when the article limit truncated the snapshot
	// in cap_and_continue mode. It ends up in the audit record.
	CappedWarning string
}
