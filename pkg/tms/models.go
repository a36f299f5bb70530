package tms

import "time"

// UserRef is the ticket system's reference to an agent account.
type UserRef struct {
	Login string `json:"login"`
}

// CustomerRef is the ticket system's reference to a customer.
type CustomerRef struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// TicketPreferences carries the custom field bag.
type TicketPreferences struct {
	CustomFields map[string]interface{} `json:"custom_fields"`
}

// Ticket is the upstream ticket resource. Unknown fields are ignored.
type Ticket struct {
	ID     int64  `json:"id"`
	Number string `json:"number"`
	Title  string `json:"title"`

	Owner     *UserRef     `json:"owner"`
	UpdatedBy *UserRef     `json:"updated_by"`
	Customer  *CustomerRef `json:"customer"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Preferences *TicketPreferences `json:"preferences"`
}

// CustomFields returns the ticket's custom field bag, never nil.
func (t *Ticket) CustomFields() map[string]interface{} {
	if t.Preferences == nil || t.Preferences.CustomFields == nil {
		return map[string]interface{}{}
	}
	return t.Preferences.CustomFields
}

// AttachmentMeta describes one article attachment.
type AttachmentMeta struct {
	ID          int64  `json:"id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Article is one communication entry on a ticket.
type Article struct {
	ID          int64            `json:"id"`
	CreatedAt   time.Time        `json:"created_at"`
	Internal    bool             `json:"internal"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	ContentType string           `json:"content_type"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Attachments []AttachmentMeta `json:"attachments"`
}
