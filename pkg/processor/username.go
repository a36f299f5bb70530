package processor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tms-tools/ticket-archiver/pkg/tms"
)

// webhookUser is the slice of the webhook payload the archiver reads: the
// agent whose action triggered the delivery.
type webhookUser struct {
	User *struct {
		Login string `json:"login"`
	} `json:"user"`
}

// DetermineUsername resolves the first path component under the storage
// root. The mode comes from a ticket custom field and defaults to the
// ticket owner:
//
//	owner          the ticket owner's login
//	current_agent  the webhook payload's user login, falling back to the
//	               ticket's updated_by login
//	fixed          a fixed login from another custom field
func DetermineUsername(ticket *tms.Ticket, payload []byte, fields map[string]interface{}, modeField, userField string) (string, error) {
	mode := "owner"
	if raw, ok := fields[modeField]; ok && raw != nil {
		mode = strings.TrimSpace(fmt.Sprintf("%v", raw))
	}

	switch mode {
	case "owner":
		if ticket.Owner != nil && strings.TrimSpace(ticket.Owner.Login) != "" {
			return strings.TrimSpace(ticket.Owner.Login), nil
		}
		return "", fmt.Errorf("ticket owner login is missing")

	case "current_agent":
		if len(payload) > 0 {
			var wu webhookUser
			if err := json.Unmarshal(payload, &wu); err == nil &&
				wu.User != nil && strings.TrimSpace(wu.User.Login) != "" {
				return strings.TrimSpace(wu.User.Login), nil
			}
		}
		if ticket.UpdatedBy != nil && strings.TrimSpace(ticket.UpdatedBy.Login) != "" {
			return strings.TrimSpace(ticket.UpdatedBy.Login), nil
		}
		return "", fmt.Errorf("ticket updated_by login is missing")

	case "fixed":
		if raw, ok := fields[userField].(string); ok && strings.TrimSpace(raw) != "" {
			return strings.TrimSpace(raw), nil
		}
		return "", fmt.Errorf("custom field %s must be a non-empty string", userField)

	default:
		return "", fmt.Errorf("unsupported archive user mode %q", mode)
	}
}
