package ingress

import (
	"encoding/json"
	"strconv"
	"strings"
)

// CoerceTicketID parses a ticket id from an untrusted JSON value. Only
// positive integers pass: booleans, floats, zero, and negatives are
// rejected; digit strings are parsed.
func CoerceTicketID(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case json.Number:
		s := v.String()
		if strings.ContainsAny(s, ".eE") {
			return 0, false
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	case string:
		s := strings.TrimSpace(v)
		s = strings.TrimPrefix(s, "+")
		if s == "" {
			return 0, false
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return 0, false
			}
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	default:
		// bool, float64, nil, objects: never a ticket id. Numbers only
		// arrive as json.Number because payloads decode with UseNumber.
		return 0, false
	}
}

// ExtractTicketID finds the ticket id in a webhook payload: the nested
// ticket object's id, falling back to a top-level ticket_id.
func ExtractTicketID(payload map[string]interface{}) (int64, bool) {
	if ticket, ok := payload["ticket"].(map[string]interface{}); ok {
		return CoerceTicketID(ticket["id"])
	}
	return CoerceTicketID(payload["ticket_id"])
}
