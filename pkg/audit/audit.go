package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ServiceName identifies the archiver in sidecar records.
const ServiceName = "ticket-archiver"

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FormatTimestampUTC renders a timestamp as second-precision UTC with a Z
// suffix, the only time format used in sidecars and filenames.
func FormatTimestampUTC(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// AttachmentRecord describes one archived attachment in the sidecar.
type AttachmentRecord struct {
	ArticleID    int64  `json:"article_id"`
	AttachmentID int64  `json:"attachment_id"`
	Filename     string `json:"filename"`
	SHA256       string `json:"sha256"`
	StoragePath  string `json:"storage_path"`
}

// SigningInfo records how the document was signed.
type SigningInfo struct {
	CertFingerprint string `json:"cert_fingerprint,omitempty"`
	Enabled         bool   `json:"enabled"`
	TSAUsed         bool   `json:"tsa_used"`
}

// ServiceInfo records which service build produced the archive.
type ServiceInfo struct {
	Name    string `json:"name"`
	Runtime string `json:"runtime_version"`
	Version string `json:"version"`
}

// Record is the audit sidecar stored next to each archived PDF. Fields are
// declared in key order so the encoded document is byte-stable for a given
// input.
type Record struct {
	Attachments  []AttachmentRecord `json:"attachments,omitempty"`
	CreatedAt    string             `json:"created_at"`
	Service      ServiceInfo        `json:"service"`
	SHA256       string             `json:"sha256"`
	Signing      SigningInfo        `json:"signing"`
	StoragePath  string             `json:"storage_path"`
	TicketID     int64              `json:"ticket_id"`
	TicketNumber string             `json:"ticket_number"`
	Title        string             `json:"title"`
}

// Params carries the inputs for one audit record.
type Params struct {
	TicketID        int64
	TicketNumber    string
	Title           string
	CreatedAt       time.Time
	StoragePath     string
	SHA256          string
	SigningEnabled  bool
	TSAUsed         bool
	CertFingerprint string
	ServiceVersion  string
	Attachments     []AttachmentRecord
}

// Build assembles the audit record for an archived ticket.
func Build(p Params) Record {
	version := p.ServiceVersion
	if version == "" {
		version = "unknown"
	}
	signing := SigningInfo{
		Enabled: p.SigningEnabled,
		TSAUsed: p.TSAUsed,
	}
	if p.SigningEnabled {
		signing.CertFingerprint = p.CertFingerprint
	}
	return Record{
		Attachments:  p.Attachments,
		CreatedAt:    FormatTimestampUTC(p.CreatedAt),
		Service:      ServiceInfo{Name: ServiceName, Runtime: runtime.Version(), Version: version},
		SHA256:       p.SHA256,
		Signing:      signing,
		StoragePath:  p.StoragePath,
		TicketID:     p.TicketID,
		TicketNumber: p.TicketNumber,
		Title:        strings.TrimSpace(p.Title),
	}
}

// Encode renders the record as indented JSON with a trailing newline.
// Non-ASCII text passes through unescaped.
func (r Record) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("failed to encode audit record: %w", err)
	}
	return buf.Bytes(), nil
}
