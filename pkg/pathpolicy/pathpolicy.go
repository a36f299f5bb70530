package pathpolicy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultMaxDepth bounds the number of directory segments under the root.
	DefaultMaxDepth = 10
	// DefaultMaxSegmentLength bounds each directory segment.
	DefaultMaxSegmentLength = 64
	// MaxFilenameLength bounds the rendered filename.
	MaxFilenameLength = 255
)

var (
	multiUnderscoreRe = regexp.MustCompile(`_+`)
	prefixSplitRe     = regexp.MustCompile(`[>/]`)
	placeholderRe     = regexp.MustCompile(`\{([a-z_]+)\}`)
)

// SanitizeSegment produces a filesystem-safe path segment.
//
// Unicode is normalized to NFKD with combining marks stripped, so "ü"
// becomes "u". Remaining non-ASCII runes and whitespace become "_", only
// [A-Za-z0-9._-] survive, and consecutive underscores collapse. A non-empty
// input never sanitizes to the empty string; it falls back to "_".
func SanitizeSegment(seg string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(seg) {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark stripped by decomposition
		case r >= 128:
			b.WriteByte('_')
		case unicode.IsSpace(r):
			b.WriteByte('_')
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := multiUnderscoreRe.ReplaceAllString(b.String(), "_")
	if seg != "" && out == "" {
		out = "_"
	}
	return out
}

// ValidateSegments checks raw or sanitized segments against the structural
// rules: depth bound, non-empty, no dot segments, no separators or null
// bytes, and per-segment length bound.
func ValidateSegments(segments []string, maxDepth, maxLength int) error {
	if maxDepth <= 0 {
		return fmt.Errorf("max depth must be > 0")
	}
	if maxLength <= 0 {
		return fmt.Errorf("max length must be > 0")
	}
	if len(segments) > maxDepth {
		return fmt.Errorf("too many path segments: %d exceeds max depth %d", len(segments), maxDepth)
	}
	for _, seg := range segments {
		if err := validateSegment(seg, maxLength); err != nil {
			return err
		}
	}
	return nil
}

func validateSegment(seg string, maxLength int) error {
	if seg == "" {
		return fmt.Errorf("empty path segment is not allowed")
	}
	if seg == "." || seg == ".." {
		return fmt.Errorf("dot segments are not allowed")
	}
	if strings.ContainsRune(seg, 0) {
		return fmt.Errorf("null bytes are not allowed in path segments")
	}
	if strings.ContainsAny(seg, `/\`) {
		return fmt.Errorf("path separators are not allowed in segments")
	}
	if utf8.RuneCountInString(seg) > maxLength {
		return fmt.Errorf("path segment too long: %q exceeds %d characters", seg, maxLength)
	}
	return nil
}

// ParseArchivePath splits the archive_path custom field into raw segments.
// String values use ">" as separator; list values are taken as-is. Blank
// segments are dropped; an all-blank value is an error.
func ParseArchivePath(value interface{}) ([]string, error) {
	var parts []string
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("archive_path is missing")
	case string:
		for _, p := range strings.Split(v, ">") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
	case []string:
		for _, p := range v {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
	case []interface{}:
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("archive_path[%d] must be a string", i)
			}
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
	default:
		return nil, fmt.Errorf("archive_path must be a string or list of strings")
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("archive_path has no usable segments")
	}
	return parts, nil
}

func parsePrefixSegments(prefix string) ([]string, error) {
	if strings.TrimSpace(prefix) == "" {
		return nil, fmt.Errorf("allow prefix entries must be non-empty")
	}
	var parts []string
	for _, p := range prefixSplitRe.Split(prefix, -1) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("allow prefix entry %q produced no segments", prefix)
	}
	return parts, nil
}

// BuildTargetDir builds the deterministic directory path
// root/<sanitized-user>/<sanitized-segments...>.
//
// Raw inputs are validated first (separators, dot segments, null bytes, and
// length bounds are rejected before sanitisation can mask them), then
// sanitized, then validated again. AllowPrefixes distinguishes three states:
// nil places no restriction, an empty slice denies every path, and a
// non-empty slice requires the sanitized segments to match one prefix.
func BuildTargetDir(root, username string, segments []string, allowPrefixes []string) (string, error) {
	if err := ValidateSegments([]string{username}, 1, DefaultMaxSegmentLength); err != nil {
		return "", fmt.Errorf("invalid username: %w", err)
	}
	if err := ValidateSegments(segments, DefaultMaxDepth, DefaultMaxSegmentLength); err != nil {
		return "", err
	}

	userSafe := SanitizeSegment(username)
	segsSafe := make([]string, len(segments))
	for i, s := range segments {
		segsSafe[i] = SanitizeSegment(s)
	}

	if err := ValidateSegments([]string{userSafe}, 1, DefaultMaxSegmentLength); err != nil {
		return "", fmt.Errorf("invalid username after sanitisation: %w", err)
	}
	if err := ValidateSegments(segsSafe, DefaultMaxDepth, DefaultMaxSegmentLength); err != nil {
		return "", err
	}

	if allowPrefixes != nil {
		matched := false
		for _, prefix := range allowPrefixes {
			prefixParts, err := parsePrefixSegments(prefix)
			if err != nil {
				return "", err
			}
			if err := ValidateSegments(prefixParts, DefaultMaxDepth, DefaultMaxSegmentLength); err != nil {
				return "", fmt.Errorf("invalid allow prefix %q: %w", prefix, err)
			}
			prefixSafe := make([]string, len(prefixParts))
			for i, p := range prefixParts {
				prefixSafe[i] = SanitizeSegment(p)
			}
			if hasPrefix(segsSafe, prefixSafe) {
				matched = true
			}
		}
		if !matched {
			return "", fmt.Errorf("archive_path is not allowed by the prefix policy")
		}
	}

	target := filepath.Join(append([]string{root, userSafe}, segsSafe...)...)
	if err := EnsureWithinRoot(root, target); err != nil {
		return "", err
	}
	return target, nil
}

func hasPrefix(segments, prefix []string) bool {
	if len(prefix) > len(segments) {
		return false
	}
	for i, p := range prefix {
		if segments[i] != p {
			return false
		}
	}
	return true
}

// EnsureWithinRoot rejects targets that escape the storage root after
// lexical resolution.
func EnsureWithinRoot(root, target string) error {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root: %w", err)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("failed to resolve target: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("target path escapes storage root")
	}
	return nil
}

// BuildFilename renders a deterministic, filesystem-safe filename from a
// pattern. Supported placeholders are {ticket_number}, {timestamp_utc}, and
// {date_utc} (an alias); anything else is an error. The rendered name must
// be a single safe segment.
func BuildFilename(pattern, ticketNumber, timestampUTC string) (string, error) {
	if strings.TrimSpace(pattern) == "" {
		return "", fmt.Errorf("filename pattern must be non-empty")
	}

	ticketSafe := SanitizeSegment(ticketNumber)
	tsSafe := SanitizeSegment(timestampUTC)

	var badPlaceholder string
	rendered := placeholderRe.ReplaceAllStringFunc(pattern, func(m string) string {
		name := m[1 : len(m)-1]
		switch name {
		case "ticket_number":
			return ticketSafe
		case "timestamp_utc", "date_utc":
			return tsSafe
		default:
			if badPlaceholder == "" {
				badPlaceholder = name
			}
			return m
		}
	})
	if badPlaceholder != "" {
		return "", fmt.Errorf("invalid filename pattern: unknown placeholder %q", badPlaceholder)
	}

	rendered = strings.TrimSpace(rendered)
	if rendered == "" {
		return "", fmt.Errorf("filename pattern produced an empty filename")
	}
	if strings.ContainsAny(rendered, `/\`) || strings.ContainsRune(rendered, 0) {
		return "", fmt.Errorf("filename pattern must not include path separators or null bytes")
	}
	if err := ValidateSegments([]string{rendered}, 1, MaxFilenameLength); err != nil {
		return "", err
	}
	return rendered, nil
}
