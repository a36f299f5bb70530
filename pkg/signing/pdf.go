package signing

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/tms-tools/ticket-archiver/pkg/retry"
)

// sigPlaceholderBytes reserves room for the DER CMS container (including
// chain certificates and a timestamp token) inside /Contents.
const sigPlaceholderBytes = 12288

const byteRangePlaceholder = "/ByteRange [0 0000000000 0000000000 0000000000]"

var (
	rootRefRe   = regexp.MustCompile(`/Root\s+(\d+)\s+\d+\s+R`)
	startxrefRe = regexp.MustCompile(`startxref\s+(\d+)`)
	objHeaderRe = regexp.MustCompile(`(?m)^(\d+)\s+\d+\s+obj\b`)
)

func lastSubmatch(re *regexp.Regexp, data []byte) []byte {
	matches := re.FindAllSubmatch(data, -1)
	if len(matches) == 0 {
		return nil
	}
	return matches[len(matches)-1][1]
}

// update holds the prepared incremental section before the signature is
// filled in. Offsets are absolute within the final document.
type update struct {
	document      []byte
	contentsStart int // offset of the '<' opening /Contents
	contentsEnd   int // offset just past the closing '>'
}

// byteRange returns the two signed ranges: everything before the
// /Contents hex string and everything after it.
func (u *update) byteRange() [4]int {
	return [4]int{
		0, u.contentsStart,
		u.contentsEnd, len(u.document) - u.contentsEnd,
	}
}

// signedBytes concatenates the byte ranges the CMS signature covers.
func (u *update) signedBytes() []byte {
	br := u.byteRange()
	out := make([]byte, 0, br[1]+br[3])
	out = append(out, u.document[br[0]:br[0]+br[1]]...)
	out = append(out, u.document[br[2]:br[2]+br[3]]...)
	return out
}

// fill writes the hex-encoded signature into the reserved /Contents
// window, zero-padded to the placeholder size.
func (u *update) fill(hexSig []byte) error {
	window := u.contentsEnd - u.contentsStart - 2
	if len(hexSig) > window {
		return retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("signature needs %d hex chars but only %d are reserved", len(hexSig), window))
	}
	copy(u.document[u.contentsStart+1:], hexSig)
	return nil
}

// prepareUpdate appends the incremental section: signature object,
// invisible widget field, AcroForm, updated catalog, and the cross
// reference section. The /Contents value is a zero placeholder and
// /ByteRange carries the final offsets.
func prepareUpdate(pdf []byte, reason, location string, now time.Time) (*update, error) {
	if len(pdf) == 0 || !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("input is not a PDF document"))
	}

	rootRaw := lastSubmatch(rootRefRe, pdf)
	if rootRaw == nil {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("PDF trailer has no /Root reference"))
	}
	rootNum, _ := strconv.Atoi(string(rootRaw))

	prevRaw := lastSubmatch(startxrefRe, pdf)
	if prevRaw == nil {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("PDF has no startxref marker"))
	}
	prevXref, _ := strconv.Atoi(string(prevRaw))

	catalog, err := extractObjectDict(pdf, rootNum)
	if err != nil {
		return nil, err
	}
	if bytes.Contains(catalog, []byte("/AcroForm")) {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("PDF already carries an AcroForm; refusing to overwrite it"))
	}

	maxObj := rootNum
	for _, m := range objHeaderRe.FindAllSubmatch(pdf, -1) {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > maxObj {
			maxObj = n
		}
	}
	sigNum := maxObj + 1
	fieldNum := maxObj + 2
	acroNum := maxObj + 3

	var buf bytes.Buffer
	if pdf[len(pdf)-1] != '\n' {
		buf.WriteByte('\n')
	}

	offsets := map[int]int{}

	offsets[sigNum] = len(pdf) + buf.Len()
	buf.WriteString(fmt.Sprintf("%d 0 obj\n<< /Type /Sig /Filter /Adobe.PPKLite /SubFilter /ETSI.CAdES.detached ", sigNum))
	buf.WriteString(byteRangePlaceholder)
	buf.WriteString(" /Contents <")
	contentsStart := len(pdf) + buf.Len() - 1
	buf.Write(bytes.Repeat([]byte("0"), sigPlaceholderBytes*2))
	buf.WriteString(">")
	contentsEnd := len(pdf) + buf.Len()
	buf.WriteString(fmt.Sprintf(" /M (D:%s)", now.UTC().Format("20060102150405Z")))
	if reason != "" {
		buf.WriteString(" /Reason (" + escapePDFString(reason) + ")")
	}
	if location != "" {
		buf.WriteString(" /Location (" + escapePDFString(location) + ")")
	}
	buf.WriteString(" >>\nendobj\n")

	offsets[fieldNum] = len(pdf) + buf.Len()
	buf.WriteString(fmt.Sprintf(
		"%d 0 obj\n<< /Type /Annot /Subtype /Widget /FT /Sig /T (Signature1) /Rect [0 0 0 0] /F 132 /V %d 0 R >>\nendobj\n",
		fieldNum, sigNum))

	offsets[acroNum] = len(pdf) + buf.Len()
	buf.WriteString(fmt.Sprintf(
		"%d 0 obj\n<< /Fields [%d 0 R] /SigFlags 3 >>\nendobj\n", acroNum, fieldNum))

	offsets[rootNum] = len(pdf) + buf.Len()
	updated := appendDictEntry(catalog, fmt.Sprintf("/AcroForm %d 0 R", acroNum))
	buf.WriteString(fmt.Sprintf("%d 0 obj\n", rootNum))
	buf.Write(updated)
	buf.WriteString("\nendobj\n")

	xrefOffset := len(pdf) + buf.Len()
	buf.WriteString("xref\n")
	buf.WriteString(fmt.Sprintf("%d 1\n%010d 00000 n \n", rootNum, offsets[rootNum]))
	buf.WriteString(fmt.Sprintf("%d 3\n", sigNum))
	for _, n := range []int{sigNum, fieldNum, acroNum} {
		buf.WriteString(fmt.Sprintf("%010d 00000 n \n", offsets[n]))
	}
	buf.WriteString(fmt.Sprintf(
		"trailer\n<< /Size %d /Root %d 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n",
		acroNum+1, rootNum, prevXref, xrefOffset))

	document := append(append([]byte(nil), pdf...), buf.Bytes()...)

	u := &update{document: document, contentsStart: contentsStart, contentsEnd: contentsEnd}
	br := u.byteRange()
	actual := fmt.Sprintf("/ByteRange [0 %010d %010d %010d]", br[1], br[2], br[3])
	if len(actual) != len(byteRangePlaceholder) {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("byte range exceeds the reserved width"))
	}
	idx := bytes.LastIndex(document, []byte(byteRangePlaceholder))
	copy(document[idx:], actual)

	return u, nil
}

// extractObjectDict returns the dictionary body of "num 0 obj".
func extractObjectDict(pdf []byte, num int) ([]byte, error) {
	re := regexp.MustCompile(`(?m)^` + strconv.Itoa(num) + `\s+\d+\s+obj\b`)
	locs := re.FindAllIndex(pdf, -1)
	if locs == nil {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("PDF object %d not found", num))
	}
	start := locs[len(locs)-1][1]
	end := bytes.Index(pdf[start:], []byte("endobj"))
	if end < 0 {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("PDF object %d is not terminated", num))
	}
	return bytes.TrimSpace(pdf[start : start+end]), nil
}

// appendDictEntry inserts an entry before the dictionary's closing >>.
func appendDictEntry(dict []byte, entry string) []byte {
	idx := bytes.LastIndex(dict, []byte(">>"))
	if idx < 0 {
		return dict
	}
	var out bytes.Buffer
	out.Write(dict[:idx])
	out.WriteString(" " + entry + " ")
	out.Write(dict[idx:])
	return out.Bytes()
}

func escapePDFString(s string) string {
	var out bytes.Buffer
	for _, r := range s {
		switch r {
		case '(', ')', '\\':
			out.WriteByte('\\')
			out.WriteRune(r)
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}
