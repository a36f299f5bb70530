package signing

import (
	"context"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"time"

	"go.mozilla.org/pkcs7"

	"github.com/tms-tools/ticket-archiver/pkg/retry"
)

// oidSignatureTimeStampToken is the CMS unsigned attribute carrying the
// RFC 3161 token (signature-time-stamp, RFC 3161 appendix A).
var oidSignatureTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

// TokenSource produces an RFC 3161 token over a message.
type TokenSource interface {
	Token(ctx context.Context, message []byte) ([]byte, error)
}

// Options tunes the produced signature.
type Options struct {
	Reason   string
	Location string

	// Timestamper, when set, embeds a timestamp token over the signature
	// value as an unsigned attribute.
	Timestamper TokenSource

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Signer appends invisible PAdES signatures to PDF documents as
// incremental updates, leaving the signed revision byte-identical.
type Signer struct {
	material *Material
	opts     Options
}

// NewSigner wraps loaded signing material.
func NewSigner(material *Material, opts Options) *Signer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Signer{material: material, opts: opts}
}

// Fingerprint exposes the certificate fingerprint for the audit record.
func (s *Signer) Fingerprint() string { return s.material.Fingerprint() }

// Sign returns the input PDF with an appended signature revision. The
// certificate validity window is checked per call.
func (s *Signer) Sign(ctx context.Context, pdf []byte) ([]byte, error) {
	now := s.opts.Now()
	if err := s.material.CheckValidity(now); err != nil {
		return nil, err
	}

	u, err := prepareUpdate(pdf, s.opts.Reason, s.opts.Location, now)
	if err != nil {
		return nil, err
	}

	cms, err := s.buildCMS(ctx, u.signedBytes())
	if err != nil {
		return nil, err
	}

	if err := u.fill([]byte(hex.EncodeToString(cms))); err != nil {
		return nil, err
	}
	return u.document, nil
}

// buildCMS produces the detached SignedData over the byte ranges,
// optionally extended with the timestamp token.
func (s *Signer) buildCMS(ctx context.Context, signed []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(signed)
	if err != nil {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("failed to initialise signature container: %w", err))
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSignerChain(s.material.Cert, s.material.Key, s.material.Chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("failed to sign document digest: %w", err))
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("failed to encode signature container: %w", err))
	}

	if s.opts.Timestamper == nil {
		return der, nil
	}

	parsed, err := pkcs7.Parse(der)
	if err != nil {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("failed to re-read signature container: %w", err))
	}
	if len(parsed.Signers) != 1 {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("signature container has %d signers, want 1", len(parsed.Signers)))
	}

	token, err := s.opts.Timestamper.Token(ctx, parsed.Signers[0].EncryptedDigest)
	if err != nil {
		return nil, err
	}
	return embedTimestampToken(der, token)
}

// embedTimestampToken appends the token as the unsignedAttrs of the sole
// SignerInfo. unsignedAttrs is the trailing optional field of the
// trailing SignerInfo, so the attribute set can be grafted onto the end
// of the DER spine without re-encoding anything else.
func embedTimestampToken(cmsDER, token []byte) ([]byte, error) {
	attr, err := asn1.Marshal(struct {
		Type   asn1.ObjectIdentifier
		Values asn1.RawValue `asn1:"set"`
	}{
		Type: oidSignatureTimeStampToken,
		Values: asn1.RawValue{
			Class:      asn1.ClassUniversal,
			Tag:        asn1.TagSet,
			IsCompound: true,
			Bytes:      token,
		},
	})
	if err != nil {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("failed to encode timestamp attribute: %w", err))
	}

	// [1] IMPLICIT SET OF Attribute
	unsignedAttrs := encodeTLV(0xA1, attr)

	// ContentInfo > [0] > SignedData > signerInfos > SignerInfo
	out, err := graft(cmsDER, 4, unsignedAttrs)
	if err != nil {
		return nil, retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("failed to embed timestamp token: %w", err))
	}
	return out, nil
}

// graft descends depth containers along the last-child spine and appends
// suffix to the innermost container's content, re-encoding the lengths on
// the way out.
func graft(node []byte, depth int, suffix []byte) ([]byte, error) {
	hdrLen, contentLen, err := parseHeader(node)
	if err != nil {
		return nil, err
	}
	if hdrLen+contentLen != len(node) {
		return nil, fmt.Errorf("trailing bytes after container")
	}
	content := node[hdrLen:]

	if depth == 0 {
		return encodeTLV(node[0], append(append([]byte(nil), content...), suffix...)), nil
	}

	offset, lastStart := 0, -1
	for offset < len(content) {
		h, c, err := parseHeader(content[offset:])
		if err != nil {
			return nil, err
		}
		lastStart = offset
		offset += h + c
	}
	if lastStart < 0 {
		return nil, fmt.Errorf("container has no children")
	}

	newChild, err := graft(content[lastStart:], depth-1, suffix)
	if err != nil {
		return nil, err
	}
	newContent := append(append([]byte(nil), content[:lastStart]...), newChild...)
	return encodeTLV(node[0], newContent), nil
}

// parseHeader reads a DER tag-length header, returning header and content
// lengths. Multi-byte tags do not occur in CMS structures.
func parseHeader(b []byte) (hdrLen, contentLen int, err error) {
	if len(b) < 2 {
		return 0, 0, fmt.Errorf("truncated DER element")
	}
	if b[0]&0x1f == 0x1f {
		return 0, 0, fmt.Errorf("unsupported multi-byte DER tag")
	}
	if b[1] < 0x80 {
		hdrLen, contentLen = 2, int(b[1])
	} else {
		n := int(b[1] & 0x7f)
		if n == 0 || n > 4 || len(b) < 2+n {
			return 0, 0, fmt.Errorf("unsupported DER length encoding")
		}
		for i := 0; i < n; i++ {
			contentLen = contentLen<<8 | int(b[2+i])
		}
		hdrLen = 2 + n
	}
	if len(b) < hdrLen+contentLen {
		return 0, 0, fmt.Errorf("truncated DER content")
	}
	return hdrLen, contentLen, nil
}

func encodeTLV(tag byte, content []byte) []byte {
	n := len(content)
	var out []byte
	switch {
	case n < 0x80:
		out = []byte{tag, byte(n)}
	case n < 0x100:
		out = []byte{tag, 0x81, byte(n)}
	case n < 0x10000:
		out = []byte{tag, 0x82, byte(n >> 8), byte(n)}
	default:
		out = []byte{tag, 0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	}
	return append(out, content...)
}
