package signing

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"

	"github.com/tms-tools/ticket-archiver/pkg/retry"
)

func testMaterial(t *testing.T, notBefore, notAfter time.Time) *Material {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "archiver test signer"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Material{Key: key, Cert: cert}
}

func validMaterial(t *testing.T) *Material {
	return testMaterial(t, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
}

func minimalPDF() []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	offsets := make([]int, 4)
	writeObj := func(num int, body string) {
		offsets[num] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", num, body)
	}
	writeObj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	writeObj(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	writeObj(3, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")

	xref := buf.Len()
	buf.WriteString("xref\n0 4\n0000000000 65535 f \n")
	for n := 1; n <= 3; n++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[n])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}

// extractCMS pulls the DER signature container out of /Contents.
func extractCMS(t *testing.T, signed []byte) []byte {
	t.Helper()
	idx := bytes.Index(signed, []byte("/Contents <"))
	require.Positive(t, idx)
	start := idx + len("/Contents <")
	end := bytes.IndexByte(signed[start:], '>')
	require.Positive(t, end)

	raw, err := hex.DecodeString(string(signed[start : start+end]))
	require.NoError(t, err)

	hdr, content, err := parseHeader(raw)
	require.NoError(t, err)
	return raw[:hdr+content]
}

func byteRangeOf(t *testing.T, signed []byte) [4]int {
	t.Helper()
	var br [4]int
	idx := bytes.Index(signed, []byte("/ByteRange ["))
	require.Positive(t, idx)
	_, err := fmt.Sscanf(string(signed[idx:]), "/ByteRange [%d %d %d %d]", &br[0], &br[1], &br[2], &br[3])
	require.NoError(t, err)
	return br
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	signer := NewSigner(validMaterial(t), Options{Reason: "archival", Location: "archive"})
	pdf := minimalPDF()

	signed, err := signer.Sign(context.Background(), pdf)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(signed, pdf), "incremental update must keep the original bytes")
	assert.Contains(t, string(signed), "/Type /Sig")
	assert.Contains(t, string(signed), "/SubFilter /ETSI.CAdES.detached")
	assert.Contains(t, string(signed), "/AcroForm")
	assert.Contains(t, string(signed), "/Reason (archival)")

	br := byteRangeOf(t, signed)
	assert.Equal(t, 0, br[0])
	assert.Equal(t, len(signed), br[2]+br[3])

	covered := append(append([]byte(nil), signed[br[0]:br[0]+br[1]]...), signed[br[2]:br[2]+br[3]]...)

	p7, err := pkcs7.Parse(extractCMS(t, signed))
	require.NoError(t, err)
	p7.Content = covered
	assert.NoError(t, p7.Verify())
}

func TestSignRejectsExpiredCertificate(t *testing.T) {
	expired := testMaterial(t, time.Now().Add(-48*time.Hour), time.Now().Add(-time.Hour))
	signer := NewSigner(expired, Options{})

	_, err := signer.Sign(context.Background(), minimalPDF())
	var failure *retry.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, retry.CodeSigningFailed, failure.Code)
	assert.Contains(t, err.Error(), "expired")
}

func TestSignRejectsNotYetValidCertificate(t *testing.T) {
	future := testMaterial(t, time.Now().Add(time.Hour), time.Now().Add(48*time.Hour))
	signer := NewSigner(future, Options{})

	_, err := signer.Sign(context.Background(), minimalPDF())
	var failure *retry.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, retry.CodeSigningFailed, failure.Code)
}

func TestSignRejectsNonPDFInput(t *testing.T) {
	signer := NewSigner(validMaterial(t), Options{})

	for _, input := range [][]byte{nil, []byte("not a pdf"), []byte("%PDF-1.7 truncated")} {
		_, err := signer.Sign(context.Background(), input)
		var failure *retry.Failure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, retry.CodeSigningFailed, failure.Code)
	}
}

type staticTimestamper struct {
	token   []byte
	gotMsg  []byte
	failErr error
}

func (s *staticTimestamper) Token(_ context.Context, message []byte) ([]byte, error) {
	s.gotMsg = message
	if s.failErr != nil {
		return nil, s.failErr
	}
	return s.token, nil
}

func dummyToken(t *testing.T) []byte {
	t.Helper()
	token, err := asn1.Marshal(struct {
		OID   asn1.ObjectIdentifier
		Value []byte
	}{
		OID:   asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2},
		Value: []byte("timestamp-token-payload"),
	})
	require.NoError(t, err)
	return token
}

func TestSignEmbedsTimestampToken(t *testing.T) {
	token := dummyToken(t)
	tsa := &staticTimestamper{token: token}
	signer := NewSigner(validMaterial(t), Options{Timestamper: tsa})

	signed, err := signer.Sign(context.Background(), minimalPDF())
	require.NoError(t, err)

	cms := extractCMS(t, signed)
	assert.True(t, bytes.Contains(cms, token), "token must land inside the signature container")
	require.NotEmpty(t, tsa.gotMsg, "timestamper must receive the signature value")

	// the container must still parse and verify after the graft
	br := byteRangeOf(t, signed)
	covered := append(append([]byte(nil), signed[br[0]:br[0]+br[1]]...), signed[br[2]:br[2]+br[3]]...)
	p7, err := pkcs7.Parse(cms)
	require.NoError(t, err)
	p7.Content = covered
	assert.NoError(t, p7.Verify())
}

func TestSignSurfacesTimestamperFailure(t *testing.T) {
	tsa := &staticTimestamper{failErr: retry.NewTransient(retry.CodeTsaTimeout, fmt.Errorf("tsa down"))}
	signer := NewSigner(validMaterial(t), Options{Timestamper: tsa})

	_, err := signer.Sign(context.Background(), minimalPDF())
	var failure *retry.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, retry.CodeTsaTimeout, failure.Code)
	assert.Equal(t, retry.Transient, failure.Class)
}

func TestFingerprint(t *testing.T) {
	m := validMaterial(t)
	fp := m.Fingerprint()
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, m.Fingerprint(), "fingerprint is stable")
}

func TestLoadMaterialMissingFile(t *testing.T) {
	_, err := LoadMaterial("/nonexistent/bundle.pfx", "pw")
	var failure *retry.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, retry.CodeSigningMaterial, failure.Code)
}

func TestGraftKeepsOuterStructureValid(t *testing.T) {
	// SEQ { SEQ { INT } } with a suffix appended into the inner SEQ
	inner := encodeTLV(0x30, []byte{0x02, 0x01, 0x05})
	outer := encodeTLV(0x30, inner)
	suffix := []byte{0x02, 0x01, 0x07}

	out, err := graft(outer, 1, suffix)
	require.NoError(t, err)

	var decoded struct {
		Inner struct {
			A int
			B int
		}
	}
	_, err = asn1.Unmarshal(out, &decoded)
	require.NoError(t, err)
	assert.Equal(t, 5, decoded.Inner.A)
	assert.Equal(t, 7, decoded.Inner.B)
}
