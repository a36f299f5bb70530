package signing

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/tms-tools/ticket-archiver/pkg/retry"
)

// Material is the loaded signing identity: private key, certificate, and
// any chain certificates shipped in the PKCS#12 bundle.
type Material struct {
	Key   crypto.PrivateKey
	Cert  *x509.Certificate
	Chain []*x509.Certificate
}

// LoadMaterial reads and decodes a PKCS#12 bundle. It is called once at
// startup so a bad path or password fails the service fast instead of the
// first job.
func LoadMaterial(path, password string) (*Material, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, retry.NewPermanent(retry.CodeSigningMaterial,
			fmt.Errorf("cannot read PKCS#12 bundle %s: %w", path, err))
	}

	blocks, err := pkcs12.ToPEM(raw, password)
	if err != nil {
		return nil, retry.NewPermanent(retry.CodeSigningMaterial,
			fmt.Errorf("cannot decode PKCS#12 bundle %s (wrong password or corrupted file): %w", path, err))
	}

	material := &Material{}
	for _, block := range blocks {
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, retry.NewPermanent(retry.CodeSigningMaterial,
					fmt.Errorf("invalid certificate in PKCS#12 bundle: %w", err))
			}
			if material.Cert == nil {
				material.Cert = cert
			} else {
				material.Chain = append(material.Chain, cert)
			}
		case "PRIVATE KEY":
			key, err := parsePrivateKey(block.Bytes)
			if err != nil {
				return nil, retry.NewPermanent(retry.CodeSigningMaterial,
					fmt.Errorf("invalid private key in PKCS#12 bundle: %w", err))
			}
			material.Key = key
		}
	}

	if material.Key == nil || material.Cert == nil {
		return nil, retry.NewPermanent(retry.CodeSigningMaterial,
			fmt.Errorf("PKCS#12 bundle %s must contain a private key and certificate", path))
	}
	return material, nil
}

func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return x509.ParsePKCS8PrivateKey(der)
}

// CheckValidity rejects signing outside the certificate's validity
// window. Checked per job, not just at load, because a long-running
// service can cross the expiry while up.
func (m *Material) CheckValidity(now time.Time) error {
	if now.Before(m.Cert.NotBefore) {
		return retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("signing certificate is not valid before %s", m.Cert.NotBefore.UTC().Format(time.RFC3339)))
	}
	if now.After(m.Cert.NotAfter) {
		return retry.NewPermanent(retry.CodeSigningFailed,
			fmt.Errorf("signing certificate expired on %s", m.Cert.NotAfter.UTC().Format(time.RFC3339)))
	}
	return nil
}

// Fingerprint returns the SHA-256 of the DER certificate, hex encoded,
// for the audit record.
func (m *Material) Fingerprint() string {
	sum := sha256.Sum256(m.Cert.Raw)
	return hex.EncodeToString(sum[:])
}
