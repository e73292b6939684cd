package validation

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cloudx-io/openiico/saleapi"
)

// awsNitroRootCA is the AWS Nitro Enclaves root certificate (P-384, valid until 2049-10-28).
// Source: https://aws-nitro-enclaves.amazonaws.com/AWS_NitroEnclaves_Root-G1.zip
const awsNitroRootCA = `-----BEGIN CERTIFICATE-----
MIICETCCAZagAwIBAgIRAPkxdWgbkK/hHUbMtOTn+FYwCgYIKoZIzj0EAwMwSTEL
MAkGA1UEBhMCVVMxDzANBgNVBAoMBkFtYXpvbjEMMAoGA1UECwwDQVdTMRswGQYD
VQQDDBJhd3Mubml0cm8tZW5jbGF2ZXMwHhcNMTkxMDI4MTMyODA1WhcNNDkxMDI4
MTQyODA1WjBJMQswCQYDVQQGEwJVUzEPMA0GA1UECgwGQW1hem9uMQwwCgYDVQQL
DANBV1MxGzAZBgNVBAMMEmF3cy5uaXRyby1lbmNsYXZlczB2MBAGByqGSM49AgEG
BSuBBAAiA2IABPwCVOumCMHzaHDimtqQvkY4MpJzbolL//Zy2YlES1BR5TSksfbb
48C8WBoyt7F2Bw7eEtaaP+ohG2bnUs990d0JX28TcPQXCEPZ3BABIeTPYwEoCWZE
h8l5YoQwTcU/9KNCMEAwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUkCW1DdkF
R+eWw5b6cp3PmanfS5YwDgYDVR0PAQH/BAQDAgGGMAoGCCqGSM49BAMDA2kAMGYC
MQCjfy+Rocm9Xue4YnwWmNJVA44fA0P5W2OpYow9OYCVRaEevL8uO1XYru5xtMPW
rfMCMQCi85sWBbJwKKXdS6BptQFuZbT73o/gBh1qUxl/nNr12UO8Yfwr6wPLb+6N
IwLz3/Y=
-----END CERTIFICATE-----`

var (
	errNoCertificate = errors.New("attestation carries no signing certificate")
	errNoCABundle    = errors.New("attestation carries no CA bundle")
)

// NitroRootPool returns a pool holding only the AWS Nitro root certificate.
func NitroRootPool() (*x509.CertPool, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(awsNitroRootCA)) {
		return nil, fmt.Errorf("failed to parse AWS Nitro root CA")
	}
	return roots, nil
}

// SigningCertificate is the enclave certificate an attestation was signed with, together
// with the CA bundle that links it to the Nitro root.
type SigningCertificate struct {
	Leaf     *x509.Certificate
	caBundle []string
}

// ParseSigningCertificate decodes the leaf certificate of an attestation document. The
// CA bundle is decoded later by VerifyChain so a bad bundle does not hide the signature.
func ParseSigningCertificate(doc saleapi.AttestationDoc) (*SigningCertificate, error) {
	if doc.Certificate == "" {
		return nil, errNoCertificate
	}
	leaf, err := decodeCertificate(doc.Certificate)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	return &SigningCertificate{Leaf: leaf, caBundle: doc.CABundle}, nil
}

// VerifyChain checks that the leaf chains to roots and is valid at the given time. A nil
// roots pool means the AWS Nitro root CA; a zero time means now.
func (sc *SigningCertificate) VerifyChain(at time.Time, roots *x509.CertPool) error {
	if len(sc.caBundle) == 0 {
		return errNoCABundle
	}
	intermediates := x509.NewCertPool()
	for i, b64 := range sc.caBundle {
		ca, err := decodeCertificate(b64)
		if err != nil {
			return fmt.Errorf("CA bundle entry %d: %w", i, err)
		}
		intermediates.AddCert(ca)
	}
	if roots == nil {
		var err error
		if roots, err = NitroRootPool(); err != nil {
			return err
		}
	}
	_, err := sc.Leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("certificate chain validation failed: %w", err)
	}
	return nil
}

// PublicKey returns the leaf's ECDSA key, the only kind Nitro enclaves sign with.
func (sc *SigningCertificate) PublicKey() (*ecdsa.PublicKey, error) {
	key, ok := sc.Leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate public key is %T, not ECDSA", sc.Leaf.PublicKey)
	}
	return key, nil
}

func decodeCertificate(b64 string) (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return cert, nil
}
