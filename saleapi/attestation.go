package saleapi

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// AttestationCOSE is a raw COSE_Sign1 attestation as returned by the NSM.
type AttestationCOSE []byte

// AttestationCOSEBase64 is the standard base64 form carried in JSON responses.
type AttestationCOSEBase64 string

// AttestationCOSEURLBase64 is the unpadded URL-safe base64 form.
type AttestationCOSEURLBase64 string

// AttestationCOSEGzip is the gzip-compressed, unpadded URL-safe base64 form used when the
// attestation travels in a query string.
type AttestationCOSEGzip string

// EncodeBase64 encodes the attestation with standard base64.
func (a AttestationCOSE) EncodeBase64() AttestationCOSEBase64 {
	return AttestationCOSEBase64(base64.StdEncoding.EncodeToString(a))
}

// EncodeURLSafe encodes the attestation with unpadded URL-safe base64.
func (a AttestationCOSE) EncodeURLSafe() AttestationCOSEURLBase64 {
	return AttestationCOSEURLBase64(base64.RawURLEncoding.EncodeToString(a))
}

// CompressGzip gzips the attestation and encodes it with unpadded URL-safe base64.
// The output is deterministic for equal input.
func (a AttestationCOSE) CompressGzip() (AttestationCOSEGzip, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(a); err != nil {
		return "", fmt.Errorf("compress COSE: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress COSE: %w", err)
	}
	return AttestationCOSEGzip(base64.RawURLEncoding.EncodeToString(buf.Bytes())), nil
}

func (s AttestationCOSEBase64) String() string { return string(s) }

// Decode returns the raw attestation bytes.
func (s AttestationCOSEBase64) Decode() (AttestationCOSE, error) {
	raw, err := base64.StdEncoding.DecodeString(string(s))
	if err != nil {
		return nil, fmt.Errorf("decode COSE base64: %w", err)
	}
	return AttestationCOSE(raw), nil
}

// CompressGzip decodes and re-encodes the attestation in gzip form.
func (s AttestationCOSEBase64) CompressGzip() (AttestationCOSEGzip, error) {
	raw, err := s.Decode()
	if err != nil {
		return "", err
	}
	return raw.CompressGzip()
}

func (s AttestationCOSEURLBase64) String() string { return string(s) }

// Decode returns the raw attestation bytes. Missing padding is tolerated.
func (s AttestationCOSEURLBase64) Decode() (AttestationCOSE, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(string(s), "="))
	if err != nil {
		return nil, fmt.Errorf("decode COSE URL base64: %w", err)
	}
	return AttestationCOSE(raw), nil
}

func (s AttestationCOSEGzip) String() string { return string(s) }

// Decompress returns the raw attestation bytes.
func (s AttestationCOSEGzip) Decompress() (AttestationCOSE, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(string(s), "="))
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress COSE: %w", err)
	}
	return AttestationCOSE(raw), nil
}
