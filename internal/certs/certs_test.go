package certs

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		validity time.Duration
		want     time.Duration
	}{
		{"one day", 24 * time.Hour, 24 * time.Hour},
		{"too long", 30 * 24 * time.Hour, MaxValidity},
		{"zero", 0, MaxValidity},
		{"negative", -time.Hour, MaxValidity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cert, err := Generate(tt.validity)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := leaf.NotAfter.Sub(leaf.NotBefore); got != tt.want {
				t.Errorf("validity: got %v, want %v", got, tt.want)
			}
			if leaf.Subject.CommonName != "vcam" {
				t.Errorf("common name: got %q, want %q", leaf.Subject.CommonName, "vcam")
			}
			if cert.Fingerprint != sha256.Sum256(leaf.Raw) {
				t.Error("fingerprint does not match the DER certificate")
			}
			if cert.FingerprintBase64() == "" || len(cert.FingerprintHex()) != 64 {
				t.Errorf("fingerprint encodings: %q %q", cert.FingerprintBase64(), cert.FingerprintHex())
			}
		})
	}
}

func TestPinnedClientConfig(t *testing.T) {
	t.Parallel()

	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	state := tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}}

	cfg := PinnedClientConfig(cert.Fingerprint, "vcam-nv21")
	if err := cfg.VerifyConnection(state); err != nil {
		t.Errorf("matching fingerprint: got %v, want nil", err)
	}
	if got := cfg.NextProtos; len(got) != 1 || got[0] != "vcam-nv21" {
		t.Errorf("next protos: got %v", got)
	}

	other := PinnedClientConfig([32]byte{1})
	if err := other.VerifyConnection(state); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("other fingerprint: got %v, want %v", err, ErrFingerprintMismatch)
	}
	if err := other.VerifyConnection(tls.ConnectionState{}); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("no certificate: got %v, want %v", err, ErrFingerprintMismatch)
	}
}
