package cryptoutil_test

import (
	"bytes"
	"testing"

	"github.com/wolfstream/host/internal/cryptoutil"
)

func TestECBRoundTrip(t *testing.T) {
	t.Parallel()

	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}

	plaintext := cryptoutil.PadPKCS7([]byte("GET_SERVER_CERT challenge payload"))

	ciphertext, err := cryptoutil.EncryptECB(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext must differ from plaintext")
	}

	decrypted, err := cryptoutil.DecryptECB(key, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	unpadded, err := cryptoutil.UnpadPKCS7(decrypted)
	if err != nil {
		t.Fatalf("unpad: %v", err)
	}
	if string(unpadded) != "GET_SERVER_CERT challenge payload" {
		t.Fatalf("round trip mismatch: got %q", unpadded)
	}
}

func TestEncryptECBRejectsUnalignedInput(t *testing.T) {
	t.Parallel()

	key := make([]byte, 16)
	if _, err := cryptoutil.EncryptECB(key, []byte("not16bytes")); err == nil {
		t.Fatal("expected error for non-block-aligned plaintext")
	}
}

func TestUnpadPKCS7RejectsInvalidPadding(t *testing.T) {
	t.Parallel()

	bad := make([]byte, 16)
	bad[15] = 0 // zero pad length is invalid
	if _, err := cryptoutil.UnpadPKCS7(bad); err == nil {
		t.Fatal("expected error for zero padding byte")
	}

	bad2 := make([]byte, 16)
	bad2[15] = 200 // larger than block size
	if _, err := cryptoutil.UnpadPKCS7(bad2); err == nil {
		t.Fatal("expected error for oversized padding byte")
	}
}

func TestGenerateHostIdentityProducesParsableCertificate(t *testing.T) {
	t.Parallel()

	identity, err := cryptoutil.GenerateHostIdentity("wolfstream-host")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	parsed, err := cryptoutil.ParseCertificatePEM(identity.CertPEM)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Subject.CommonName != "wolfstream-host" {
		t.Fatalf("unexpected common name: %q", parsed.Subject.CommonName)
	}
}

func TestCertificatesEqual(t *testing.T) {
	t.Parallel()

	identity, err := cryptoutil.GenerateHostIdentity("client-a")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	other, err := cryptoutil.GenerateHostIdentity("client-b")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	reparsed, err := cryptoutil.ParseCertificatePEM(identity.CertPEM)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	if !cryptoutil.CertificatesEqual(identity.Cert, reparsed) {
		t.Fatal("expected a certificate to equal its own reparsed PEM round trip")
	}
	if cryptoutil.CertificatesEqual(identity.Cert, other.Cert) {
		t.Fatal("expected distinct certificates to compare unequal")
	}
	if cryptoutil.CertificatesEqual(nil, nil) != true {
		t.Fatal("expected two nil certificates to compare equal")
	}
	if cryptoutil.CertificatesEqual(identity.Cert, nil) {
		t.Fatal("expected a non-nil certificate to not equal nil")
	}
}
