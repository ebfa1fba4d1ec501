// Package cryptoutil implements the cryptographic primitives the pairing
// handshake (spec §4.3) is defined in terms of: AES-128-ECB encrypt/decrypt
// (mandated by the wire protocol itself, not a choice made here), SHA-256
// hashing, and self-signed RSA/X.509 host identity generation.
package cryptoutil

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// AESBlockSize is the AES cipher block size, also the ECB padding unit.
const AESBlockSize = aes.BlockSize

// EncryptECB encrypts plaintext with key using AES in ECB mode, one block
// at a time. The wire protocol (spec §6, GET_SERVER_CERT/CLIENT_CHALLENGE
// exchange) requires ECB specifically to match the Moonlight client, which
// is why this reimplements the mode Go's crypto/cipher deliberately omits.
// len(plaintext) must be a multiple of AESBlockSize; callers pad beforehand.
func EncryptECB(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	if len(plaintext)%AESBlockSize != 0 {
		return nil, fmt.Errorf("cryptoutil: ecb encrypt: plaintext length %d is not a multiple of block size %d", len(plaintext), AESBlockSize)
	}

	out := make([]byte, len(plaintext))
	for offset := 0; offset < len(plaintext); offset += AESBlockSize {
		block.Encrypt(out[offset:offset+AESBlockSize], plaintext[offset:offset+AESBlockSize])
	}
	return out, nil
}

// DecryptECB is the inverse of EncryptECB.
func DecryptECB(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	if len(ciphertext)%AESBlockSize != 0 {
		return nil, fmt.Errorf("cryptoutil: ecb decrypt: ciphertext length %d is not a multiple of block size %d", len(ciphertext), AESBlockSize)
	}

	out := make([]byte, len(ciphertext))
	for offset := 0; offset < len(ciphertext); offset += AESBlockSize {
		block.Decrypt(out[offset:offset+AESBlockSize], ciphertext[offset:offset+AESBlockSize])
	}
	return out, nil
}

// PadPKCS7 pads data to a multiple of AESBlockSize using PKCS#7. The
// pairing handshake pads challenge/secret payloads before ECB-encrypting
// them (spec §4.3 phase 2/4).
func PadPKCS7(data []byte) []byte {
	padLen := AESBlockSize - len(data)%AESBlockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// UnpadPKCS7 removes PKCS#7 padding added by PadPKCS7.
func UnpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%AESBlockSize != 0 {
		return nil, fmt.Errorf("cryptoutil: unpad: invalid padded length %d", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > AESBlockSize || padLen > len(data) {
		return nil, fmt.Errorf("cryptoutil: unpad: invalid padding byte %d", padLen)
	}
	return data[:len(data)-padLen], nil
}

// SHA256Sum returns the SHA-256 digest of data, used throughout the
// handshake to derive AES keys from challenge/secret material.
func SHA256Sum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HostIdentity is a self-signed RSA/X.509 keypair identifying this host to
// pairing clients (spec §4.1 Config.host_cert / host_key).
type HostIdentity struct {
	CertPEM []byte
	KeyPEM  []byte
	Cert    *x509.Certificate
}

// GenerateHostIdentity creates a fresh 2048-bit RSA key and a self-signed
// certificate valid for 20 years, matching the long-lived host identity a
// paired client is expected to keep trusting indefinitely.
func GenerateHostIdentity(commonName string) (*HostIdentity, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: generate rsa key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(20, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse generated certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return &HostIdentity{CertPEM: certPEM, KeyPEM: keyPEM, Cert: cert}, nil
}

// ParseCertificatePEM parses a PEM-encoded X.509 certificate, as read back
// from the persisted Config (spec §6 host_cert field).
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("cryptoutil: parse certificate: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse certificate: %w", err)
	}
	return cert, nil
}

// CertificatesEqual compares two certificates by identity rather than by
// raw bytes: same subject common name, same public key, same serial number. The
// pairing state machine (spec §4.3, §4.1 PairedClient) resolves a
// reconnecting client this way, not with a byte or PEM-string comparison,
// so that reissuing an identical certificate from a different encoding
// still matches.
func CertificatesEqual(a, b *x509.Certificate) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.SerialNumber == nil || b.SerialNumber == nil {
		return false
	}
	return a.SerialNumber.Cmp(b.SerialNumber) == 0 &&
		a.Subject.CommonName == b.Subject.CommonName &&
		string(a.RawSubjectPublicKeyInfo) == string(b.RawSubjectPublicKeyInfo)
}
