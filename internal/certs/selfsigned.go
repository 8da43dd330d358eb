// Package certs generates and persists the host's self-signed ECDSA P-256
// certificate. Clients pin its SHA-256 fingerprint instead of trusting a CA.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultValidity is used when Generate is called with a non-positive
// validity.
const DefaultValidity = 365 * 24 * time.Hour

var (
	ErrFingerprintMismatch = errors.New("certs: fingerprint mismatch")
	ErrInvalidFingerprint  = errors.New("certs: invalid fingerprint")
)

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// FingerprintHex returns the SHA-256 fingerprint as lowercase hex, the form
// shown to users for pairing.
func (c *CertInfo) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// ParseFingerprint accepts a hex (optionally colon separated) or base64
// SHA-256 fingerprint.
func ParseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(strings.ReplaceAll(s, ":", "")); err == nil && len(b) == len(fp) {
		copy(fp[:], b)
		return fp, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == len(fp) {
		copy(fp[:], b)
		return fp, nil
	}
	return fp, fmt.Errorf("%w: %q", ErrInvalidFingerprint, s)
}

// VerifyPinned returns a tls.Config VerifyPeerCertificate callback that
// accepts only a leaf certificate with the given fingerprint. A zero
// fingerprint accepts any certificate and reports it through seen, for
// trust-on-first-use pairing.
func VerifyPinned(pinned [32]byte, seen func([32]byte)) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: no certificate presented", ErrFingerprintMismatch)
		}
		got := sha256.Sum256(rawCerts[0])
		if seen != nil {
			seen(got)
		}
		if pinned == ([32]byte{}) {
			return nil
		}
		if subtle.ConstantTimeCompare(got[:], pinned[:]) != 1 {
			return fmt.Errorf("%w: got %s", ErrFingerprintMismatch, hex.EncodeToString(got[:]))
		}
		return nil
	}
}

// Generate creates a new self-signed ECDSA P-256 certificate valid for the
// given duration.
func Generate(validity time.Duration) (*CertInfo, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // slight backdate for clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "beam"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert:     tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: key},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

const (
	certFileName = "host-cert.pem"
	keyFileName  = "host-key.pem"
)

// LoadOrGenerate loads the certificate stored in dir, generating and saving
// a new one when none exists or the stored one has expired. Keeping the
// certificate across restarts keeps client pins valid.
func LoadOrGenerate(dir string, validity time.Duration) (*CertInfo, error) {
	certPath := filepath.Join(dir, certFileName)
	keyPath := filepath.Join(dir, keyFileName)

	info, err := load(certPath, keyPath)
	if err == nil && time.Now().Before(info.NotAfter) {
		return info, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	info, err = Generate(validity)
	if err != nil {
		return nil, err
	}
	if err := save(info, certPath, keyPath); err != nil {
		return nil, err
	}
	return info, nil
}

func load(certPath, keyPath string) (*CertInfo, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load certificate %s: %w", certPath, err)
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate %s: %w", certPath, err)
	}
	return &CertInfo{
		TLSCert:     tlsCert,
		Fingerprint: sha256.Sum256(tlsCert.Certificate[0]),
		NotAfter:    leaf.NotAfter,
	}, nil
}

func save(info *CertInfo, certPath, keyPath string) error {
	key, ok := info.TLSCert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("save certificate: unsupported key type %T", info.TLSCert.PrivateKey)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return fmt.Errorf("create certificate dir: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: info.TLSCert.Certificate[0]})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}
