package transport

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
)

const alpnProtocol = "rtach-relay-v1"

// ErrFingerprintMismatch is returned when a pinned relay presents a
// different certificate.
var ErrFingerprintMismatch = errors.New("relay certificate fingerprint mismatch")

// Fingerprint is the value RelayFingerprint is compared against.
func Fingerprint(cert *x509.Certificate) []byte {
	sum := sha256.Sum256(cert.Raw)
	return sum[:]
}

// tlsConfig builds the client side of a relay connection. Relays use
// self-signed certificates, so chain verification is off; the passkey token
// bound to the session (and the fingerprint pin when configured) stand in
// for it.
func (c Config) tlsConfig() (*tls.Config, error) {
	if len(c.RelayFingerprint) != 0 && len(c.RelayFingerprint) != sha256.Size {
		return nil, fmt.Errorf("relay fingerprint must be %d bytes, got %d", sha256.Size, len(c.RelayFingerprint))
	}

	conf := &tls.Config{
		ServerName:         c.Host,
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
	if pin := c.RelayFingerprint; len(pin) != 0 {
		conf.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return ErrFingerprintMismatch
			}
			if got := Fingerprint(cs.PeerCertificates[0]); !bytes.Equal(got, pin) {
				return fmt.Errorf("%w: got %s", ErrFingerprintMismatch, hex.EncodeToString(got))
			}
			return nil
		}
	}
	return conf, nil
}
