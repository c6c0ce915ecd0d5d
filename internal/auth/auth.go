// Package auth binds a shared passkey to a TLS session for the relay
// transports. The client proves knowledge of the passkey by sending
// HMAC-SHA256(passkey, exporter) where exporter is keying material derived
// from the TLS session, so a token cannot be replayed on another connection.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	PasskeySize = 32
	TokenSize   = sha256.Size

	// ExporterLabel is the TLS exporter label both ends derive material with.
	ExporterLabel = "rtach-relay-auth-v1"
)

// Status is the relay's one-byte verdict on a token.
type Status byte

const (
	StatusOK       Status = 0
	StatusRejected Status = 1
)

var (
	ErrRejected   = errors.New("relay rejected passkey")
	ErrBadPasskey = errors.New("passkey must be 64 hex characters")
)

// GeneratePasskey returns a random passkey.
func GeneratePasskey() ([]byte, error) {
	key := make([]byte, PasskeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParsePasskey decodes a hex passkey as printed by the relay.
func ParsePasskey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil || len(key) != PasskeySize {
		return nil, ErrBadPasskey
	}
	return key, nil
}

// ExporterMaterial derives the per-session material a token is bound to.
func ExporterMaterial(state tls.ConnectionState) ([]byte, error) {
	material, err := state.ExportKeyingMaterial(ExporterLabel, nil, TokenSize)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}
	return material, nil
}

// ComputeToken computes HMAC-SHA256(passkey, material).
func ComputeToken(passkey, material []byte) [TokenSize]byte {
	mac := hmac.New(sha256.New, passkey)
	mac.Write(material)
	var token [TokenSize]byte
	copy(token[:], mac.Sum(nil))
	return token
}

// VerifyToken reports whether token matches passkey and material.
func VerifyToken(passkey, material []byte, token [TokenSize]byte) bool {
	expected := ComputeToken(passkey, material)
	return hmac.Equal(token[:], expected[:])
}

// Prove sends the token for this TLS session on rw and waits for the
// relay's status byte.
func Prove(rw io.ReadWriter, state tls.ConnectionState, passkey []byte) error {
	material, err := ExporterMaterial(state)
	if err != nil {
		return err
	}
	token := ComputeToken(passkey, material)
	if _, err := rw.Write(token[:]); err != nil {
		return fmt.Errorf("write auth token: %w", err)
	}

	var status [1]byte
	if _, err := io.ReadFull(rw, status[:]); err != nil {
		return fmt.Errorf("read auth status: %w", err)
	}
	if Status(status[0]) != StatusOK {
		return fmt.Errorf("%w (status %d)", ErrRejected, status[0])
	}
	return nil
}

// Check is the relay side of Prove: it reads a token from rw, verifies it,
// and writes the verdict. It returns ErrRejected for a bad token.
func Check(rw io.ReadWriter, state tls.ConnectionState, passkey []byte) error {
	var token [TokenSize]byte
	if _, err := io.ReadFull(rw, token[:]); err != nil {
		return fmt.Errorf("read auth token: %w", err)
	}
	material, err := ExporterMaterial(state)
	if err != nil {
		return err
	}
	if !VerifyToken(passkey, material, token) {
		rw.Write([]byte{byte(StatusRejected)})
		return ErrRejected
	}
	if _, err := rw.Write([]byte{byte(StatusOK)}); err != nil {
		return fmt.Errorf("write auth status: %w", err)
	}
	return nil
}
