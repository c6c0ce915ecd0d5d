// Package transport opens the ordered, reliable byte streams an rtach
// session runs over. The protocol layer above never sees which one it got.
package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Mode selects how to reach the companion.
type Mode int

const (
	ModeSSH   Mode = iota // shell channel over SSH
	ModeLocal             // local command in a PTY (e.g. `ssh -t host rtach ...`)
	ModeQUIC              // QUIC stream to a relay
	ModeTCP               // TLS over TCP to a relay
)

func (m Mode) String() string {
	switch m {
	case ModeSSH:
		return "ssh"
	case ModeLocal:
		return "local"
	case ModeQUIC:
		return "quic"
	case ModeTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "ssh":
		return ModeSSH, nil
	case "local":
		return ModeLocal, nil
	case "quic":
		return ModeQUIC, nil
	case "tcp":
		return ModeTCP, nil
	default:
		return 0, fmt.Errorf("unknown transport mode %q", s)
	}
}

const dialTimeout = 10 * time.Second

// Stream is a duplex byte channel to the companion.
type Stream interface {
	io.ReadWriteCloser
}

// Resizer is implemented by streams backed by a PTY, where the window size
// must also be applied at the transport level for raw-mode sessions.
type Resizer interface {
	Resize(rows, cols uint16) error
}

// Config describes where the companion is and how to reach it.
type Config struct {
	Mode Mode
	Host string
	Port int // 0 picks the mode's default
	User string

	// SSH
	IdentityFile          string
	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	// Command runs the companion: on the remote host for SSH, through
	// /bin/sh for local mode.
	Command string

	// Passkey authenticates QUIC and TCP relay connections.
	Passkey []byte

	// RelayFingerprint, when set, is the SHA-256 of the relay's leaf
	// certificate. Without it any certificate is accepted and only the
	// passkey authenticates the relay.
	RelayFingerprint []byte

	Term string
	Rows uint16
	Cols uint16
}

func (c Config) term() string {
	if c.Term == "" {
		return "xterm-256color"
	}
	return c.Term
}

func (c Config) size() (rows, cols uint16) {
	rows, cols = c.Rows, c.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}
	return rows, cols
}

// DefaultCommand is the companion invocation for a session id: attach to
// the session socket, creating it with the login shell if missing.
func DefaultCommand(sessionID string) string {
	return fmt.Sprintf("rtach -A ~/.clauntty/sessions/%s $SHELL", sessionID)
}

// Dial opens a stream according to cfg.Mode.
func Dial(ctx context.Context, cfg Config) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	switch cfg.Mode {
	case ModeSSH:
		return DialSSH(ctx, cfg)
	case ModeLocal:
		return SpawnLocal(cfg)
	case ModeQUIC:
		return DialQUIC(ctx, cfg)
	case ModeTCP:
		return DialTCP(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported transport mode %d", cfg.Mode)
	}
}
