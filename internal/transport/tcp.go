package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/chronologos/rtach-client/internal/auth"
)

// DialTCP connects to a relay over TLS, for networks that drop UDP.
func DialTCP(ctx context.Context, cfg Config) (Stream, error) {
	port := cfg.Port
	if port == 0 {
		port = defaultRelayPort
	}
	tlsConf, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	dialer := &tls.Dialer{Config: tlsConf}

	rawConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("TCP+TLS dial: %w", err)
	}
	conn := rawConn.(*tls.Conn)

	if err := auth.Prove(conn, conn.ConnectionState(), cfg.Passkey); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
