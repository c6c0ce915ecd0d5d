package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"github.com/chronologos/rtach-client/internal/auth"
)

const defaultRelayPort = 2240

// quicStream carries the rtach byte stream on one bidirectional QUIC stream.
type quicStream struct {
	*quic.Stream
	qconn *quic.Conn
	tr    *quic.Transport // keeps the UDP socket alive
}

// DialQUIC connects to a relay, authenticates with the passkey and opens
// the session stream.
func DialQUIC(ctx context.Context, cfg Config) (Stream, error) {
	port := cfg.Port
	if port == 0 {
		port = defaultRelayPort
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.Host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", cfg.Host, port, err)
	}

	tlsConf, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}

	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	quicConf := &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		KeepAlivePeriod:   10 * time.Second,
		InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
	}

	qconn, err := tr.Dial(ctx, addr, tlsConf, quicConf)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if err := auth.Prove(stream, qconn.ConnectionState().TLS, cfg.Passkey); err != nil {
		qconn.CloseWithError(1, "auth failed")
		tr.Close()
		return nil, err
	}

	return &quicStream{Stream: stream, qconn: qconn, tr: tr}, nil
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	return multierr.Combine(
		s.Stream.Close(),
		s.qconn.CloseWithError(0, "closed"),
		s.tr.Close(),
	)
}
