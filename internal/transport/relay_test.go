package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chronologos/rtach-client/internal/auth"
)

// testRelay is an in-process relay that authenticates one stream per
// connection and echoes it back.
type testRelay struct {
	port int
	leaf *x509.Certificate
}

func relayCert(t *testing.T) (tls.Certificate, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, leaf
}

func relayTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}
}

func echoRelay(rw io.ReadWriteCloser, state tls.ConnectionState, passkey []byte) {
	defer rw.Close()
	if err := auth.Check(rw, state, passkey); err != nil {
		return
	}
	io.Copy(rw, rw)
}

func startQUICRelay(t *testing.T, passkey []byte) testRelay {
	t.Helper()
	cert, leaf := relayCert(t)
	ln, err := quic.ListenAddr("127.0.0.1:0", relayTLSConfig(cert), &quic.Config{InitialPacketSize: 1200})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			qconn, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				stream, err := qconn.AcceptStream(context.Background())
				if err != nil {
					return
				}
				echoRelay(stream, qconn.ConnectionState().TLS, passkey)
			}()
		}
	}()
	return testRelay{port: ln.Addr().(*net.UDPAddr).Port, leaf: leaf}
}

func startTCPRelay(t *testing.T, passkey []byte) testRelay {
	t.Helper()
	cert, leaf := relayCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", relayTLSConfig(cert))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				tlsConn := conn.(*tls.Conn)
				if err := tlsConn.Handshake(); err != nil {
					tlsConn.Close()
					return
				}
				echoRelay(tlsConn, tlsConn.ConnectionState(), passkey)
			}()
		}
	}()
	return testRelay{port: ln.Addr().(*net.TCPAddr).Port, leaf: leaf}
}
