package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chronologos/rtach-client/internal/protocol"
	"github.com/chronologos/rtach-client/internal/transport"
)

// syncBuffer is a bytes.Buffer safe for one writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeCompanion plays the rtach side of a net.Pipe. It records every byte
// the client writes and hands each parsed framed packet to onPacket.
type fakeCompanion struct {
	conn     net.Conn
	mu       sync.Mutex
	got      []byte
	onPacket func(f *fakeCompanion, tag protocol.MessageType, payload []byte)
	framed   bool
}

func newFakeCompanion(t *testing.T, framed bool, onPacket func(*fakeCompanion, protocol.MessageType, []byte)) (*fakeCompanion, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	f := &fakeCompanion{conn: server, onPacket: onPacket, framed: framed}
	go f.readLoop()
	t.Cleanup(func() { server.Close() })
	return f, client
}

func (f *fakeCompanion) readLoop() {
	if !f.framed {
		buf := make([]byte, 4096)
		for {
			n, err := f.conn.Read(buf)
			f.record(buf[:n])
			if err != nil {
				return
			}
		}
	}
	for {
		hdr := make([]byte, protocol.ClientHeaderSize)
		if _, err := io.ReadFull(f.conn, hdr); err != nil {
			return
		}
		payload := make([]byte, hdr[1])
		if _, err := io.ReadFull(f.conn, payload); err != nil {
			return
		}
		f.record(append(hdr, payload...))
		if f.onPacket != nil {
			f.onPacket(f, protocol.MessageType(hdr[0]), payload)
		}
	}
}

func (f *fakeCompanion) record(p []byte) {
	f.mu.Lock()
	f.got = append(f.got, p...)
	f.mu.Unlock()
}

func (f *fakeCompanion) received() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.got...)
}

func (f *fakeCompanion) send(p []byte) {
	f.conn.Write(p)
}

func (f *fakeCompanion) sendResponse(r protocol.Response) {
	f.send(protocol.EncodeResponse(r))
}

func pipeDialer(conn net.Conn) func(context.Context) (transport.Stream, error) {
	return func(context.Context) (transport.Stream, error) { return conn, nil }
}

func concat(packets ...[]byte) []byte {
	var out []byte
	for _, p := range packets {
		out = append(out, p...)
	}
	return out
}

// startClient runs c in a goroutine and returns the channel Run's result
// arrives on.
func startClient(t *testing.T, c *Client, stdinR *io.PipeReader, stdinW *io.PipeWriter) (<-chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		stdinW.Close()
		stdinR.Close()
	})
	return errCh, cancel
}

func framedPreamble(c *Client) []byte {
	return concat(
		protocol.Upgrade(),
		protocol.Attach(c.clientID[:]),
		protocol.Winch(protocol.Winsize{Rows: 24, Cols: 80}),
		protocol.Redraw(),
	)
}

func TestRawThenFramedSession(t *testing.T) {
	g := NewWithT(t)

	fake, conn := newFakeCompanion(t, true, nil)
	stdinR, stdinW := io.Pipe()
	stdout := &syncBuffer{}
	c := newTestClient(Config{HandshakeTimeout: time.Second}, stdinR, stdout, pipeDialer(conn))
	errCh, _ := startClient(t, c, stdinR, stdinW)

	fake.send([]byte("Last login: today\r\n"))
	fake.sendResponse(protocol.NewHandshake())
	fake.sendResponse(&protocol.TerminalData{Data: []byte("$ ")})

	g.Eventually(stdout.String, 2*time.Second).Should(Equal("Last login: today\r\n$ "))
	g.Eventually(fake.received, 2*time.Second).Should(Equal(framedPreamble(c)))

	stdinW.Write([]byte("ls\r"))
	g.Eventually(fake.received, 2*time.Second).Should(HaveSuffix(string(protocol.Push([]byte("ls\r")))))

	stdinW.Write([]byte("~."))
	g.Eventually(errCh, 2*time.Second).Should(Receive(BeNil()))
	g.Eventually(fake.received, 2*time.Second).Should(Equal(concat(
		framedPreamble(c),
		protocol.Push([]byte("ls\r")),
		protocol.Detach(),
	)))
}

func TestRawModeWithoutCompanion(t *testing.T) {
	g := NewWithT(t)

	core, logs := observer.New(zapcore.WarnLevel)
	fake, conn := newFakeCompanion(t, false, nil)
	stdinR, stdinW := io.Pipe()
	stdout := &syncBuffer{}
	c := newTestClient(Config{
		HandshakeTimeout: 50 * time.Millisecond,
		Logger:           zap.New(core),
	}, stdinR, stdout, pipeDialer(conn))
	errCh, cancel := startClient(t, c, stdinR, stdinW)

	// Shorter than the raw hold window; only the idle flush releases it.
	fake.send([]byte("hi$ "))
	g.Eventually(stdout.String, 2*time.Second).Should(Equal("hi$ "))

	g.Eventually(func() int {
		return logs.FilterMessage("companion not present, staying in raw mode").Len()
	}, 2*time.Second).Should(Equal(1))

	stdinW.Write([]byte("echo\r"))
	g.Eventually(fake.received, 2*time.Second).Should(Equal([]byte("echo\r")))

	cancel()
	g.Eventually(errCh, 2*time.Second).Should(Receive(MatchError(context.Canceled)))
}

func TestEscapeCommandsInFramedMode(t *testing.T) {
	g := NewWithT(t)

	fake, conn := newFakeCompanion(t, true, func(f *fakeCompanion, tag protocol.MessageType, payload []byte) {
		if tag != protocol.MsgScrollbackPageRequest {
			return
		}
		f.sendResponse(&protocol.ScrollbackPage{
			Meta: protocol.ScrollbackPageMeta{TotalLength: 5, Offset: binary.LittleEndian.Uint32(payload)},
			Data: []byte("hello"),
		})
	})
	stdinR, stdinW := io.Pipe()
	c := newTestClient(Config{PageSize: 16}, stdinR, io.Discard, pipeDialer(conn))
	startClient(t, c, stdinR, stdinW)

	fake.sendResponse(protocol.NewHandshake())
	g.Eventually(fake.received, 2*time.Second).Should(Equal(framedPreamble(c)))

	stdinW.Write([]byte("~r~p~p~s"))
	g.Eventually(func() string { return string(c.Scrollback().Bytes()) }, 2*time.Second).Should(Equal("hello"))

	// History is complete, so ~s asks for nothing more.
	stdinW.Write([]byte("~sx"))
	g.Eventually(fake.received, 2*time.Second).Should(Equal(concat(
		framedPreamble(c),
		protocol.Redraw(),
		protocol.Pause(),
		protocol.Resume(),
		protocol.ScrollbackPageRequest(0, 16),
		protocol.Push([]byte("x")),
	)))
}

func TestStdinEOFFlushesAndDetaches(t *testing.T) {
	g := NewWithT(t)

	fake, conn := newFakeCompanion(t, true, nil)
	stdinR, stdinW := io.Pipe()
	c := newTestClient(Config{}, stdinR, io.Discard, pipeDialer(conn))
	errCh, _ := startClient(t, c, stdinR, stdinW)

	fake.sendResponse(protocol.NewHandshake())
	g.Eventually(fake.received, 2*time.Second).Should(Equal(framedPreamble(c)))

	stdinW.Write([]byte("abc"))
	stdinW.Close()

	g.Eventually(errCh, 2*time.Second).Should(Receive(BeNil()))
	g.Eventually(fake.received, 2*time.Second).Should(Equal(concat(
		framedPreamble(c),
		protocol.Push([]byte("abc")),
		protocol.Detach(),
	)))
}

func TestTransportEOFEndsRun(t *testing.T) {
	g := NewWithT(t)

	fake, conn := newFakeCompanion(t, true, nil)
	stdinR, stdinW := io.Pipe()
	stdout := &syncBuffer{}
	c := newTestClient(Config{}, stdinR, stdout, pipeDialer(conn))
	errCh, _ := startClient(t, c, stdinR, stdinW)

	fake.sendResponse(protocol.NewHandshake())
	fake.sendResponse(&protocol.TerminalData{Data: []byte("bye\r\n")})
	g.Eventually(stdout.String, 2*time.Second).Should(Equal("bye\r\n"))

	fake.conn.Close()
	g.Eventually(errCh, 2*time.Second).Should(Receive(BeNil()))
}

func TestDialFailure(t *testing.T) {
	g := NewWithT(t)

	boom := errors.New("no route")
	c := newTestClient(Config{}, bytes.NewReader(nil), io.Discard,
		func(context.Context) (transport.Stream, error) { return nil, boom })

	g.Expect(c.Run(context.Background())).To(MatchError(boom))
}

func TestDumpScrollback(t *testing.T) {
	g := NewWithT(t)

	history := bytes.Repeat([]byte("0123456789"), 10)
	fake, conn := newFakeCompanion(t, true, func(f *fakeCompanion, tag protocol.MessageType, payload []byte) {
		if tag != protocol.MsgScrollbackPageRequest {
			return
		}
		offset := binary.LittleEndian.Uint32(payload[0:4])
		limit := binary.LittleEndian.Uint32(payload[4:8])
		end := min(int(offset+limit), len(history))
		f.sendResponse(&protocol.ScrollbackPage{
			Meta: protocol.ScrollbackPageMeta{TotalLength: uint32(len(history)), Offset: offset},
			Data: history[offset:end],
		})
	})
	c := newTestClient(Config{PageSize: 40, HandshakeTimeout: time.Second}, bytes.NewReader(nil), io.Discard, pipeDialer(conn))

	go func() {
		fake.send([]byte("motd\r\n"))
		fake.sendResponse(protocol.NewHandshake())
	}()

	var out bytes.Buffer
	g.Expect(c.DumpScrollback(context.Background(), &out)).To(Succeed())
	g.Expect(out.Bytes()).To(Equal(history))

	g.Eventually(fake.received, 2*time.Second).Should(Equal(concat(
		protocol.Upgrade(),
		protocol.Attach(c.clientID[:]),
		protocol.ScrollbackPageRequest(0, 40),
		protocol.ScrollbackPageRequest(40, 40),
		protocol.ScrollbackPageRequest(80, 20),
		protocol.Detach(),
	)))
}

func TestDumpScrollbackWithoutCompanion(t *testing.T) {
	g := NewWithT(t)

	_, conn := newFakeCompanion(t, true, nil)
	c := newTestClient(Config{HandshakeTimeout: 50 * time.Millisecond}, bytes.NewReader(nil), io.Discard, pipeDialer(conn))

	var out bytes.Buffer
	g.Expect(c.DumpScrollback(context.Background(), &out)).To(MatchError(ErrNoCompanion))
	g.Expect(out.Len()).To(BeZero())
}

func TestDumpScrollbackStopsWhenPagesSkipAhead(t *testing.T) {
	g := NewWithT(t)

	fake, conn := newFakeCompanion(t, true, func(f *fakeCompanion, tag protocol.MessageType, payload []byte) {
		if tag != protocol.MsgScrollbackPageRequest {
			return
		}
		// Always answers past the requested offset, leaving a gap.
		offset := binary.LittleEndian.Uint32(payload[0:4])
		f.sendResponse(&protocol.ScrollbackPage{
			Meta: protocol.ScrollbackPageMeta{TotalLength: 1000, Offset: offset + 10},
			Data: []byte("later history"),
		})
	})
	c := newTestClient(Config{PageSize: 40, HandshakeTimeout: time.Second}, bytes.NewReader(nil), io.Discard, pipeDialer(conn))

	go fake.sendResponse(protocol.NewHandshake())

	var out bytes.Buffer
	g.Expect(c.DumpScrollback(context.Background(), &out)).To(MatchError(ErrScrollbackStalled))
	g.Expect(out.Len()).To(BeZero())

	g.Eventually(fake.received, 2*time.Second).Should(Equal(concat(
		protocol.Upgrade(),
		protocol.Attach(c.clientID[:]),
		protocol.ScrollbackPageRequest(0, 40),
		protocol.Detach(),
	)))
}
