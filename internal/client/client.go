package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/chronologos/rtach-client/internal/coalesce"
	"github.com/chronologos/rtach-client/internal/metrics"
	"github.com/chronologos/rtach-client/internal/protocol"
	"github.com/chronologos/rtach-client/internal/scrollback"
	"github.com/chronologos/rtach-client/internal/session"
	"github.com/chronologos/rtach-client/internal/transport"
	"github.com/chronologos/rtach-client/internal/version"
)

const (
	stdinBufSize  = 32 * 1024 // 32 KB per stdin read
	netBufSize    = 64 * 1024
	statsInterval = time.Second

	// rawFlushDelay is how long held raw-mode bytes wait for the rest of a
	// possible handshake before they are written to the terminal anyway.
	rawFlushDelay = 25 * time.Millisecond

	DefaultHandshakeTimeout = 3 * time.Second
)

// ErrNoCompanion is returned by DumpScrollback when the remote end never
// announces framed mode.
var ErrNoCompanion = errors.New("companion not present")

// ErrScrollbackStalled is returned by DumpScrollback when the companion
// answers with pages that do not move the read cursor forward.
var ErrScrollbackStalled = errors.New("scrollback paging stalled")

// Config holds client configuration.
type Config struct {
	Transport transport.Config

	// NoHandshake forwards everything as terminal output and never upgrades.
	NoHandshake bool

	// HandshakeTimeout is how long to wait for the companion before
	// reporting it missing. Zero uses DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// PageSize is the scrollback page limit; zero uses the store default.
	PageSize uint32

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Client connects the local terminal to an rtach session. It owns the
// protocol session and drives it from a single event loop: transport
// reads, stdin, window changes and timers are all serialized there.
type Client struct {
	cfg      Config
	log      *zap.Logger
	metrics  *metrics.Collector
	scroll   *scrollback.Buffer
	escape   *EscapeProcessor
	clientID uuid.UUID

	stdin   io.Reader
	stdout  io.Writer
	stdinFd int // for MakeRaw/Restore and window size; -1 if not a terminal

	dial    func(context.Context) (transport.Stream, error)
	winsize func() (protocol.Winsize, bool)

	// Event loop state.
	sess      *session.Session
	stream    transport.Stream
	sendErr   error
	framed    bool
	paused    bool
	dumping   bool
	dumpDone  bool
	dumpErr   error
	pageAsked bool
}

// New creates a client on os.Stdin/os.Stdout. If stdin is not a terminal
// (pipe, FIFO), raw mode and window size reporting are skipped.
func New(cfg Config) *Client {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fd = -1
	}
	c := newClient(cfg, os.Stdin, os.Stdout, fd)
	c.dial = func(ctx context.Context) (transport.Stream, error) {
		return transport.Dial(ctx, cfg.Transport)
	}
	return c
}

// newTestClient creates a client wired to pipes and a custom dialer.
func newTestClient(cfg Config, stdin io.Reader, stdout io.Writer, dial func(context.Context) (transport.Stream, error)) *Client {
	c := newClient(cfg, stdin, stdout, -1)
	c.dial = dial
	c.winsize = func() (protocol.Winsize, bool) {
		return protocol.Winsize{Rows: 24, Cols: 80}, true
	}
	return c
}

func newClient(cfg Config, stdin io.Reader, stdout io.Writer, fd int) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = scrollback.DefaultPageSize
	}
	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.With(zap.String("component", "client")),
		metrics:  cfg.Metrics,
		scroll:   scrollback.New(0),
		escape:   NewEscapeProcessor(),
		clientID: uuid.New(),
		stdin:    stdin,
		stdout:   stdout,
		stdinFd:  fd,
	}
	c.winsize = func() (protocol.Winsize, bool) { return terminalSize(c.stdinFd) }
	return c
}

// Scrollback returns the store that receives scrollback pages.
func (c *Client) Scrollback() *scrollback.Buffer { return c.scroll }

// exitReason describes why the ioLoop exited.
type exitReason int

const (
	exitNetwork   exitReason = iota // transport error or EOF
	exitEscape                      // ~. detected
	exitStdinEOF                    // stdin closed
	exitCancelled                   // context cancelled
)

// netResult carries a chunk or error from the transport reader goroutine.
type netResult struct {
	data []byte
	err  error
}

// Run connects, relays I/O until the session ends, and returns. It does
// not reconnect: a transport failure is returned to the caller.
func (c *Client) Run(ctx context.Context) error {
	stream, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.log.Info("connected",
		zap.Stringer("mode", c.cfg.Transport.Mode),
		zap.String("host", c.cfg.Transport.Host),
		zap.String("client_id", c.clientID.String()),
		zap.String("version", version.String()))

	var oldState *term.State
	if c.stdinFd >= 0 {
		oldState, err = term.MakeRaw(c.stdinFd)
		if err != nil {
			stream.Close()
			return fmt.Errorf("make raw: %w", err)
		}
	}

	c.start(stream)
	stdinCh := make(chan []byte, 4)
	go c.readStdin(stdinCh)

	reason, netErr := c.ioLoop(ctx, stdinCh)

	if oldState != nil {
		term.Restore(c.stdinFd, oldState)
	}
	c.finish()

	switch reason {
	case exitNetwork:
		if netErr != nil && !errors.Is(netErr, io.EOF) {
			return fmt.Errorf("transport: %w", netErr)
		}
		return nil
	case exitCancelled:
		return ctx.Err()
	default:
		return nil
	}
}

// start binds a fresh protocol session to stream.
func (c *Client) start(stream transport.Stream) {
	c.stream = stream
	c.sendErr = nil
	c.framed = false
	c.paused = false
	c.escape.Reset()
	c.sess = session.New(c, c, session.Config{
		NoHandshake: c.cfg.NoHandshake,
		Logger:      c.cfg.Logger,
	})
	c.sess.Connect()
	c.metrics.SetMode(c.sess.Mode())
}

// finish tells the companion we are leaving and closes the stream.
func (c *Client) finish() {
	c.sess.SendDetach() // best-effort; only sent in framed mode
	if err := c.stream.Close(); err != nil {
		c.log.Debug("close stream", zap.Error(err))
	}
	c.metrics.Update(c.sess.Stats())
	c.sess.Reset()
	c.metrics.SetMode(session.ModeDisconnected)
}

// ioLoop is the event loop. It blocks until the transport fails, the user
// types ~., stdin hits EOF, or the context is done.
func (c *Client) ioLoop(ctx context.Context, stdinCh <-chan []byte) (exitReason, error) {
	done := make(chan struct{})
	defer close(done)
	netCh := make(chan netResult, 4)
	go readStream(c.stream, netCh, done)

	coal := coalesce.New()
	defer coal.Stop()

	sigwinchCh := make(chan os.Signal, 1)
	if c.stdinFd >= 0 {
		signal.Notify(sigwinchCh, syscall.SIGWINCH)
		defer signal.Stop(sigwinchCh)
	}

	handshake := time.NewTimer(c.cfg.HandshakeTimeout)
	defer handshake.Stop()
	if c.cfg.NoHandshake {
		handshake.Stop()
	}

	rawFlush := time.NewTimer(rawFlushDelay)
	rawFlush.Stop()
	defer rawFlush.Stop()

	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	c.resize()
	escapeBuf := make([]byte, stdinBufSize+2) // extra for held ~

	for {
		select {
		case res := <-netCh:
			if res.err != nil {
				c.sess.FlushRaw()
				return exitNetwork, res.err
			}
			c.sess.Receive(res.data)
			if c.sess.Mode() == session.ModeRaw && c.sess.Pending() > 0 {
				rawFlush.Reset(rawFlushDelay)
			}

		case data, ok := <-stdinCh:
			if !ok {
				c.sess.SendKeyboardInput(coal.Flush())
				return exitStdinEOF, nil
			}
			for len(data) > 0 {
				n, consumed, action := c.escape.Process(data, escapeBuf)
				data = data[consumed:]
				if n > 0 && coal.Add(escapeBuf[:n]) {
					c.sess.SendKeyboardInput(coal.Flush())
				}
				if action == EscSend {
					continue
				}
				if action == EscDisconnect {
					return exitEscape, nil // intentional detach, don't flush
				}
				// Keystrokes typed before the escape go out first.
				c.sess.SendKeyboardInput(coal.Flush())
				c.escapeCommand(action)
			}

		case <-coal.Timer():
			c.sess.SendKeyboardInput(coal.Flush())

		case <-rawFlush.C:
			c.sess.FlushRaw()

		case <-handshake.C:
			if !c.framed {
				c.log.Warn("companion not present, staying in raw mode",
					zap.Duration("waited", c.cfg.HandshakeTimeout))
			}

		case <-sigwinchCh:
			c.resize()

		case <-stats.C:
			c.metrics.Update(c.sess.Stats())

		case <-ctx.Done():
			// Don't flush coalescer; at most 2ms of stdin lost on cancellation.
			return exitCancelled, nil
		}

		if c.sendErr != nil {
			return exitNetwork, c.sendErr
		}
	}
}

func (c *Client) escapeCommand(action EscapeAction) {
	c.log.Debug("escape", zap.Stringer("action", action))
	switch action {
	case EscRedraw:
		c.sess.RequestRedraw()
	case EscTogglePause:
		if !c.framed {
			return
		}
		c.paused = !c.paused
		if c.paused {
			c.sess.SendPause()
		} else {
			c.sess.SendResume()
		}
	case EscScrollback:
		c.requestNextPage()
	}
}

// requestNextPage asks for the next scrollback page unless the history has
// already been fetched or a request is outstanding.
func (c *Client) requestNextPage() {
	if !c.framed || c.pageAsked {
		return
	}
	offset, limit, done := c.scroll.Next(c.cfg.PageSize)
	if done {
		total, _ := c.scroll.Total()
		c.log.Info("scrollback complete", zap.Uint32("total", total))
		c.dumpDone = c.dumping
		return
	}
	c.pageAsked = true
	c.sess.RequestScrollbackPage(offset, limit)
}

// resize reports the terminal size to the companion, and to the transport
// PTY for raw-mode sessions.
func (c *Client) resize() {
	ws, ok := c.winsize()
	if !ok {
		return
	}
	c.sess.SendWindowSize(ws)
	if r, ok := c.stream.(transport.Resizer); ok {
		if err := r.Resize(ws.Rows, ws.Cols); err != nil {
			c.log.Debug("transport resize", zap.Error(err))
		}
	}
}

// readStdin reads from stdin in a loop, sending chunks to ch.
func (c *Client) readStdin(ch chan<- []byte) {
	defer close(ch)
	for {
		buf := make([]byte, stdinBufSize)
		n, err := c.stdin.Read(buf)
		if n > 0 {
			ch <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

// readStream reads the transport until it fails or done is closed.
func readStream(r io.Reader, ch chan<- netResult, done <-chan struct{}) {
	for {
		buf := make([]byte, netBufSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case ch <- netResult{data: buf[:n]}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case ch <- netResult{err: err}:
			case <-done:
			}
			return
		}
	}
}

// --- session.Sender ---

// Send writes a packet to the transport. After the first failure further
// packets are dropped and the event loop exits.
func (c *Client) Send(packet []byte) {
	if c.sendErr != nil {
		return
	}
	if _, err := c.stream.Write(packet); err != nil {
		c.sendErr = err
		return
	}
	c.metrics.ObservePacket(packet)
}

// --- session.Handler ---

func (c *Client) OnTerminalData(data []byte) {
	if c.framed {
		c.metrics.ObserveResponse(protocol.RespTerminalData)
	}
	if c.dumping {
		return
	}
	c.stdout.Write(data)
}

func (c *Client) OnScrollback(data []byte) {
	c.metrics.ObserveResponse(protocol.RespScrollback)
	c.scroll.StoreLegacy(data)
	c.log.Debug("legacy scrollback", zap.Int("bytes", len(data)))
}

func (c *Client) OnCommand(data []byte) {
	c.metrics.ObserveResponse(protocol.RespCommand)
	c.log.Info("companion command", zap.ByteString("command", data))
}

func (c *Client) OnScrollbackPage(meta protocol.ScrollbackPageMeta, data []byte) {
	c.metrics.ObserveResponse(protocol.RespScrollbackPage)
	advanced := c.scroll.Store(meta, data)
	c.pageAsked = false
	c.log.Debug("scrollback page",
		zap.Uint32("offset", meta.Offset),
		zap.Uint32("total", meta.TotalLength),
		zap.Int("bytes", len(data)))

	if !c.dumping {
		return
	}
	if len(data) == 0 {
		// The companion has nothing more even if total says otherwise.
		c.dumpDone = true
		return
	}
	if !advanced {
		// Asking again would get the same page back.
		c.dumpErr = fmt.Errorf("%w: page at %d does not continue the history",
			ErrScrollbackStalled, meta.Offset)
		c.dumpDone = true
		return
	}
	c.requestNextPage()
}

func (c *Client) OnIdle() {
	c.metrics.ObserveResponse(protocol.RespIdle)
	c.log.Debug("remote idle")
}

func (c *Client) OnFramedMode(version string) {
	c.metrics.ObserveResponse(protocol.RespHandshake)
	c.metrics.SetMode(session.ModeFramed)
	c.log.Info("framed mode", zap.String("protocol", version))

	c.framed = true
	c.pageAsked = false
	c.sess.SendAttach(c.clientID[:])
	if c.dumping {
		c.requestNextPage()
		return
	}
	c.resize()
	c.sess.RequestRedraw()
}
