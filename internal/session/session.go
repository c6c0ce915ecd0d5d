// Package session is the client side of the rtach protocol state machine.
//
// A Session starts in raw mode, where the companion's output is ordinary
// shell output and is forwarded as-is. The companion announces itself with
// a handshake frame embedded somewhere in that stream; once a valid one is
// seen the Session sends an upgrade packet and switches to framed mode,
// where every received byte goes through the frame decoder.
//
// Session does no I/O of its own: received bytes are pushed in with
// Receive, decoded events come out through a Handler, and outgoing packets
// go out through a Sender. It is not safe for concurrent use.
package session

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/chronologos/rtach-client/internal/protocol"
)

// Mode is the session's position in Disconnected → Raw → Framed.
type Mode int

const (
	ModeDisconnected Mode = iota
	ModeRaw
	ModeFramed
)

func (m Mode) String() string {
	switch m {
	case ModeDisconnected:
		return "disconnected"
	case ModeRaw:
		return "raw"
	case ModeFramed:
		return "framed"
	default:
		return "unknown"
	}
}

// rawScanLimit is how much unmatched raw output may accumulate before the
// scanner forwards all but a possible partial handshake frame.
const rawScanLimit = 2 * protocol.HandshakeFrameSize

// rawTailSize is the longest prefix of a handshake frame that can still
// be completed by the next chunk.
const rawTailSize = protocol.HandshakeFrameSize - 1

// Config controls session behavior.
type Config struct {
	// NoHandshake disables handshake scanning: raw mode forwards every
	// byte immediately and the session never upgrades.
	NoHandshake bool

	Logger *zap.Logger
}

// Stats are running totals for diagnostics.
type Stats struct {
	RawForwarded  uint64 // bytes forwarded as terminal output in raw mode
	FramedBytes   uint64 // bytes handed to the frame decoder
	Responses     uint64 // decoded responses dispatched
	ResyncSkipped uint64 // bytes dropped by the decoder to resynchronize
	PacketsSent   uint64
	BytesSent     uint64
	Upgrades      uint64
}

// Session composes the frame decoder and encoder around the raw/framed
// mode transition.
type Session struct {
	cfg     Config
	log     *zap.Logger
	handler Handler
	sender  Sender

	mode      Mode
	version   string
	handshake *protocol.Handshake

	decoder *protocol.Decoder
	raw     []byte // raw-mode bytes not yet classified

	stats Stats
}

// New creates a disconnected session. Call Connect once the transport is up.
func New(handler Handler, sender Sender, cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		cfg:     cfg,
		log:     log,
		handler: handler,
		sender:  sender,
		decoder: protocol.NewDecoder(),
	}
}

// Connect moves the session to raw mode with empty parser buffers.
func (s *Session) Connect() {
	s.clear()
	s.mode = ModeRaw
	s.log.Debug("session connected", zap.Bool("scan_handshake", !s.cfg.NoHandshake))
}

// Reset returns the session to disconnected with empty parser buffers.
// It dispatches nothing and sends nothing.
func (s *Session) Reset() {
	s.clear()
	s.mode = ModeDisconnected
}

func (s *Session) clear() {
	s.decoder.Reset()
	s.raw = s.raw[:0]
	s.version = ""
	s.handshake = nil
}

// Mode returns the current mode.
func (s *Session) Mode() Mode { return s.mode }

// Version returns the negotiated protocol version, or "" outside framed mode.
func (s *Session) Version() string { return s.version }

// Handshake returns the last handshake seen, or nil. In framed mode that
// includes one rejected for a bad magic; Version keeps the accepted one.
func (s *Session) Handshake() *protocol.Handshake { return s.handshake }

// Pending returns the number of raw-mode bytes held back by the handshake
// scanner.
func (s *Session) Pending() int { return len(s.raw) }

// Stats returns a snapshot of the running totals.
func (s *Session) Stats() Stats {
	st := s.stats
	st.ResyncSkipped = s.decoder.Skipped()
	return st
}

// Receive processes a chunk of bytes from the transport.
func (s *Session) Receive(data []byte) {
	if len(data) == 0 {
		return
	}
	switch s.mode {
	case ModeDisconnected:
		s.log.Debug("dropping bytes while disconnected", zap.Int("bytes", len(data)))

	case ModeFramed:
		s.receiveFramed(data)

	case ModeRaw:
		if s.cfg.NoHandshake {
			s.forward(data)
			return
		}
		s.raw = append(s.raw, data...)
		s.scanRaw()
	}
}

// scanRaw looks for a valid handshake frame anywhere in the raw buffer.
func (s *Session) scanRaw() {
	for i := 0; i+protocol.HandshakeFrameSize <= len(s.raw); i++ {
		if s.raw[i] != byte(protocol.RespHandshake) {
			continue
		}
		if binary.LittleEndian.Uint32(s.raw[i+1:i+protocol.ServerHeaderSize]) != protocol.HandshakeSize {
			continue
		}
		hs, err := protocol.DecodeHandshake(s.raw[i+protocol.ServerHeaderSize : i+protocol.HandshakeFrameSize])
		if err != nil || !hs.Valid() {
			continue
		}

		before := clone(s.raw[:i])
		after := clone(s.raw[i+protocol.HandshakeFrameSize:])
		s.raw = s.raw[:0]

		s.forward(before)
		s.acceptHandshake(hs)
		if s.mode == ModeFramed && len(after) > 0 {
			s.receiveFramed(after)
		}
		return
	}

	if len(s.raw) > rawScanLimit {
		cut := len(s.raw) - rawTailSize
		out := clone(s.raw[:cut])
		n := copy(s.raw, s.raw[cut:])
		s.raw = s.raw[:n]
		s.forward(out)
	}
}

// FlushRaw forwards held-back raw bytes that cannot be the start of a
// handshake frame. Callers use it after the stream has gone quiet so a short
// prompt is not stuck behind the scanner's look-back window.
func (s *Session) FlushRaw() {
	if s.mode != ModeRaw || len(s.raw) == 0 {
		return
	}
	keep := len(s.raw)
	for i := range s.raw {
		if handshakePrefix(s.raw[i:]) {
			keep = i
			break
		}
	}
	if keep == 0 {
		return
	}
	out := clone(s.raw[:keep])
	n := copy(s.raw, s.raw[keep:])
	s.raw = s.raw[:n]
	s.forward(out)
}

// handshakeHeader is the fixed leading part of every valid handshake frame:
// tag, length 8, and the magic.
var handshakeHeader = protocol.EncodeResponse(protocol.NewHandshake())[:protocol.ServerHeaderSize+4]

// handshakePrefix reports whether b could be the beginning of a valid
// handshake frame that has not fully arrived.
func handshakePrefix(b []byte) bool {
	if len(b) >= protocol.HandshakeFrameSize {
		return false
	}
	n := min(len(b), len(handshakeHeader))
	for i := 0; i < n; i++ {
		if b[i] != handshakeHeader[i] {
			return false
		}
	}
	return true
}

func (s *Session) receiveFramed(data []byte) {
	s.stats.FramedBytes += uint64(len(data))
	for _, resp := range s.decoder.Process(data) {
		s.dispatch(resp)
	}
}

func (s *Session) dispatch(resp protocol.Response) {
	s.stats.Responses++
	switch r := resp.(type) {
	case *protocol.TerminalData:
		s.handler.OnTerminalData(r.Data)
	case *protocol.ScrollbackLegacy:
		s.handler.OnScrollback(r.Data)
	case *protocol.Command:
		s.handler.OnCommand(r.Data)
	case *protocol.ScrollbackPage:
		s.handler.OnScrollbackPage(r.Meta, r.Data)
	case *protocol.Idle:
		s.handler.OnIdle()
	case *protocol.Handshake:
		s.handshake = r
		if !r.Valid() {
			s.log.Debug("ignoring invalid handshake in framed mode", zap.Uint32("magic", r.Magic))
			return
		}
		// A companion that restarted behind the same transport announces
		// itself again and expects a fresh upgrade.
		s.log.Info("handshake repeated in framed mode", zap.String("version", r.Version()))
		s.acceptHandshake(r)
	}
}

// acceptHandshake runs the upgrade sequence for a valid handshake.
func (s *Session) acceptHandshake(hs *protocol.Handshake) {
	s.handshake = hs
	s.send(protocol.Upgrade())
	s.mode = ModeFramed
	s.version = hs.Version()
	s.stats.Upgrades++
	s.log.Info("framed mode active",
		zap.String("version", s.version),
		zap.Uint16("flags", hs.Flags))
	s.handler.OnFramedMode(s.version)
}

func (s *Session) forward(data []byte) {
	if len(data) == 0 {
		return
	}
	s.stats.RawForwarded += uint64(len(data))
	s.handler.OnTerminalData(data)
}

func (s *Session) send(packet []byte) {
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(len(packet))
	s.sender.Send(packet)
}

// --- Outgoing intents ---

// SendKeyboardInput sends keystrokes: verbatim in raw mode, as push packets
// in framed mode. Empty input and a disconnected session send nothing.
func (s *Session) SendKeyboardInput(data []byte) {
	if len(data) == 0 {
		return
	}
	switch s.mode {
	case ModeRaw:
		s.send(clone(data))
	case ModeFramed:
		for _, p := range protocol.PushChunked(data) {
			s.send(p)
		}
	}
}

// The remaining intents only exist in framed mode and are no-ops otherwise.

func (s *Session) SendWindowSize(ws protocol.Winsize) {
	if s.mode == ModeFramed {
		s.send(protocol.Winch(ws))
	}
}

func (s *Session) RequestRedraw() {
	if s.mode == ModeFramed {
		s.send(protocol.Redraw())
	}
}

// RequestScrollbackPage asks for limit bytes of history starting at offset.
func (s *Session) RequestScrollbackPage(offset, limit uint32) {
	if s.mode == ModeFramed {
		s.send(protocol.ScrollbackPageRequest(offset, limit))
	}
}

// RequestScrollback asks for the whole history in one legacy response.
func (s *Session) RequestScrollback() {
	if s.mode == ModeFramed {
		s.send(protocol.ScrollbackRequest())
	}
}

// SendAttach attaches as clientID; an id that is not 16 bytes is sent as
// an anonymous attach.
func (s *Session) SendAttach(clientID []byte) {
	if s.mode == ModeFramed {
		s.send(protocol.Attach(clientID))
	}
}

func (s *Session) SendDetach() {
	if s.mode == ModeFramed {
		s.send(protocol.Detach())
	}
}

// SendPause asks the companion to stop streaming terminal output.
func (s *Session) SendPause() {
	if s.mode == ModeFramed {
		s.send(protocol.Pause())
	}
}

// SendResume undoes SendPause; the companion flushes what it buffered.
func (s *Session) SendResume() {
	if s.mode == ModeFramed {
		s.send(protocol.Resume())
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
