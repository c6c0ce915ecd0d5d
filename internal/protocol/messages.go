package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortPayload = errors.New("payload too short for message type")
	ErrBadMagic     = errors.New("handshake magic mismatch")
)

// --- Client → server payloads ---

// Winsize is the terminal size carried by a winch packet.
type Winsize struct {
	Rows   uint16
	Cols   uint16
	XPixel uint16
	YPixel uint16
}

// --- Server → client responses ---

// Response is a fully decoded server frame. The concrete types are
// *TerminalData, *ScrollbackLegacy, *Command, *ScrollbackPage, *Idle and
// *Handshake.
type Response interface {
	Type() ResponseType
}

type TerminalData struct {
	Data []byte
}

type ScrollbackLegacy struct {
	Data []byte
}

type Command struct {
	Data []byte
}

// ScrollbackPageMeta prefixes every scrollback page payload.
type ScrollbackPageMeta struct {
	TotalLength uint32
	Offset      uint32
}

type ScrollbackPage struct {
	Meta ScrollbackPageMeta
	Data []byte
}

// Idle tells the client the remote shell has gone quiet.
type Idle struct{}

// Handshake is sent once by the companion to announce framed mode support.
type Handshake struct {
	Magic        uint32
	VersionMajor uint8
	VersionMinor uint8
	Flags        uint16
}

func (*TerminalData) Type() ResponseType     { return RespTerminalData }
func (*ScrollbackLegacy) Type() ResponseType { return RespScrollback }
func (*Command) Type() ResponseType          { return RespCommand }
func (*ScrollbackPage) Type() ResponseType   { return RespScrollbackPage }
func (*Idle) Type() ResponseType             { return RespIdle }
func (*Handshake) Type() ResponseType        { return RespHandshake }

// Valid reports whether the handshake carries the expected magic. The
// version fields do not affect validity.
func (h *Handshake) Valid() bool {
	return h.Magic == HandshakeMagic
}

// Version formats the announced protocol version as "major.minor".
func (h *Handshake) Version() string {
	return fmt.Sprintf("%d.%d", h.VersionMajor, h.VersionMinor)
}

// --- Payload decoding ---

// DecodeHandshake decodes the first HandshakeSize bytes of payload.
// It does not check the magic; use Valid for that.
func DecodeHandshake(payload []byte) (*Handshake, error) {
	if len(payload) < HandshakeSize {
		return nil, ErrShortPayload
	}
	return &Handshake{
		Magic:        binary.LittleEndian.Uint32(payload[0:4]),
		VersionMajor: payload[4],
		VersionMinor: payload[5],
		Flags:        binary.LittleEndian.Uint16(payload[6:8]),
	}, nil
}

// DecodeScrollbackPageMeta decodes the 8-byte page metadata prefix.
func DecodeScrollbackPageMeta(payload []byte) (ScrollbackPageMeta, error) {
	if len(payload) < ScrollbackPageMetaSize {
		return ScrollbackPageMeta{}, ErrShortPayload
	}
	return ScrollbackPageMeta{
		TotalLength: binary.LittleEndian.Uint32(payload[0:4]),
		Offset:      binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// DecodePayload turns a complete frame payload into a Response. The payload
// is retained by the returned value; callers must not reuse it.
func DecodePayload(respType ResponseType, payload []byte) (Response, error) {
	switch respType {
	case RespTerminalData:
		return &TerminalData{Data: payload}, nil

	case RespScrollback:
		return &ScrollbackLegacy{Data: payload}, nil

	case RespCommand:
		return &Command{Data: payload}, nil

	case RespScrollbackPage:
		meta, err := DecodeScrollbackPageMeta(payload)
		if err != nil {
			return nil, err
		}
		return &ScrollbackPage{Meta: meta, Data: payload[ScrollbackPageMetaSize:]}, nil

	case RespIdle:
		return &Idle{}, nil

	case RespHandshake:
		return DecodeHandshake(payload)

	default:
		return nil, fmt.Errorf("unknown response type: 0x%02x", byte(respType))
	}
}

// EncodeResponse builds a server frame. The client never sends these; it
// exists for fake companions in tests and for tooling.
func EncodeResponse(resp Response) []byte {
	var payload []byte
	switch r := resp.(type) {
	case *TerminalData:
		payload = r.Data
	case *ScrollbackLegacy:
		payload = r.Data
	case *Command:
		payload = r.Data
	case *ScrollbackPage:
		payload = make([]byte, ScrollbackPageMetaSize+len(r.Data))
		binary.LittleEndian.PutUint32(payload[0:4], r.Meta.TotalLength)
		binary.LittleEndian.PutUint32(payload[4:8], r.Meta.Offset)
		copy(payload[ScrollbackPageMetaSize:], r.Data)
	case *Idle:
	case *Handshake:
		payload = make([]byte, HandshakeSize)
		binary.LittleEndian.PutUint32(payload[0:4], r.Magic)
		payload[4] = r.VersionMajor
		payload[5] = r.VersionMinor
		binary.LittleEndian.PutUint16(payload[6:8], r.Flags)
	}

	frame := make([]byte, ServerHeaderSize+len(payload))
	frame[0] = byte(resp.Type())
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[ServerHeaderSize:], payload)
	return frame
}

// NewHandshake returns a valid handshake for this protocol revision.
func NewHandshake() *Handshake {
	return &Handshake{
		Magic:        HandshakeMagic,
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
	}
}
