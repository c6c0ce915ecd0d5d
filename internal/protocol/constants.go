package protocol

// Protocol version announced by the companion in its handshake.
const (
	VersionMajor = 2
	VersionMinor = 0
)

// HandshakeMagic identifies a genuine handshake frame ("RTCH").
const HandshakeMagic uint32 = 0x52544348

// Client packet: [1B tag][1B length][payload].
const ClientHeaderSize = 2

// Server frame: [1B tag][4B payload_length little-endian][payload].
const ServerHeaderSize = 5

// MaxPushPayload is the largest payload a single client packet can carry.
const MaxPushPayload = 255

// Fixed payload sizes (excluding header).
const (
	ClientIDSize              = 16
	WinsizeSize               = 8 // rows, cols, xpixel, ypixel as u16
	ScrollbackPageRequestSize = 8 // offset, limit as u32
	ScrollbackPageMetaSize    = 8 // total_length, offset as u32
	HandshakeSize             = 8 // magic u32, major u8, minor u8, flags u16
)

// HandshakeFrameSize is a full handshake frame including its server header.
const HandshakeFrameSize = ServerHeaderSize + HandshakeSize

// MessageType tags a client → server packet.
type MessageType byte

const (
	MsgPush                  MessageType = 0
	MsgAttach                MessageType = 1
	MsgDetach                MessageType = 2
	MsgWinch                 MessageType = 3
	MsgRedraw                MessageType = 4
	MsgScrollbackRequest     MessageType = 5 // legacy: whole buffer
	MsgScrollbackPageRequest MessageType = 6
	MsgUpgrade               MessageType = 7
	MsgPause                 MessageType = 8
	MsgResume                MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case MsgPush:
		return "push"
	case MsgAttach:
		return "attach"
	case MsgDetach:
		return "detach"
	case MsgWinch:
		return "winch"
	case MsgRedraw:
		return "redraw"
	case MsgScrollbackRequest:
		return "request_scrollback"
	case MsgScrollbackPageRequest:
		return "request_scrollback_page"
	case MsgUpgrade:
		return "upgrade"
	case MsgPause:
		return "pause"
	case MsgResume:
		return "resume"
	default:
		return "unknown"
	}
}

// ResponseType tags a server → client frame.
type ResponseType byte

const (
	RespTerminalData   ResponseType = 0
	RespScrollback     ResponseType = 1 // legacy: whole buffer
	RespCommand        ResponseType = 2
	RespScrollbackPage ResponseType = 3
	RespIdle           ResponseType = 4
	RespHandshake      ResponseType = 255
)

// Known reports whether t is a response tag the decoder understands.
func (t ResponseType) Known() bool {
	switch t {
	case RespTerminalData, RespScrollback, RespCommand, RespScrollbackPage, RespIdle, RespHandshake:
		return true
	}
	return false
}

func (t ResponseType) String() string {
	switch t {
	case RespTerminalData:
		return "terminal_data"
	case RespScrollback:
		return "scrollback"
	case RespCommand:
		return "command"
	case RespScrollbackPage:
		return "scrollback_page"
	case RespIdle:
		return "idle"
	case RespHandshake:
		return "handshake"
	default:
		return "unknown"
	}
}
