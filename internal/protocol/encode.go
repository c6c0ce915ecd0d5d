package protocol

import "encoding/binary"

// Client packet builders. Every function returns a freshly allocated,
// fully framed packet ready to hand to the transport.

// AppendPacket appends [tag][len][payload] to dst. payload must not exceed
// MaxPushPayload bytes.
func AppendPacket(dst []byte, msgType MessageType, payload []byte) []byte {
	dst = append(dst, byte(msgType), byte(len(payload)))
	return append(dst, payload...)
}

func packet(msgType MessageType, payload []byte) []byte {
	return AppendPacket(make([]byte, 0, ClientHeaderSize+len(payload)), msgType, payload)
}

// Push encodes keyboard input. Input beyond MaxPushPayload is truncated;
// use PushChunked to send everything.
func Push(data []byte) []byte {
	if len(data) > MaxPushPayload {
		data = data[:MaxPushPayload]
	}
	return packet(MsgPush, data)
}

// PushChunked splits data into consecutive push packets of at most
// MaxPushPayload bytes each. Empty input yields no packets.
func PushChunked(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	packets := make([][]byte, 0, (len(data)+MaxPushPayload-1)/MaxPushPayload)
	for len(data) > 0 {
		n := min(len(data), MaxPushPayload)
		packets = append(packets, Push(data[:n]))
		data = data[n:]
	}
	return packets
}

// Attach encodes an attach request. A clientID of any length other than
// ClientIDSize is treated as absent.
func Attach(clientID []byte) []byte {
	if len(clientID) != ClientIDSize {
		return packet(MsgAttach, nil)
	}
	return packet(MsgAttach, clientID)
}

func Detach() []byte { return packet(MsgDetach, nil) }

// Winch encodes a window size change.
func Winch(ws Winsize) []byte {
	var payload [WinsizeSize]byte
	binary.LittleEndian.PutUint16(payload[0:2], ws.Rows)
	binary.LittleEndian.PutUint16(payload[2:4], ws.Cols)
	binary.LittleEndian.PutUint16(payload[4:6], ws.XPixel)
	binary.LittleEndian.PutUint16(payload[6:8], ws.YPixel)
	return packet(MsgWinch, payload[:])
}

func Redraw() []byte { return packet(MsgRedraw, nil) }

// ScrollbackRequest asks for the whole scrollback buffer in one response.
// Newer companions prefer ScrollbackPageRequest.
func ScrollbackRequest() []byte { return packet(MsgScrollbackRequest, nil) }

// ScrollbackPageRequest asks for limit bytes of scrollback starting at offset.
func ScrollbackPageRequest(offset, limit uint32) []byte {
	var payload [ScrollbackPageRequestSize]byte
	binary.LittleEndian.PutUint32(payload[0:4], offset)
	binary.LittleEndian.PutUint32(payload[4:8], limit)
	return packet(MsgScrollbackPageRequest, payload[:])
}

func Upgrade() []byte { return packet(MsgUpgrade, nil) }
func Pause() []byte   { return packet(MsgPause, nil) }
func Resume() []byte  { return packet(MsgResume, nil) }
