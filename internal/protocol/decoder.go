package protocol

import "encoding/binary"

// Decoder incrementally parses server frames out of an arbitrarily chunked
// byte stream. Partial frames are buffered across calls to Process, so the
// sequence of decoded responses does not depend on how the stream was split.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	pos int // start of unconsumed bytes in buf

	// AwaitingPayload state. When inPayload is false the decoder is
	// waiting for a header.
	inPayload bool
	respType  ResponseType
	remaining uint32

	skipped uint64
}

// NewDecoder returns a decoder waiting for its first header.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Process appends chunk to the internal buffer and returns every response
// completed by it, in stream order. Unknown tag bytes are skipped one at a
// time until a known tag lines up again. Malformed scrollback pages are
// dropped without producing a response.
func (d *Decoder) Process(chunk []byte) []Response {
	d.buf = append(d.buf, chunk...)

	var out []Response
	for {
		if !d.inPayload {
			if len(d.buf)-d.pos < ServerHeaderSize {
				break
			}
			respType := ResponseType(d.buf[d.pos])
			if !respType.Known() {
				d.pos++
				d.skipped++
				continue
			}
			length := binary.LittleEndian.Uint32(d.buf[d.pos+1 : d.pos+ServerHeaderSize])
			d.pos += ServerHeaderSize
			if length == 0 {
				if resp, err := DecodePayload(respType, []byte{}); err == nil {
					out = append(out, resp)
				}
				continue
			}
			d.inPayload = true
			d.respType = respType
			d.remaining = length
			continue
		}

		if uint64(len(d.buf)-d.pos) < uint64(d.remaining) {
			break
		}
		end := d.pos + int(d.remaining)
		payload := make([]byte, d.remaining)
		copy(payload, d.buf[d.pos:end])
		d.pos = end
		d.inPayload = false
		d.remaining = 0
		if resp, err := DecodePayload(d.respType, payload); err == nil {
			out = append(out, resp)
		}
	}

	d.compact()
	return out
}

// compact drops consumed bytes so the buffer only holds the pending tail.
func (d *Decoder) compact() {
	if d.pos == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.pos:])
	d.buf = d.buf[:n]
	d.pos = 0
}

// Reset discards buffered bytes and returns to waiting for a header.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.pos = 0
	d.inPayload = false
	d.respType = 0
	d.remaining = 0
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.pos
}

// Skipped returns the total number of bytes dropped while resynchronizing.
func (d *Decoder) Skipped() uint64 {
	return d.skipped
}
