package protocol

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

// frame builds a raw server frame with an arbitrary tag.
func frame(tag byte, payload []byte) []byte {
	out := make([]byte, ServerHeaderSize+len(payload))
	out[0] = tag
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[ServerHeaderSize:], payload)
	return out
}

// mixedStream returns one of every response type back to back.
func mixedStream() []byte {
	var s []byte
	s = append(s, EncodeResponse(&TerminalData{Data: []byte("hello")})...)
	s = append(s, EncodeResponse(&Idle{})...)
	s = append(s, EncodeResponse(&ScrollbackPage{
		Meta: ScrollbackPageMeta{TotalLength: 4096, Offset: 1024},
		Data: []byte("older output"),
	})...)
	s = append(s, EncodeResponse(&Command{Data: []byte("open https://example.com")})...)
	s = append(s, EncodeResponse(&ScrollbackLegacy{Data: bytes.Repeat([]byte{'z'}, 300)})...)
	s = append(s, EncodeResponse(NewHandshake())...)
	s = append(s, EncodeResponse(&TerminalData{Data: []byte{}})...)
	return s
}

func TestDecodeMixedStream(t *testing.T) {
	d := NewDecoder()
	got := d.Process(mixedStream())

	want := []ResponseType{
		RespTerminalData, RespIdle, RespScrollbackPage, RespCommand,
		RespScrollback, RespHandshake, RespTerminalData,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d responses, got %d", len(want), len(got))
	}
	for i, r := range got {
		if r.Type() != want[i] {
			t.Fatalf("response %d: got %s, want %s", i, r.Type(), want[i])
		}
	}

	page := got[2].(*ScrollbackPage)
	if page.Meta.TotalLength != 4096 || page.Meta.Offset != 1024 {
		t.Fatalf("page meta: got %+v", page.Meta)
	}
	if string(page.Data) != "older output" {
		t.Fatalf("page data: got %q", page.Data)
	}
	hs := got[5].(*Handshake)
	if !hs.Valid() || hs.Version() != "2.0" {
		t.Fatalf("handshake: got %+v", hs)
	}
	if d.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", d.Buffered())
	}
}

func TestDecodeChunkInvariance(t *testing.T) {
	stream := mixedStream()

	whole := NewDecoder().Process(stream)

	d := NewDecoder()
	var byteAtATime []Response
	for i := range stream {
		byteAtATime = append(byteAtATime, d.Process(stream[i:i+1])...)
	}

	if !reflect.DeepEqual(whole, byteAtATime) {
		t.Fatalf("one-byte delivery differs from whole delivery:\n%#v\n%#v", byteAtATime, whole)
	}

	// Every two-way split point as well.
	for split := range stream {
		d := NewDecoder()
		got := append(d.Process(stream[:split]), d.Process(stream[split:])...)
		if !reflect.DeepEqual(whole, got) {
			t.Fatalf("split at %d differs from whole delivery", split)
		}
	}
}

func TestDecodeResync(t *testing.T) {
	input := append([]byte{99}, frame(byte(RespTerminalData), []byte("valid"))...)

	d := NewDecoder()
	got := d.Process(input)
	if len(got) != 1 {
		t.Fatalf("expected 1 response, got %d", len(got))
	}
	td, ok := got[0].(*TerminalData)
	if !ok {
		t.Fatalf("expected *TerminalData, got %T", got[0])
	}
	if string(td.Data) != "valid" {
		t.Fatalf("payload: got %q", td.Data)
	}
	if d.Skipped() != 1 {
		t.Fatalf("expected 1 skipped byte, got %d", d.Skipped())
	}
}

func TestDecodeResyncKeepsEarlierFrames(t *testing.T) {
	var input []byte
	input = append(input, frame(byte(RespTerminalData), []byte("one"))...)
	input = append(input, 0x77, 0x88, 0x99)
	input = append(input, frame(byte(RespTerminalData), []byte("two"))...)

	got := NewDecoder().Process(input)
	if len(got) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(got))
	}
	if string(got[0].(*TerminalData).Data) != "one" || string(got[1].(*TerminalData).Data) != "two" {
		t.Fatal("payload mismatch around corrupted bytes")
	}
}

func TestDecodeWaitsForHeader(t *testing.T) {
	d := NewDecoder()
	if got := d.Process([]byte{0x00, 0x05, 0x00, 0x00}); len(got) != 0 {
		t.Fatalf("expected no responses from partial header, got %d", len(got))
	}
	if d.Buffered() != 4 {
		t.Fatalf("expected 4 buffered bytes, got %d", d.Buffered())
	}
}

func TestDecodeZeroLengthFrames(t *testing.T) {
	var input []byte
	input = append(input, frame(byte(RespIdle), nil)...)
	input = append(input, frame(byte(RespTerminalData), nil)...)
	input = append(input, frame(byte(RespCommand), nil)...)

	got := NewDecoder().Process(input)
	if len(got) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(got))
	}
	if td := got[1].(*TerminalData); len(td.Data) != 0 {
		t.Fatalf("expected empty terminal data, got %d bytes", len(td.Data))
	}
}

func TestDecodeShortScrollbackPageDropped(t *testing.T) {
	var input []byte
	input = append(input, frame(byte(RespScrollbackPage), []byte{1, 2, 3})...)
	input = append(input, frame(byte(RespScrollbackPage), nil)...)
	input = append(input, frame(byte(RespTerminalData), []byte("after"))...)

	got := NewDecoder().Process(input)
	if len(got) != 1 {
		t.Fatalf("expected only the trailing frame, got %d responses", len(got))
	}
	if string(got[0].(*TerminalData).Data) != "after" {
		t.Fatalf("unexpected payload %q", got[0].(*TerminalData).Data)
	}
}

func TestDecodeMetaOnlyScrollbackPage(t *testing.T) {
	meta := make([]byte, ScrollbackPageMetaSize)
	binary.LittleEndian.PutUint32(meta[0:4], 10)
	binary.LittleEndian.PutUint32(meta[4:8], 10)

	got := NewDecoder().Process(frame(byte(RespScrollbackPage), meta))
	if len(got) != 1 {
		t.Fatalf("expected 1 response, got %d", len(got))
	}
	page := got[0].(*ScrollbackPage)
	if len(page.Data) != 0 || page.Meta.Offset != 10 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestDecodeReset(t *testing.T) {
	d := NewDecoder()
	full := frame(byte(RespTerminalData), []byte("abcdef"))
	d.Process(full[:7]) // header + 2 payload bytes
	d.Reset()
	if d.Buffered() != 0 {
		t.Fatalf("expected empty buffer after reset, got %d", d.Buffered())
	}

	got := d.Process(frame(byte(RespTerminalData), []byte("fresh")))
	if len(got) != 1 || string(got[0].(*TerminalData).Data) != "fresh" {
		t.Fatalf("decoder did not recover after reset: %#v", got)
	}
}

func TestDecodedPayloadIsOwned(t *testing.T) {
	d := NewDecoder()
	input := frame(byte(RespTerminalData), []byte("keep"))
	got := d.Process(input)
	for i := range input {
		input[i] = 0
	}
	d.Process(frame(byte(RespTerminalData), []byte("next")))
	if string(got[0].(*TerminalData).Data) != "keep" {
		t.Fatalf("payload aliased decoder or caller buffer: %q", got[0].(*TerminalData).Data)
	}
}

func TestHandshakeValidity(t *testing.T) {
	hs := &Handshake{Magic: HandshakeMagic, VersionMajor: 9, VersionMinor: 7}
	if !hs.Valid() {
		t.Fatal("validity must not depend on version")
	}
	if hs.Version() != "9.7" {
		t.Fatalf("version: got %q", hs.Version())
	}
	if (&Handshake{Magic: 0xdeadbeef, VersionMajor: 2}).Valid() {
		t.Fatal("wrong magic must be invalid")
	}
}

func TestDecodeHandshakeShort(t *testing.T) {
	if _, err := DecodeHandshake(make([]byte, 7)); err != ErrShortPayload {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

// --- Fuzz tests ---

func FuzzDecoder(f *testing.F) {
	f.Add(mixedStream(), uint8(1))
	f.Add([]byte{99, 0, 1, 0, 0, 0, 'x'}, uint8(3))
	f.Fuzz(func(t *testing.T, data []byte, step uint8) {
		if step == 0 {
			step = 1
		}
		whole := NewDecoder().Process(data)

		d := NewDecoder()
		var chunked []Response
		for i := 0; i < len(data); i += int(step) {
			end := min(i+int(step), len(data))
			chunked = append(chunked, d.Process(data[i:end])...)
		}
		if !reflect.DeepEqual(whole, chunked) {
			t.Fatalf("chunk size %d changed the decoded responses", step)
		}
	})
}
