package session

import "github.com/chronologos/rtach-client/internal/protocol"

// Handler receives decoded events from a Session. Calls happen
// synchronously inside Session.Receive, in stream order. Byte slices are
// owned by the handler.
type Handler interface {
	OnTerminalData(data []byte)
	OnScrollback(data []byte)
	OnCommand(data []byte)
	OnScrollbackPage(meta protocol.ScrollbackPageMeta, data []byte)
	OnIdle()
	// OnFramedMode fires after the upgrade packet has been sent.
	OnFramedMode(version string)
}

// Sender hands encoded packets to the transport, in call order.
type Sender interface {
	Send(packet []byte)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(packet []byte)

func (f SenderFunc) Send(packet []byte) { f(packet) }

// HandlerFuncs adapts a set of optional callbacks to Handler. Nil fields
// discard the corresponding event.
type HandlerFuncs struct {
	TerminalData   func(data []byte)
	Scrollback     func(data []byte)
	Command        func(data []byte)
	ScrollbackPage func(meta protocol.ScrollbackPageMeta, data []byte)
	Idle           func()
	FramedMode     func(version string)
}

func (h HandlerFuncs) OnTerminalData(data []byte) {
	if h.TerminalData != nil {
		h.TerminalData(data)
	}
}

func (h HandlerFuncs) OnScrollback(data []byte) {
	if h.Scrollback != nil {
		h.Scrollback(data)
	}
}

func (h HandlerFuncs) OnCommand(data []byte) {
	if h.Command != nil {
		h.Command(data)
	}
}

func (h HandlerFuncs) OnScrollbackPage(meta protocol.ScrollbackPageMeta, data []byte) {
	if h.ScrollbackPage != nil {
		h.ScrollbackPage(meta, data)
	}
}

func (h HandlerFuncs) OnIdle() {
	if h.Idle != nil {
		h.Idle()
	}
}

func (h HandlerFuncs) OnFramedMode(version string) {
	if h.FramedMode != nil {
		h.FramedMode(version)
	}
}
