package client

// EscapeState tracks position within a ~ escape sequence.
type EscapeState int

const (
	escNone         EscapeState = iota // mid-line
	escAfterNewline                    // saw \r or \n (or connection start)
	escAfterTilde                      // saw ~ at start of line, held back
)

// EscapeAction is the result of processing input through the escape machine.
type EscapeAction int

const (
	EscSend        EscapeAction = iota // emit output bytes
	EscDisconnect                      // ~. detach and quit
	EscRedraw                          // ~r ask the companion to repaint
	EscTogglePause                     // ~p pause or resume terminal output
	EscScrollback                      // ~s fetch the next scrollback page
)

func (a EscapeAction) String() string {
	switch a {
	case EscSend:
		return "send"
	case EscDisconnect:
		return "disconnect"
	case EscRedraw:
		return "redraw"
	case EscTogglePause:
		return "toggle-pause"
	case EscScrollback:
		return "scrollback"
	default:
		return "unknown"
	}
}

var escapeCommands = map[byte]EscapeAction{
	'.': EscDisconnect,
	'r': EscRedraw,
	'p': EscTogglePause,
	's': EscScrollback,
}

// EscapeProcessor detects ~ escape sequences in terminal input.
// It holds back the ~ character when it appears at the start of a line,
// waiting to see if the next character completes an escape sequence.
type EscapeProcessor struct {
	state EscapeState
}

// NewEscapeProcessor creates an EscapeProcessor in the AfterNewline state,
// so escapes work immediately at connection start.
func NewEscapeProcessor() *EscapeProcessor {
	return &EscapeProcessor{state: escAfterNewline}
}

// Process runs input through the state machine, writing filtered output to
// dst (which needs len(input)+1 bytes for a held ~). It stops after the first
// escape command and returns the bytes written, the input bytes consumed, and
// the action. Callers loop on input[consumed:] until it is empty.
func (e *EscapeProcessor) Process(input, dst []byte) (n, consumed int, action EscapeAction) {
	for i, b := range input {
		switch e.state {
		case escNone:
			if b == '\r' || b == '\n' {
				e.state = escAfterNewline
			}
			dst[n] = b
			n++

		case escAfterNewline:
			switch {
			case b == '~':
				e.state = escAfterTilde
				// hold ~ until the next byte
			case b == '\r' || b == '\n':
				dst[n] = b
				n++
			default:
				e.state = escNone
				dst[n] = b
				n++
			}

		case escAfterTilde:
			if act, ok := escapeCommands[b]; ok {
				// Another command may follow without a newline.
				e.state = escAfterNewline
				return n, i + 1, act
			}
			switch {
			case b == '~':
				// ~~ → emit single ~
				e.state = escNone
				dst[n] = '~'
				n++
			case b == '\r' || b == '\n':
				e.state = escAfterNewline
				dst[n] = '~'
				n++
				dst[n] = b
				n++
			default:
				e.state = escNone
				dst[n] = '~'
				n++
				dst[n] = b
				n++
			}
		}
	}
	return n, len(input), EscSend
}

// Reset returns the processor to its initial state (AfterNewline).
func (e *EscapeProcessor) Reset() {
	e.state = escAfterNewline
}
