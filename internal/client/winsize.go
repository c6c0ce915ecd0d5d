package client

import (
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/chronologos/rtach-client/internal/protocol"
)

// terminalSize reads the window size of fd including pixel dimensions.
// Some terminals leave the pixel fields zero; the companion accepts that.
func terminalSize(fd int) (protocol.Winsize, bool) {
	if fd < 0 {
		return protocol.Winsize{}, false
	}
	ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err == nil && ws.Row > 0 && ws.Col > 0 {
		return protocol.Winsize{
			Rows:   ws.Row,
			Cols:   ws.Col,
			XPixel: ws.Xpixel,
			YPixel: ws.Ypixel,
		}, true
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return protocol.Winsize{}, false
	}
	return protocol.Winsize{Rows: uint16(rows), Cols: uint16(cols)}, true
}
