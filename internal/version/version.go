// Package version carries the build stamp of the rtach client.
package version

import (
	"fmt"

	"github.com/chronologos/rtach-client/internal/protocol"
)

// VERSION and Commit are set at build time via:
//
//	go build -ldflags "-X ...version.VERSION=0.1.0 -X ...version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)

// String reports the build and the rtach protocol version it speaks.
func String() string {
	return fmt.Sprintf("rtach-client %s (%s) protocol %d.%d",
		VERSION, Commit, protocol.VersionMajor, protocol.VersionMinor)
}
