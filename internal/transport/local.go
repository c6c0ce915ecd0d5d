package transport

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"
	"go.uber.org/multierr"
)

// ptyStream is the master side of a PTY running a local command.
type ptyStream struct {
	ptmx *os.File
	cmd  *exec.Cmd
}

// SpawnLocal runs cfg.Command through /bin/sh under a fresh PTY. This covers
// setups where the system ssh binary handles authentication, e.g.
// `ssh -t host rtach -A ...`, and running a companion on the local machine.
func SpawnLocal(cfg Config) (Stream, error) {
	if cfg.Command == "" {
		return nil, errors.New("local transport needs a command")
	}

	cmd := exec.Command("/bin/sh", "-c", cfg.Command)

	// Filter out any inherited TERM= and inject the configured value.
	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TERM=") {
			env = append(env, e)
		}
	}
	cmd.Env = append(env, "TERM="+cfg.term())

	rows, cols := cfg.size()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start PTY: %w", err)
	}
	return &ptyStream{ptmx: ptmx, cmd: cmd}, nil
}

func (s *ptyStream) Read(p []byte) (int, error)  { return s.ptmx.Read(p) }
func (s *ptyStream) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

// Resize sets the PTY to the given dimensions.
func (s *ptyStream) Resize(rows, cols uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (s *ptyStream) Close() error {
	err := s.ptmx.Close()
	if s.cmd.Process != nil {
		err = multierr.Append(err, ignoreFinished(s.cmd.Process.Kill()))
		s.cmd.Wait()
	}
	return err
}

func ignoreFinished(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
