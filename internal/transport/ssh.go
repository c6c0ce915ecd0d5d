package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

var ErrNoAuthMethods = errors.New("no SSH identity file or agent available")

// sshStream is the stdin/stdout of a remote command running under a PTY.
type sshStream struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	agent   net.Conn // nil without an agent
}

// DialSSH opens a shell-session channel, requests a PTY and starts the
// companion command on it.
func DialSSH(ctx context.Context, cfg Config) (Stream, error) {
	authMethods, agentConn, err := sshAuthMethods(cfg.IdentityFile)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := sshHostKeyCallback(cfg)
	if err != nil {
		closeAgent(agentConn)
		return nil, err
	}

	user := cfg.User
	if user == "" {
		user = os.Getenv("USER")
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAgent(agentConn)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	clientConf := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConf)
	if err != nil {
		conn.Close()
		closeAgent(agentConn)
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	// The deadline only guards the handshake.
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	stream, err := startSSHCommand(client, cfg)
	if err != nil {
		client.Close()
		closeAgent(agentConn)
		return nil, err
	}
	stream.agent = agentConn
	return stream, nil
}

func startSSHCommand(client *ssh.Client, cfg Config) (*sshStream, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new ssh session: %w", err)
	}

	rows, cols := cfg.size()
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(cfg.term(), int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh stdout pipe: %w", err)
	}

	if err := session.Start(cfg.Command); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %q: %w", cfg.Command, err)
	}

	return &sshStream{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

func (s *sshStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *sshStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Resize forwards a window change to the remote PTY.
func (s *sshStream) Resize(rows, cols uint16) error {
	return s.session.WindowChange(int(rows), int(cols))
}

func (s *sshStream) Close() error {
	err := multierr.Combine(
		ignoreEOF(s.stdin.Close()),
		ignoreEOF(s.session.Close()),
		s.client.Close(),
	)
	closeAgent(s.agent)
	return err
}

// sshAuthMethods prefers an explicit identity file and falls back to the
// agent at $SSH_AUTH_SOCK. Both are offered when available.
func sshAuthMethods(identityFile string) ([]ssh.AuthMethod, net.Conn, error) {
	var methods []ssh.AuthMethod

	if identityFile != "" {
		pem, err := os.ReadFile(expandHome(identityFile))
		if err != nil {
			return nil, nil, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, nil, fmt.Errorf("parse identity file %s: %w", identityFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	var agentConn net.Conn
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, nil, ErrNoAuthMethods
	}
	return methods, agentConn, nil
}

func sshHostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHostsFile
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func closeAgent(conn net.Conn) {
	if conn != nil {
		conn.Close()
	}
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
