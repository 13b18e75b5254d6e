package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"
)

// spawnProxyCommand runs command through the user's shell, wiring its
// stdin/stdout to a net.Conn the SSH handshake can run over — the Go
// equivalent of OpenSSH's ProxyCommand directive, and of the original
// Python controller's ProxyCommandTunnel, which opened a socketpair and
// handed one end to a subprocess. Go has no socketpair primitive exposed
// portably in net, so two pipes are wired instead: one for the child's
// stdout (our read side) and one for the child's stdin (our write side).
func spawnProxyCommand(ctx context.Context, command string) (net.Conn, *exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, shellPath(), "-c", command)

	childStdin, ourStdinWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	ourStdoutRead, childStdout, err := os.Pipe()
	if err != nil {
		childStdin.Close()
		ourStdinWrite.Close()
		return nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	cmd.Stdin = childStdin
	cmd.Stdout = childStdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		childStdin.Close()
		ourStdinWrite.Close()
		ourStdoutRead.Close()
		childStdout.Close()
		return nil, nil, fmt.Errorf("start proxycommand %q: %w", command, err)
	}

	// The child owns these ends now; closing our copies lets the child
	// see EOF/SIGPIPE correctly when we close our side later.
	childStdin.Close()
	childStdout.Close()

	conn := &proxyCommandConn{
		r:   ourStdoutRead,
		w:   ourStdinWrite,
		cmd: cmd,
	}
	return conn, cmd, nil
}

// shellPath returns the shell to run ProxyCommand templates through,
// following the same $SHELL-or-/bin/sh fallback OpenSSH itself uses.
func shellPath() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// proxyCommandConn adapts a pair of os.File pipes into a net.Conn so the
// SSH handshake code can treat a subprocess tunnel exactly like a TCP
// socket. Deadlines are not supported: os.File has no deadline API prior
// to the handshake needing one, and the handshake itself is bounded by
// the caller's context instead.
type proxyCommandConn struct {
	r   *os.File
	w   *os.File
	cmd *exec.Cmd
}

func (c *proxyCommandConn) Read(b []byte) (int, error)  { return c.r.Read(b) }
func (c *proxyCommandConn) Write(b []byte) (int, error) { return c.w.Write(b) }

func (c *proxyCommandConn) Close() error {
	rerr := c.r.Close()
	werr := c.w.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

func (c *proxyCommandConn) LocalAddr() net.Addr  { return proxyCommandAddr{} }
func (c *proxyCommandConn) RemoteAddr() net.Addr { return proxyCommandAddr{} }

func (c *proxyCommandConn) SetDeadline(t time.Time) error      { return nil }
func (c *proxyCommandConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *proxyCommandConn) SetWriteDeadline(t time.Time) error { return nil }

// proxyCommandAddr is a placeholder net.Addr for subprocess tunnels,
// which have no real network address.
type proxyCommandAddr struct{}

func (proxyCommandAddr) Network() string { return "proxycommand" }
func (proxyCommandAddr) String() string  { return "proxycommand" }
