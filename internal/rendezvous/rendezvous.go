// Package rendezvous implements the signal endpoint (C8): a Unix
// datagram socket a worker's remote command can connect to and report a
// good/bad verdict, and the "signal wait" side that blocks for it (by
// default the remote test command itself, running on the worker). The
// original controller opened the same AF_UNIX/SOCK_DGRAM socket by hand
// with Python's socket module; Go exposes the equivalent directly
// through net.ListenUnixgram/DialUnix, so no raw syscalls
// are needed here.
package rendezvous

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Verdict is the one-byte payload exchanged over the socket.
type Verdict byte

const (
	Good Verdict = 0
	Bad  Verdict = 1
)

func (v Verdict) String() string {
	if v == Good {
		return "good"
	}
	return "bad"
}

// Endpoint is the signal socket path under a repository's git dir.
type Endpoint struct {
	path string
}

// Open returns an Endpoint bound to <gitDir>/DISSECT_SIGNAL.
func Open(gitDir string) *Endpoint {
	return &Endpoint{path: filepath.Join(gitDir, "DISSECT_SIGNAL")}
}

// Wait binds the socket, blocks for a single verdict byte sent by Send,
// and removes the socket file before returning — whether it returns a
// verdict or an error. A stale socket file from a previous, uncleanly
// terminated wait is removed before binding, since AF_UNIX refuses to
// bind over an existing path.
func (e *Endpoint) Wait() (Verdict, error) {
	_ = os.Remove(e.path)

	addr, err := net.ResolveUnixAddr("unixgram", e.path)
	if err != nil {
		return 0, fmt.Errorf("resolve signal socket: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return 0, fmt.Errorf("bind signal socket: %w", err)
	}
	defer conn.Close()
	defer os.Remove(e.path)

	buf := make([]byte, 1)
	n, _, err := conn.ReadFromUnix(buf)
	if err != nil {
		return 0, fmt.Errorf("read signal: %w", err)
	}
	if n < 1 {
		return 0, fmt.Errorf("read signal: empty datagram")
	}
	return Verdict(buf[0]), nil
}

// Send connects to an already-waiting Endpoint and sends verdict. It is
// the client side of the rendezvous: a worker's test command invokes
// `git dissect signal good` or `... bad` after determining the verdict
// for its own checked-out commit.
func (e *Endpoint) Send(verdict Verdict) error {
	addr, err := net.ResolveUnixAddr("unixgram", e.path)
	if err != nil {
		return fmt.Errorf("resolve signal socket: %w", err)
	}
	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return fmt.Errorf("connect to signal socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{byte(verdict)}); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	return nil
}
