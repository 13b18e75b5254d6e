// Package ssh provides the SSH transport layer for the dissect controller:
// dialing workers (C2, including ProxyJump and ProxyCommand tunnels) and
// running a single command on a connected host with live banner-prefixed
// output (C3).
package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/talshorer/git-dissect/internal/banner"
	"github.com/talshorer/git-dissect/internal/pathutil"
)

// PasswordCallback is called when agent and key-based auth both fail.
// It receives the hostname and should return the password.
type PasswordCallback func(host string) (string, error)

// ClientConfig holds options for creating an SSH client.
type ClientConfig struct {
	// User overrides the SSH username. If empty, resolved from
	// ~/.ssh/config or the current OS user.
	User string

	// Port overrides the SSH port. If zero, resolved from
	// ~/.ssh/config or defaults to 22.
	Port int

	// IdentityFiles lists explicit private key paths to try.
	// If empty, resolved from ~/.ssh/config and default key locations.
	IdentityFiles []string

	// PasswordCallback is invoked when agent and key auth fail.
	PasswordCallback PasswordCallback

	// AcceptUnknownHosts controls whether to accept hosts not in known_hosts.
	AcceptUnknownHosts bool

	// HostKeyCallback overrides the default host key verification.
	// If nil, knownhosts is used (with AcceptUnknownHosts controlling unknowns).
	HostKeyCallback ssh.HostKeyCallback

	// ProxyJump specifies one or more comma-separated SSH jump hosts
	// (e.g. "bastion" or "user@jump1:2222,user@jump2").
	// "none" disables proxy jumping (SSH convention).
	ProxyJump string

	// ProxyCommand is a shell command template tunneling the connection
	// through an arbitrary subprocess instead of a TCP dial. "%h", "%p",
	// "%r" are substituted with the resolved hostname, port, and user.
	// Empty or "none" disables it. Mutually exclusive with ProxyJump;
	// ProxyJump takes precedence if both are set.
	ProxyCommand string
}

// Client wraps an SSH connection to a single host.
type Client struct {
	host        string
	sshClient   *ssh.Client
	clientConf  ClientConfig
	jumpClients []*Client // intermediate jump-host clients, for cleanup
	proxyCmd    *exec.Cmd // ProxyCommand subprocess, if any, for cleanup
}

// Dial connects to the given host using the configured auth chain.
// If conf.ProxyJump is set (and not "none"), the connection is tunneled
// through one or more jump hosts. Otherwise, if conf.ProxyCommand is set
// (and not "none"), the connection runs over a subprocess tunnel.
func Dial(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	if conf.ProxyJump != "" && conf.ProxyJump != "none" {
		return dialViaProxy(ctx, host, conf)
	}
	if conf.ProxyCommand != "" && strings.ToLower(conf.ProxyCommand) != "none" {
		return dialViaProxyCommand(ctx, host, conf)
	}
	return dialDirect(ctx, host, conf)
}

// dialDirect establishes a direct SSH connection (no proxy).
func dialDirect(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	addr, user, authMethods, err := resolveConnection(host, conf)
	if err != nil {
		return nil, fmt.Errorf("resolve connection for %s: %w", host, err)
	}

	hostKeyCallback, err := resolveHostKeyCallback(conf)
	if err != nil {
		return nil, fmt.Errorf("host key callback: %w", err)
	}

	sshConf := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}

	conn, err := dialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	return &Client{
		host:       host,
		sshClient:  client,
		clientConf: conf,
	}, nil
}

// dialViaProxyCommand spawns conf.ProxyCommand as a subprocess and performs
// the SSH handshake over its stdin/stdout, the way OpenSSH's ProxyCommand
// directive works. This is distinct from ProxyJump: there is no
// intermediate SSH session, just an arbitrary pipe (classically a netcat
// or corkscrew invocation) that the caller trusts to reach the target.
func dialViaProxyCommand(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	_, user, authMethods, err := resolveConnection(host, conf)
	if err != nil {
		return nil, fmt.Errorf("resolve connection for %s: %w", host, err)
	}

	port := conf.Port
	if port == 0 {
		port = 22
	}

	hostKeyCallback, err := resolveHostKeyCallback(conf)
	if err != nil {
		return nil, fmt.Errorf("host key callback: %w", err)
	}

	sshConf := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}

	command := expandProxyCommand(conf.ProxyCommand, host, port, user)
	conn, cmd, err := spawnProxyCommand(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("spawn proxycommand for %s: %w", host, err)
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s (via proxycommand): %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	return &Client{
		host:       host,
		sshClient:  client,
		clientConf: conf,
		proxyCmd:   cmd,
	}, nil
}

// expandProxyCommand substitutes the %h, %p, %r placeholders in a
// ProxyCommand template with the resolved hostname, port, and user,
// following OpenSSH's ssh_config(5) convention.
func expandProxyCommand(template, host string, port int, user string) string {
	r := strings.NewReplacer(
		"%h", host,
		"%p", fmt.Sprintf("%d", port),
		"%r", user,
	)
	return r.Replace(template)
}

// dialViaProxy chains through one or more comma-separated jump hosts,
// then dials the final target through the last jump connection.
func dialViaProxy(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	specs := strings.Split(conf.ProxyJump, ",")
	var jumpClients []*Client

	// buildJumpConf creates a config for a jump host, inheriting auth settings
	// from the original config and applying overrides from the jump spec.
	buildJumpConf := func(spec string) (ClientConfig, string) {
		jumpUser, jumpHostname, jumpPort := parseJumpHost(spec)
		jc := ClientConfig{
			Port:               jumpPort,
			IdentityFiles:      conf.IdentityFiles,
			PasswordCallback:   conf.PasswordCallback,
			AcceptUnknownHosts: conf.AcceptUnknownHosts,
			HostKeyCallback:    conf.HostKeyCallback,
		}
		if jumpUser != "" {
			jc.User = jumpUser
		}
		return jc, jumpHostname
	}

	jumpConf, jumpHostname := buildJumpConf(specs[0])
	prevClient, err := dialDirect(ctx, jumpHostname, jumpConf)
	if err != nil {
		return nil, fmt.Errorf("dial jump host %q: %w", specs[0], err)
	}
	jumpClients = append(jumpClients, prevClient)

	for _, spec := range specs[1:] {
		jumpConf, jumpHostname = buildJumpConf(spec)
		nextClient, err := dialThrough(ctx, prevClient, jumpHostname, jumpConf)
		if err != nil {
			for i := len(jumpClients) - 1; i >= 0; i-- {
				jumpClients[i].Close()
			}
			return nil, fmt.Errorf("dial jump host %q: %w", spec, err)
		}
		jumpClients = append(jumpClients, nextClient)
		prevClient = nextClient
	}

	finalConf := conf
	finalConf.ProxyJump = "" // prevent infinite recursion
	finalClient, err := dialThrough(ctx, prevClient, host, finalConf)
	if err != nil {
		for i := len(jumpClients) - 1; i >= 0; i-- {
			jumpClients[i].Close()
		}
		return nil, fmt.Errorf("dial target %s via proxy: %w", host, err)
	}
	finalClient.jumpClients = jumpClients
	return finalClient, nil
}

// dialThrough tunnels an SSH connection through an existing client.
func dialThrough(ctx context.Context, proxy *Client, host string, conf ClientConfig) (*Client, error) {
	addr, user, authMethods, err := resolveConnection(host, conf)
	if err != nil {
		return nil, fmt.Errorf("resolve connection for %s: %w", host, err)
	}

	hostKeyCallback, err := resolveHostKeyCallback(conf)
	if err != nil {
		return nil, fmt.Errorf("host key callback: %w", err)
	}

	sshConf := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}

	conn, err := proxy.sshClient.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel through %s to %s: %w", proxy.host, addr, err)
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s (via %s): %w", addr, proxy.host, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	return &Client{
		host:       host,
		sshClient:  client,
		clientConf: conf,
	}, nil
}

// parseJumpHost parses a jump host spec in the form "user@host:port",
// "host:port", "user@host", or just "host". Returns user, hostname, port.
func parseJumpHost(spec string) (user, hostname string, port int) {
	spec = strings.TrimSpace(spec)

	if i := strings.Index(spec, "@"); i >= 0 {
		user = spec[:i]
		spec = spec[i+1:]
	}

	if host, portStr, err := net.SplitHostPort(spec); err == nil {
		hostname = host
		fmt.Sscanf(portStr, "%d", &port)
	} else {
		hostname = spec
	}

	return user, hostname, port
}

// RunCommand executes a command on the connected host and returns
// stdout, stderr, exit code, and any error. If bw is non-nil, an "exec"
// banner is printed before launch, each stdout/stderr line is printed live
// as the worker emits it, and a "ret" banner is printed with the exit
// status after completion — the streaming contract C3 requires.
func (c *Client) RunCommand(ctx context.Context, command string, bw *banner.Writer) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.sshClient.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf safeBuffer
	if bw != nil {
		bw.Exec(command)
		outLine := bw.LineWriter(banner.Out)
		errLine := bw.LineWriter(banner.Err)
		defer outLine.Close()
		defer errLine.Close()
		session.Stdout = io.MultiWriter(&outBuf, outLine)
		session.Stderr = io.MultiWriter(&errBuf, errLine)
	} else {
		session.Stdout = &outBuf
		session.Stderr = &errBuf
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, nil, -1, ctx.Err()
	case runErr := <-done:
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
				if bw != nil {
					bw.Ret(exitCode)
				}
				return outBuf.Bytes(), errBuf.Bytes(), exitCode, nil
			}
			return outBuf.Bytes(), errBuf.Bytes(), -1, runErr
		}
		if bw != nil {
			bw.Ret(0)
		}
		return outBuf.Bytes(), errBuf.Bytes(), 0, nil
	}
}

// Close closes the underlying SSH connection, any jump-host connections
// in reverse order (innermost first), and the ProxyCommand subprocess
// if one was spawned for this client.
func (c *Client) Close() error {
	var firstErr error
	if c.sshClient != nil {
		firstErr = c.sshClient.Close()
	}
	for i := len(c.jumpClients) - 1; i >= 0; i-- {
		if err := c.jumpClients[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.proxyCmd != nil && c.proxyCmd.Process != nil {
		c.proxyCmd.Process.Kill()
		c.proxyCmd.Wait()
	}
	return firstErr
}

// Host returns the hostname this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// SSHClient returns the underlying golang.org/x/crypto/ssh client, for
// callers (e.g. internal/seed) that need to open additional channels
// over the same connection, such as an SFTP subsystem.
func (c *Client) SSHClient() *ssh.Client {
	return c.sshClient
}

// resolveConnection builds the address, username, and auth methods for a host.
// When values are pre-set in conf (from the config layer's host resolution),
// ssh_config is not re-queried — this avoids double lookups that could use
// the wrong key (resolved hostname vs original alias).
func resolveConnection(host string, conf ClientConfig) (addr, user string, methods []ssh.AuthMethod, err error) {
	user = conf.User
	if user == "" {
		user = sshconfig.Get(host, "User")
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "root"
	}

	port := conf.Port
	if port == 0 {
		portStr := sshconfig.Get(host, "Port")
		if portStr != "" {
			fmt.Sscanf(portStr, "%d", &port)
		}
	}
	if port == 0 {
		port = 22
	}

	addr = net.JoinHostPort(host, fmt.Sprintf("%d", port))

	methods = buildAuthMethods(host, conf)

	return addr, user, methods, nil
}

// buildAuthMethods constructs the ordered auth chain.
func buildAuthMethods(host string, conf ClientConfig) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if agentAuth := agentAuthMethod(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	keyFiles := conf.IdentityFiles
	if len(keyFiles) == 0 {
		keyFiles = resolveKeyFiles(host)
	}
	for _, keyFile := range keyFiles {
		if signer := loadKeySigner(keyFile); signer != nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if conf.PasswordCallback != nil {
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			return conf.PasswordCallback(host)
		}))
	}

	return methods
}

// sharedAgent holds a lazily-initialized, process-wide SSH agent connection.
// Uses a mutex instead of sync.Once so a failed dial can be retried.
var sharedAgent struct {
	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared SSH agent connection, if any.
func CloseAgent() {
	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()
	if sharedAgent.conn != nil {
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}
}

func agentAuthMethod() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()

	if sharedAgent.client != nil {
		if keys, err := sharedAgent.client.List(); err == nil {
			if len(keys) > 0 {
				return ssh.PublicKeysCallback(sharedAgent.client.Signers)
			}
			return nil
		}
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	sharedAgent.conn = conn
	sharedAgent.client = agent.NewClient(conn)

	keys, err := sharedAgent.client.List()
	if err != nil || len(keys) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(sharedAgent.client.Signers)
}

// resolveKeyFiles returns key file paths from ssh_config and default locations.
func resolveKeyFiles(host string) []string {
	var files []string

	identity := sshconfig.Get(host, "IdentityFile")
	if identity != "" {
		expanded := pathutil.ExpandHome(identity)
		if _, err := os.Stat(expanded); err == nil {
			files = append(files, expanded)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return files
	}
	defaults := []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_rsa"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
	}
	for _, f := range defaults {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}

	return files
}

func loadKeySigner(path string) ssh.Signer {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return signer
}

// resolveHostKeyCallback builds the host key callback.
func resolveHostKeyCallback(conf ClientConfig) (ssh.HostKeyCallback, error) {
	if conf.HostKeyCallback != nil {
		return conf.HostKeyCallback, nil
	}

	if conf.AcceptUnknownHosts {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}

	knownHostsPath := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no known_hosts file found at %s; use --insecure to skip host key verification", knownHostsPath)
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

// dialContext dials a network address with context cancellation support.
func dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, network, addr)
}

// newClientConn performs the SSH handshake with context cancellation.
func newClientConn(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}
