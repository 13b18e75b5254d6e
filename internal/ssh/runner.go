package ssh

import (
	"context"
	"fmt"

	"github.com/talshorer/git-dissect/internal/banner"
	"github.com/talshorer/git-dissect/internal/executor"
)

// HostConfig holds per-host SSH connection details.
type HostConfig struct {
	Hostname     string // actual hostname to dial (may differ from the map key)
	User         string
	Port         int
	IdentityFile string
	ProxyJump    string
	ProxyCommand string
}

// SSHRunner implements executor.Runner using one-shot SSH connections —
// dial, run, close — rather than a persistent pool. The round driver
// does not use it: every driver path, fetch and seed included, goes
// through Pool.
type SSHRunner struct {
	baseConf  ClientConfig
	hostConfs map[string]HostConfig
}

// NewRunner creates an SSHRunner with a base config and per-host overrides.
func NewRunner(baseConf ClientConfig, hostConfs map[string]HostConfig) *SSHRunner {
	return &SSHRunner{
		baseConf:  baseConf,
		hostConfs: hostConfs,
	}
}

// GetClient dials a one-shot SSH connection to the given host.
// The caller is responsible for closing the returned Client.
func (r *SSHRunner) GetClient(ctx context.Context, host string) (*Client, error) {
	conf, dialHost := resolveHostConf(r.baseConf, r.hostConfs, host)
	return Dial(ctx, dialHost, conf)
}

// CloseClient closes a client returned by GetClient. SSHRunner creates
// one-shot connections, so they must be closed after use.
func (r *SSHRunner) CloseClient(client *Client) error {
	return client.Close()
}

// Run executes a command on a single host via a fresh SSH connection,
// implementing executor.Runner.
func (r *SSHRunner) Run(ctx context.Context, host string, command string, bw *banner.Writer) *executor.HostResult {
	result := &executor.HostResult{Host: host}

	conf, dialHost := resolveHostConf(r.baseConf, r.hostConfs, host)

	client, err := Dial(ctx, dialHost, conf)
	if err != nil {
		result.Err = WrapConnectError(host, fmt.Errorf("connect: %w", err))
		return result
	}
	defer client.Close()

	stdout, stderr, exitCode, err := client.RunCommand(ctx, command, bw)
	result.Stdout = stdout
	result.Stderr = stderr
	result.ExitCode = exitCode
	result.Err = err
	return result
}
