// Package round implements the round driver (C7): checkout, collect,
// step, and run, composing the config store, connection pool, fan-out
// executor, oracle, selector, and refs directory into one bisect round.
package round

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/talshorer/git-dissect/internal/banner"
	"github.com/talshorer/git-dissect/internal/config"
	"github.com/talshorer/git-dissect/internal/direrr"
	"github.com/talshorer/git-dissect/internal/executor"
	"github.com/talshorer/git-dissect/internal/oracle"
	"github.com/talshorer/git-dissect/internal/refsdir"
	"github.com/talshorer/git-dissect/internal/seed"
	"github.com/talshorer/git-dissect/internal/selector"
	hssh "github.com/talshorer/git-dissect/internal/ssh"
)

// Driver runs dissect rounds against one repository and its configured
// fleet of hosts.
type Driver struct {
	store    *config.Store
	oracle   *oracle.Oracle
	refs     *refsdir.Dir
	pool     *hssh.Pool
	exec     *executor.Executor
	out      func(line string) // plain-line sink for round-level diagnostics
	hostConf map[string]hssh.HostConfig
	hostPath map[string]string
}

// newOptions accumulates Option settings before the pool and executor,
// whose construction depends on some of them, are built.
type newOptions struct {
	out              func(line string)
	concurrency      int
	passwordCallback hssh.PasswordCallback
}

// Option configures a Driver at construction time.
type Option func(*newOptions)

// WithOutput sets the sink for plain diagnostic lines (skipped verdicts,
// terminal messages). Defaults to discarding them.
func WithOutput(out func(line string)) Option {
	return func(o *newOptions) { o.out = out }
}

// WithConcurrency caps the fan-out scheduler's concurrency.
func WithConcurrency(n int) Option {
	return func(o *newOptions) { o.concurrency = n }
}

// WithPasswordCallback supplies a fallback password prompt for hosts
// that accept neither agent nor key-based auth.
func WithPasswordCallback(cb hssh.PasswordCallback) Option {
	return func(o *newOptions) { o.passwordCallback = cb }
}

// New builds a Driver for the repository at repoPath, reading host
// configuration from its git config and opening one connection pool for
// the whole run, reused across every round.
func New(repoPath string, hostKeyCallback ssh.HostKeyCallback, opts ...Option) (*Driver, error) {
	options := &newOptions{out: func(string) {}}
	for _, opt := range opts {
		opt(options)
	}

	store, err := config.Load(repoPath)
	if err != nil {
		return nil, err
	}

	ora, err := oracle.Open(repoPath)
	if err != nil {
		return nil, err
	}

	hostConf := make(map[string]hssh.HostConfig)
	hostPath := make(map[string]string)
	for _, name := range store.Hosts() {
		hc, err := store.Host(name)
		if err != nil {
			if errors.Is(err, config.ErrMissingPath) {
				// A host with no configured path is absent from the
				// fleet, not a fatal configuration error.
				continue
			}
			return nil, err
		}
		if !hc.Enabled {
			continue
		}
		hostConf[name] = hssh.HostConfig{
			Hostname:     hc.Hostname,
			User:         hc.User,
			Port:         hc.Port,
			ProxyJump:    hc.ProxyJump,
			ProxyCommand: hc.ProxyCommand,
		}
		hostPath[name] = hc.Path
	}

	baseConf := hssh.ClientConfig{
		HostKeyCallback:  hostKeyCallback,
		PasswordCallback: options.passwordCallback,
	}
	pool := hssh.NewPool(baseConf, hostConf)

	d := &Driver{
		store:    store,
		oracle:   ora,
		refs:     refsdir.Open(ora.GitDir()),
		pool:     pool,
		out:      options.out,
		hostConf: hostConf,
		hostPath: hostPath,
	}
	if options.concurrency > 0 {
		d.exec = executor.New(pool, executor.WithConcurrency(options.concurrency))
	} else {
		d.exec = executor.New(pool)
	}
	return d, nil
}

// Close releases the driver's pooled connections.
func (d *Driver) Close() error {
	return d.pool.Close()
}

// Hosts returns every enabled host name configured for this repository.
func (d *Driver) Hosts() []string {
	return d.allHosts()
}

// allHosts returns every enabled host name, in map iteration order (not
// sorted, and not stable between calls).
func (d *Driver) allHosts() []string {
	hosts := make([]string, 0, len(d.hostConf))
	for h := range d.hostConf {
		hosts = append(hosts, h)
	}
	return hosts
}

// AssignedHosts returns the hosts with a persisted assignment from the
// last Checkout, the same set Collect runs against (Execute runs on every
// configured host instead). Callers use it to build one banner.Writer per
// host before running a command.
func (d *Driver) AssignedHosts() ([]string, error) {
	return d.refs.Hosts()
}

// Seed uploads a local git bundle to every configured host over SFTP
// and clones it into the host's configured path, for workers whose
// remote path does not yet contain a checkout. It supplements the
// assumption (carried from the original controller) that every worker
// already has the repository cloned.
func (d *Driver) Seed(ctx context.Context, localBundlePath string) error {
	hosts := d.allHosts()
	for _, host := range hosts {
		client, err := d.pool.Client(ctx, host)
		if err != nil {
			return &direrr.ConnectionError{Host: host, Err: err}
		}
		path := d.hostPath[host]
		remoteBundle := path + ".bundle"
		if _, _, err := seed.PushBundle(ctx, client.SSHClient(), localBundlePath, remoteBundle); err != nil {
			return fmt.Errorf("seed %s: %w", host, err)
		}
		cloneCmd := fmt.Sprintf("git clone %s %s", remoteBundle, path)
		_, stderr, exitCode, err := client.RunCommand(ctx, cloneCmd, nil)
		if err != nil {
			return &direrr.RemoteExecError{Host: host, Err: err}
		}
		if exitCode != 0 {
			return fmt.Errorf("seed clone on %s exited %d: %s", host, exitCode, stderr)
		}
	}
	return nil
}

// Fetch runs `git fetch` on every configured host, refreshing each
// worker's view of the remote before a run narrows the range further.
func (d *Driver) Fetch(ctx context.Context) []*executor.HostResult {
	hosts := d.allHosts()
	cmd := executor.Uniform("git fetch")
	return d.exec.Execute(ctx, hosts, d.withCD(cmd), nil)
}

// CurrentAssignment computes this round's candidate assignment from the
// oracle's current bad tip and good set, without persisting or checking
// anything out. An empty Assignment means the range is exhausted.
func (d *Driver) CurrentAssignment() (selector.Assignment, error) {
	bad, err := d.oracle.TipBad()
	if err != nil {
		return nil, err
	}
	goods, err := d.oracle.Goods()
	if err != nil {
		return nil, err
	}
	unresolved, err := d.oracle.UnresolvedRange(bad, goods)
	if err != nil {
		return nil, err
	}
	return selector.Select(unresolved, bad, d.allHosts()), nil
}

// ApplyAssignment checks each assigned host out to its candidate commit
// and, only once every checkout has actually succeeded, persists
// assignment to refs/dissect. The previous round's assignment is wiped
// up front regardless: it is about to be superseded either way. If any
// checkout fails, refs/dissect is left wiped rather than pointing at
// commits that were never actually checked out. An empty assignment
// returns direrr.ErrTerminal: bad is the final answer and no command is
// run.
func (d *Driver) ApplyAssignment(ctx context.Context, assignment selector.Assignment) error {
	if err := d.refs.Wipe(); err != nil {
		return fmt.Errorf("wipe refs/dissect: %w", err)
	}

	if len(assignment) == 0 {
		bad, err := d.oracle.TipBad()
		if err != nil {
			return err
		}
		d.out(fmt.Sprintf("%s is the first bad commit", d.oracle.CommitSummary(bad)))
		if err := d.oracle.AppendBisectLog("first bad commit", bad); err != nil {
			return err
		}
		return direrr.ErrTerminal
	}

	hosts := assignment.Hosts()
	commands := make(map[string]string, len(hosts))
	for _, host := range hosts {
		commands[host] = fmt.Sprintf("git checkout %s", assignment[host])
	}
	results := d.exec.Execute(ctx, hosts, d.withCD(executor.PerHost(commands)), nil)
	for _, r := range results {
		if r.Err != nil {
			return classifyResultErr(r)
		}
	}

	if err := d.refs.Write(assignment); err != nil {
		return fmt.Errorf("write refs/dissect: %w", err)
	}
	return nil
}

// Checkout computes this round's candidate assignment and applies it. If
// the unresolved range is exhausted, it returns direrr.ErrTerminal: bad
// is the final answer and no command is run.
func (d *Driver) Checkout(ctx context.Context) error {
	assignment, err := d.CurrentAssignment()
	if err != nil {
		return err
	}
	return d.ApplyAssignment(ctx, assignment)
}

// Execute runs cmd on every configured host, regardless of whether it
// has a persisted assignment from the last Checkout — unlike Collect,
// which only runs on (and applies verdicts for) the currently assigned
// subset. No verdicts are applied; the raw per-host results are returned
// for the caller to inspect or print.
func (d *Driver) Execute(ctx context.Context, cmd executor.Command, banners map[string]*banner.Writer) ([]*executor.HostResult, error) {
	hosts := d.allHosts()
	if len(hosts) == 0 {
		return nil, nil
	}
	return d.exec.Execute(ctx, hosts, d.withCD(cmd), banners), nil
}

// Collect runs cmd on every host that has a persisted assignment from
// the last Checkout, then applies each host's verdict: bad on nonzero
// exit, good on zero exit — but only if the assigned commit is still an
// ancestor of the current bad tip. A commit that fell outside the range
// (because another host's verdict already narrowed past it) is skipped
// rather than applying a stale verdict.
//
// A host whose command failed to even run to completion — a dropped
// connection, a timeout, anything that didn't produce a real exit code —
// aborts the round before any verdict is applied: a transport failure is
// not a test result, and marking other hosts' commits while one host's
// outcome is unknown would risk poisoning the bisect with a verdict that
// wasn't actually earned.
func (d *Driver) Collect(ctx context.Context, cmd executor.Command, banners map[string]*banner.Writer) error {
	hosts, err := d.refs.Hosts()
	if err != nil {
		return fmt.Errorf("list refs/dissect: %w", err)
	}
	if len(hosts) == 0 {
		return nil
	}

	results := d.exec.Execute(ctx, hosts, d.withCD(cmd), banners)
	for _, r := range results {
		if r.Err != nil {
			return classifyResultErr(r)
		}
	}

	for _, r := range results {
		hash, err := d.refs.Commit(r.Host)
		if err != nil {
			return fmt.Errorf("read assignment for %s: %w", r.Host, err)
		}
		candidate := oracle.Commit{Hash: hash}

		// Re-read the bad tip for every host: an earlier Mark in this
		// loop may already have moved it.
		bad, err := d.oracle.TipBad()
		if err != nil {
			return err
		}
		isAncestor, err := d.oracle.IsAncestor(candidate, bad)
		if err != nil {
			return err
		}
		if !isAncestor {
			d.out(fmt.Sprintf("%s is no longer an ancestor of the current bad commit, skipping it", hash))
			continue
		}

		verdict := "good"
		if r.ExitCode != 0 {
			verdict = "bad"
		}
		if err := d.oracle.Mark(verdict, candidate); err != nil {
			return err
		}
	}
	return nil
}

// classifyResultErr turns a HostResult.Err (a failure to complete the
// remote command at all, as opposed to a real nonzero exit code — see
// executor.HostResult) into a typed direrr value: a dial failure (which
// the ssh runners report with a "connect: " prefix) becomes a
// ConnectionError, anything else (a dropped session, a timeout) becomes a
// RemoteExecError.
func classifyResultErr(r *executor.HostResult) error {
	if strings.Contains(r.Err.Error(), "connect: ") {
		return &direrr.ConnectionError{Host: r.Host, Err: r.Err}
	}
	return &direrr.RemoteExecError{Host: r.Host, Err: r.Err}
}

// Step runs one full round: Checkout followed by Collect. It returns
// direrr.ErrTerminal when Checkout finds the range exhausted.
func (d *Driver) Step(ctx context.Context, cmd executor.Command, banners map[string]*banner.Writer) error {
	if err := d.Checkout(ctx); err != nil {
		return err
	}
	return d.Collect(ctx, cmd, banners)
}

// Run repeats Step until the range is exhausted (ErrTerminal) or ctx is
// canceled.
func (d *Driver) Run(ctx context.Context, cmd executor.Command, banners map[string]*banner.Writer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.Step(ctx, cmd, banners)
		if err == nil {
			continue
		}
		if errors.Is(err, direrr.ErrTerminal) {
			return nil
		}
		return err
	}
}

// withCD prefixes every command with a `cd <path>` for the host it runs
// on, the same way the original controller joined the worker's
// configured path onto each command line.
func (d *Driver) withCD(cmd executor.Command) executor.Command {
	commands := make(map[string]string, len(d.hostPath))
	for host, path := range d.hostPath {
		commands[host] = fmt.Sprintf("cd %s; %s", path, cmd.For(host))
	}
	return executor.PerHost(commands)
}
