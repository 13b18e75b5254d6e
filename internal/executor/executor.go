// Package executor implements the fan-out scheduler (C4): running a
// command — uniform across the fleet or distinct per host — against a set
// of hosts with bounded concurrency, gathering one HostResult per host.
package executor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/talshorer/git-dissect/internal/banner"
)

// Command is the unit of work dispatched to a host: either the same
// command line run on every host (Uniform), or a distinct command line
// per host (PerHost) — collect and execute start from a Uniform command,
// while checkout uses PerHost for its distinct `git checkout <sha>` per
// host. A zero Command has no command for any host.
type Command struct {
	uniform   string
	perHost   map[string]string
	isUniform bool
}

// Uniform builds a Command that runs the same command line on every host.
func Uniform(command string) Command {
	return Command{uniform: command, isUniform: true}
}

// PerHost builds a Command that runs a distinct command line per host.
// Hosts absent from the map get an empty command line.
func PerHost(commands map[string]string) Command {
	return Command{perHost: commands}
}

// For returns the command line to run on the given host.
func (c Command) For(host string) string {
	if c.isUniform {
		return c.uniform
	}
	return c.perHost[host]
}

// Runner is the interface that the SSH layer implements to execute a
// command on a single host. bw may be nil, meaning the caller does not
// want live banner-prefixed output for this run.
type Runner interface {
	Run(ctx context.Context, host string, command string, bw *banner.Writer) *HostResult
}

// Executor fans out command execution across multiple hosts with bounded concurrency.
type Executor struct {
	runner      Runner
	concurrency int
	timeout     time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency sets the maximum number of parallel goroutines.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTimeout sets the per-host command timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates an Executor with the given Runner and options.
func New(runner Runner, opts ...Option) *Executor {
	e := &Executor{
		runner:      runner,
		concurrency: 20,
		timeout:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs cmd on all hosts in parallel, bounded by the concurrency
// limit. Results are returned in the same order as the input hosts slice.
// When banners is non-nil, each host's live stdout/stderr is streamed
// through a banner.Writer built for that host, fulfilling the executor's
// streaming-output contract; when it is nil, output is only buffered into
// the returned HostResults. The fan-out itself never fails — a host's
// connection or remote-exec error is captured in its HostResult.Err rather
// than aborting the other hosts, matching the "connection errors are
// round-fatal, fan-out is not" split the round driver relies on.
func (e *Executor) Execute(ctx context.Context, hosts []string, cmd Command, banners map[string]*banner.Writer) []*HostResult {
	results := make([]*HostResult, len(hosts))
	if len(hosts) == 0 {
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			hostCtx, cancel := context.WithTimeout(gctx, e.timeout)
			defer cancel()

			var bw *banner.Writer
			if banners != nil {
				bw = banners[host]
			}

			start := time.Now()
			result := e.runner.Run(hostCtx, host, cmd.For(host), bw)
			result.Duration = time.Since(start)
			result.Host = host

			if hostCtx.Err() == context.DeadlineExceeded && result.Err == nil {
				result.Err = context.DeadlineExceeded
			}

			results[i] = result
			return nil
		})
	}

	// Every goroutine above always returns nil: per-host failures are
	// recorded in HostResult.Err, not surfaced through errgroup, so the
	// fan-out finishes for every host regardless of others' outcomes.
	g.Wait()
	return results
}
