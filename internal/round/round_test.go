package round

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/talshorer/git-dissect/internal/banner"
	"github.com/talshorer/git-dissect/internal/direrr"
	"github.com/talshorer/git-dissect/internal/executor"
	"github.com/talshorer/git-dissect/internal/oracle"
	"github.com/talshorer/git-dissect/internal/refsdir"
	hssh "github.com/talshorer/git-dissect/internal/ssh"
)

// recordingRunner is the executor.Runner used across round tests: it
// records every command sent to each host and always reports success,
// never touching a network. Collect's own ancestor-based skip logic is
// exercised directly against real oracle state instead.
type recordingRunner struct {
	mu    sync.Mutex
	calls map[string][]string
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{calls: make(map[string][]string)}
}

func (r *recordingRunner) Run(ctx context.Context, host, command string, bw *banner.Writer) *executor.HostResult {
	r.mu.Lock()
	r.calls[host] = append(r.calls[host], command)
	r.mu.Unlock()
	return &executor.HostResult{Host: host, ExitCode: 0}
}

func (r *recordingRunner) callsFor(host string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls[host]...)
}

// failingRunner reports a transport-level failure (never a real exit
// code) for every host in failHosts, and otherwise behaves exactly like
// recordingRunner.
type failingRunner struct {
	recordingRunner
	failHosts map[string]bool
}

func newFailingRunner(failHosts ...string) *failingRunner {
	set := make(map[string]bool, len(failHosts))
	for _, h := range failHosts {
		set[h] = true
	}
	return &failingRunner{recordingRunner: *newRecordingRunner(), failHosts: set}
}

func (r *failingRunner) Run(ctx context.Context, host, command string, bw *banner.Writer) *executor.HostResult {
	result := r.recordingRunner.Run(ctx, host, command, bw)
	if r.failHosts[host] {
		result.Err = errors.New("ssh: connection reset by peer")
		result.ExitCode = -1
	}
	return result
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}

// bisectRepo builds a linear chain of n commits and starts a real git
// bisect session spanning the whole chain, so Mark (which shells out to
// `git bisect <verdict> <sha>`) has real state to operate on.
func bisectRepo(t *testing.T, n int) (string, []plumbing.Hash) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	sig := &object.Signature{Name: "t", Email: "t@example.com"}
	var hashes []plumbing.Hash
	for i := 0; i < n; i++ {
		sig.When = time.Unix(int64(1000+i), 0)
		h, err := wt.Commit(string(rune('a'+i))+"\n", &git.CommitOptions{
			Author:            sig,
			Committer:         sig,
			AllowEmptyCommits: true,
		})
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		hashes = append(hashes, h)
	}

	runGit(t, dir, "bisect", "start")
	runGit(t, dir, "bisect", "bad", hashes[n-1].String())
	runGit(t, dir, "bisect", "good", hashes[0].String())
	return dir, hashes
}

// newTestDriver builds a Driver directly, bypassing New (and its SSH
// dialing) so round logic can be tested against a fake executor.Runner.
func newTestDriver(t *testing.T, dir string, hosts map[string]string, runner executor.Runner) (*Driver, *oracle.Oracle) {
	t.Helper()
	ora, err := oracle.Open(dir)
	if err != nil {
		t.Fatalf("oracle.Open: %v", err)
	}
	d := &Driver{
		oracle:   ora,
		refs:     refsdir.Open(ora.GitDir()),
		hostConf: make(map[string]hssh.HostConfig),
		hostPath: hosts,
		out:      func(string) {},
	}
	for h := range hosts {
		d.hostConf[h] = hssh.HostConfig{}
	}
	d.exec = executor.New(runner, executor.WithConcurrency(8))
	return d, ora
}

func TestCheckoutTerminalWhenRangeExhausted(t *testing.T) {
	// Two commits, bad on top of good: the unresolved range is just the
	// bad tip itself, which the selector never assigns.
	dir, _ := bisectRepo(t, 2)

	runner := newRecordingRunner()
	d, _ := newTestDriver(t, dir, map[string]string{"alpha": "/srv/repo"}, runner)

	err := d.Checkout(context.Background())
	if err != direrr.ErrTerminal {
		t.Fatalf("Checkout error = %v, want direrr.ErrTerminal", err)
	}
	if len(runner.callsFor("alpha")) != 0 {
		t.Error("expected no commands to run once the range is exhausted")
	}
}

func TestCheckoutRunsPerHostCheckout(t *testing.T) {
	dir, _ := bisectRepo(t, 6)

	runner := newRecordingRunner()
	hosts := map[string]string{"alpha": "/srv/alpha", "beta": "/srv/beta"}
	d, _ := newTestDriver(t, dir, hosts, runner)

	if err := d.Checkout(context.Background()); err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	assignedHosts, err := d.refs.Hosts()
	if err != nil {
		t.Fatalf("refs.Hosts: %v", err)
	}
	if len(assignedHosts) == 0 {
		t.Fatal("expected a non-empty assignment for a 6-commit range and 2 hosts")
	}
	for _, h := range assignedHosts {
		calls := runner.callsFor(h)
		if len(calls) != 1 || !strings.Contains(calls[0], "git checkout") {
			t.Errorf("host %s calls = %v, want exactly one git checkout", h, calls)
		}
		if !strings.HasPrefix(calls[0], "cd "+hosts[h]+";") {
			t.Errorf("host %s command %q missing cd prefix for %s", h, calls[0], hosts[h])
		}
	}
}

func TestCollectAbortsRoundOnTransportError(t *testing.T) {
	dir, _ := bisectRepo(t, 6)
	runner := newFailingRunner("beta")
	hosts := map[string]string{"alpha": "/srv/alpha", "beta": "/srv/beta"}
	d, ora := newTestDriver(t, dir, hosts, runner)

	// The failing runner would also fail beta's checkout command, so the
	// assignment is persisted directly instead of through Checkout.
	assignment, err := d.CurrentAssignment()
	if err != nil {
		t.Fatalf("CurrentAssignment: %v", err)
	}
	if err := d.refs.Reset(assignment); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	badBefore, err := ora.TipBad()
	if err != nil {
		t.Fatalf("TipBad: %v", err)
	}

	err = d.Collect(context.Background(), executor.Uniform("./test.sh"), nil)
	if err == nil {
		t.Fatal("expected Collect to report beta's transport failure, got nil")
	}
	var remoteExecErr *direrr.RemoteExecError
	var connErr *direrr.ConnectionError
	if !errors.As(err, &remoteExecErr) && !errors.As(err, &connErr) {
		t.Fatalf("Collect error = %v (%T), want *direrr.RemoteExecError or *direrr.ConnectionError", err, err)
	}

	badAfter, err := ora.TipBad()
	if err != nil {
		t.Fatalf("TipBad after Collect: %v", err)
	}
	if badAfter.Hash != badBefore.Hash {
		t.Errorf("bad tip changed from %s to %s; no verdict should have been marked once a host's transport failed", badBefore, badAfter)
	}
}

func TestApplyAssignmentLeavesRefsEmptyOnFailedCheckout(t *testing.T) {
	dir, _ := bisectRepo(t, 6)
	runner := newFailingRunner("beta")
	hosts := map[string]string{"alpha": "/srv/alpha", "beta": "/srv/beta"}
	d, _ := newTestDriver(t, dir, hosts, runner)

	if err := d.Checkout(context.Background()); err == nil {
		t.Fatal("expected Checkout to fail once beta's checkout command can't complete")
	}

	assignedHosts, err := d.refs.Hosts()
	if err != nil {
		t.Fatalf("refs.Hosts: %v", err)
	}
	if len(assignedHosts) != 0 {
		t.Errorf("refs/dissect = %v, want empty: a failed checkout must not persist an assignment for commits that were never actually checked out", assignedHosts)
	}
}

func TestCollectNoHostsIsNoop(t *testing.T) {
	dir, _ := bisectRepo(t, 3)
	runner := newRecordingRunner()
	d, _ := newTestDriver(t, dir, map[string]string{"alpha": "/srv/repo"}, runner)

	if err := d.Collect(context.Background(), executor.Uniform("./test.sh"), nil); err != nil {
		t.Fatalf("Collect with no prior checkout: %v", err)
	}
}

func TestCollectSkipsStaleAssignment(t *testing.T) {
	dir, hashes := bisectRepo(t, 6)
	runner := newRecordingRunner()
	d, ora := newTestDriver(t, dir, map[string]string{"alpha": "/srv/repo"}, runner)

	// A commit unreachable from the bad tip's ancestry (here, a
	// parentless commit object never linked into the chain) stands in
	// for a candidate another host's verdict has already narrowed past.
	disjoint := rootCommit(t, dir, hashes[0])

	if err := d.refs.Reset(map[string]plumbing.Hash{"alpha": disjoint}); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	badBefore, err := ora.TipBad()
	if err != nil {
		t.Fatalf("TipBad: %v", err)
	}

	if err := d.Collect(context.Background(), executor.Uniform("./test.sh"), nil); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	badAfter, err := ora.TipBad()
	if err != nil {
		t.Fatalf("TipBad after Collect: %v", err)
	}
	if badAfter.Hash != badBefore.Hash {
		t.Errorf("bad tip changed from %s to %s; stale assignment should have been skipped", badBefore, badAfter)
	}
}

// rootCommit creates a new, parentless commit object reusing an existing
// commit's tree, without touching the working tree, HEAD, or any branch
// ref. It is a valid commit but unreachable from anything, the same
// shape a candidate "falling out of range" takes in practice.
func rootCommit(t *testing.T, dir string, treeFrom plumbing.Hash) plumbing.Hash {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}
	base, err := repo.CommitObject(treeFrom)
	if err != nil {
		t.Fatalf("CommitObject: %v", err)
	}

	sig := object.Signature{Name: "t", Email: "t@example.com", When: time.Unix(2000, 0)}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      "unrelated\n",
		TreeHash:     base.TreeHash,
		ParentHashes: nil,
	}

	obj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		t.Fatalf("SetEncodedObject: %v", err)
	}
	return hash
}
