// Package oracle implements the bisect oracle adapter (C5): reading the
// current bad tip, the accumulated good commits, and the still-unresolved
// commit range from a repository's native git-bisect state, and recording
// new verdicts through the real `git bisect` command.
package oracle

import (
	"container/heap"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/talshorer/git-dissect/internal/direrr"
)

const (
	badRef        = "refs/bisect/bad"
	goodRefPrefix = "refs/bisect/good-"
)

// Commit is a resolved commit handle: a hash plus its cached one-line
// summary. Two Commits are equal iff their hashes are equal; ordering
// between commits is never lexical, only IsAncestor.
type Commit struct {
	Hash    plumbing.Hash
	Summary string
}

func (c Commit) String() string { return c.Hash.String() }

// Oracle wraps a repository opened for bisect-state reads and, for the
// one write operation (Mark), knows where to invoke the real git binary.
type Oracle struct {
	repo     *git.Repository
	repoPath string
	gitDir   string
}

// Open opens the git repository at repoPath for bisect-oracle reads.
func Open(repoPath string) (*Oracle, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, &direrr.OracleError{Op: "open", Err: err}
	}
	return &Oracle{
		repo:     repo,
		repoPath: repoPath,
		gitDir:   gitDirFor(repoPath),
	}, nil
}

// gitDirFor resolves the repository's git directory for a working tree
// rooted at repoPath. It does not walk up parent directories the way
// git itself does — the controller is always invoked at the repository
// root, so a direct check is sufficient.
func gitDirFor(repoPath string) string {
	candidate := filepath.Join(repoPath, ".git")
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate
	}
	return repoPath // bare repository: repoPath already is the git dir
}

// GitDir returns the repository's git metadata directory, the root under
// which refs/dissect, BISECT_LOG, and DISSECT_SIGNAL live.
func (o *Oracle) GitDir() string { return o.gitDir }

// TipBad returns the commit at refs/bisect/bad, the current upper bound
// of the unresolved range.
func (o *Oracle) TipBad() (Commit, error) {
	ref, err := o.repo.Reference(plumbing.ReferenceName(badRef), true)
	if err != nil {
		return Commit{}, &direrr.OracleError{Op: "tip_bad", Err: err}
	}
	return o.commitFromHash(ref.Hash(), "tip_bad")
}

// Goods returns every commit marked good so far (refs/bisect/good-*),
// in no particular order — the selector only needs set membership.
func (o *Oracle) Goods() ([]Commit, error) {
	refs, err := o.repo.References()
	if err != nil {
		return nil, &direrr.OracleError{Op: "goods", Err: err}
	}
	defer refs.Close()

	var goods []Commit
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if !strings.HasPrefix(name, goodRefPrefix) {
			return nil
		}
		c, err := o.commitFromHash(ref.Hash(), "goods")
		if err != nil {
			return err
		}
		goods = append(goods, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return goods, nil
}

// UnresolvedRange returns every commit reachable from bad that is not
// also reachable from any good commit, in reverse-chronological (newest
// first) order — the same set and ordering `git rev-list <bad> --not
// <goods...>` produces, computed directly over the commit graph instead
// of shelling out.
func (o *Oracle) UnresolvedRange(bad Commit, goods []Commit) ([]Commit, error) {
	excluded := make(map[plumbing.Hash]bool)
	for _, g := range goods {
		if err := o.markAncestors(g.Hash, excluded); err != nil {
			return nil, &direrr.OracleError{Op: "unresolved_range", Err: err}
		}
	}

	badCommit, err := o.repo.CommitObject(bad.Hash)
	if err != nil {
		return nil, &direrr.OracleError{Op: "unresolved_range", Err: err}
	}

	visited := map[plumbing.Hash]bool{badCommit.Hash: true}
	pq := &commitHeap{badCommit}
	heap.Init(pq)

	var result []Commit
	for pq.Len() > 0 {
		c := heap.Pop(pq).(*object.Commit)
		if excluded[c.Hash] {
			continue
		}
		result = append(result, Commit{Hash: c.Hash, Summary: summaryLine(c.Message)})

		err := c.Parents().ForEach(func(p *object.Commit) error {
			if !visited[p.Hash] {
				visited[p.Hash] = true
				heap.Push(pq, p)
			}
			return nil
		})
		if err != nil {
			return nil, &direrr.OracleError{Op: "unresolved_range", Err: err}
		}
	}
	return result, nil
}

// markAncestors does a plain BFS over start's ancestry, adding every
// reached commit (including start) to excluded.
func (o *Oracle) markAncestors(start plumbing.Hash, excluded map[plumbing.Hash]bool) error {
	if excluded[start] {
		return nil
	}
	commit, err := o.repo.CommitObject(start)
	if err != nil {
		return err
	}
	queue := []*object.Commit{commit}
	excluded[start] = true
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		err := c.Parents().ForEach(func(p *object.Commit) error {
			if !excluded[p.Hash] {
				excluded[p.Hash] = true
				queue = append(queue, p)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// IsAncestor reports whether candidate is an ancestor of (or equal to)
// ref — used by the round driver to drop a stale verdict when a host's
// assigned commit has fallen outside the range narrowed by other hosts.
func (o *Oracle) IsAncestor(candidate, ref Commit) (bool, error) {
	c, err := o.repo.CommitObject(candidate.Hash)
	if err != nil {
		return false, &direrr.OracleError{Op: "is_ancestor", Err: err}
	}
	r, err := o.repo.CommitObject(ref.Hash)
	if err != nil {
		return false, &direrr.OracleError{Op: "is_ancestor", Err: err}
	}
	ok, err := c.IsAncestor(r)
	if err != nil {
		return false, &direrr.OracleError{Op: "is_ancestor", Err: err}
	}
	return ok, nil
}

// CommitSummary returns the cached one-line summary for a commit handle.
func (o *Oracle) CommitSummary(c Commit) string { return c.Summary }

// Mark records a verdict by invoking the real `git bisect <verdict> <c>`
// command: git owns the bisect ref bookkeeping (refs/bisect/bad, the
// good-* refs, and BISECT_LOG) and this adapter deliberately does not
// reimplement it.
func (o *Oracle) Mark(verdict string, c Commit) error {
	cmd := exec.Command("git", "bisect", verdict, c.Hash.String())
	cmd.Dir = o.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &direrr.OracleError{
			Op:  fmt.Sprintf("mark %s %s", verdict, c.Hash),
			Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))),
		}
	}
	return nil
}

// AppendBisectLog appends a comment line to BISECT_LOG recording that c
// was decided via prefix, mirroring the comment lines the original
// controller's bisect_log_append wrote around each verdict and around
// the terminal "first bad commit" announcement — the one BISECT_LOG
// write Mark's `git bisect` invocation doesn't already cover.
func (o *Oracle) AppendBisectLog(prefix string, c Commit) error {
	f, err := os.OpenFile(filepath.Join(o.gitDir, "BISECT_LOG"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &direrr.OracleError{Op: "bisect_log", Err: err}
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "# %s: [%s] %s\n", prefix, c.Hash, c.Summary); err != nil {
		return &direrr.OracleError{Op: "bisect_log", Err: err}
	}
	return nil
}

func (o *Oracle) commitFromHash(h plumbing.Hash, op string) (Commit, error) {
	commit, err := o.repo.CommitObject(h)
	if err != nil {
		return Commit{}, &direrr.OracleError{Op: op, Err: err}
	}
	return Commit{Hash: h, Summary: summaryLine(commit.Message)}, nil
}

func summaryLine(message string) string {
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		return message[:i]
	}
	return message
}

// commitHeap orders *object.Commit by committer time, newest first,
// matching git log's default (reverse chronological) traversal order.
type commitHeap []*object.Commit

func (h commitHeap) Len() int { return len(h) }
func (h commitHeap) Less(i, j int) bool {
	ti, tj := h[i].Committer.When, h[j].Committer.When
	if ti.Equal(tj) {
		return h[i].Hash.String() > h[j].Hash.String()
	}
	return ti.After(tj)
}
func (h commitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commitHeap) Push(x any) {
	*h = append(*h, x.(*object.Commit))
}

func (h *commitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
