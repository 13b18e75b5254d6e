// Package refsdir persists the per-host commit assignment from one round
// to the next under <gitdir>/refs/dissect/<host>, so collect can later
// recover which commit each host was actually testing without re-running
// the selector.
package refsdir

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

const dirName = "refs/dissect"

// Dir wraps the refs/dissect directory under a repository's git dir.
type Dir struct {
	path string
}

// Open returns a Dir rooted at <gitDir>/refs/dissect. The directory
// itself is created lazily by Reset.
func Open(gitDir string) *Dir {
	return &Dir{path: filepath.Join(gitDir, dirName)}
}

// Wipe removes any previous round's assignment and recreates the
// directory empty. Callers that check commits out on the hosts before
// persisting the new assignment call Wipe first and Write only after the
// checkout fan-out succeeds, so a failed checkout never leaves
// refs/dissect pointing at commits that were never actually checked out.
func (d *Dir) Wipe() error {
	if err := os.RemoveAll(d.path); err != nil {
		return err
	}
	return os.MkdirAll(d.path, 0o755)
}

// Write persists one file per host containing its assigned commit hash.
// The directory must already exist (via Wipe).
func (d *Dir) Write(assignment map[string]plumbing.Hash) error {
	for host, hash := range assignment {
		if err := os.WriteFile(d.hostPath(host), []byte(hash.String()+"\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Reset wipes any previous round's assignment and writes the new one in
// one step — for callers (and tests) that don't need the wipe and write
// to straddle an intervening fan-out.
func (d *Dir) Reset(assignment map[string]plumbing.Hash) error {
	if err := d.Wipe(); err != nil {
		return err
	}
	return d.Write(assignment)
}

// Hosts lists every host with a persisted assignment from the last
// Reset, the set collect iterates over.
func (d *Dir) Hosts() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	hosts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		hosts = append(hosts, e.Name())
	}
	return hosts, nil
}

// Commit reads back the commit hash persisted for host.
func (d *Dir) Commit(host string) (plumbing.Hash, error) {
	data, err := os.ReadFile(d.hostPath(host))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return plumbing.NewHash(strings.TrimSpace(string(data))), nil
}

func (d *Dir) hostPath(host string) string {
	return filepath.Join(d.path, host)
}
