package selector

import (
	"fmt"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/talshorer/git-dissect/internal/oracle"
)

func hash(b byte) plumbing.Hash {
	var h plumbing.Hash
	h[0] = b
	return h
}

func commits(n int) []oracle.Commit {
	cs := make([]oracle.Commit, n)
	for i := 0; i < n; i++ {
		cs[i] = oracle.Commit{Hash: hash(byte(n - i)), Summary: fmt.Sprintf("c%d", i)}
	}
	return cs
}

func TestSelectEmptyRangeIsTerminal(t *testing.T) {
	bad := oracle.Commit{Hash: hash(1)}
	got := Select(nil, bad, []string{"h1", "h2"})
	if len(got) != 0 {
		t.Errorf("Select(empty range) = %v, want empty assignment", got)
	}
}

func TestSelectNoHosts(t *testing.T) {
	unresolved := commits(5)
	got := Select(unresolved, unresolved[0], nil)
	if len(got) != 0 {
		t.Errorf("Select(no hosts) = %v, want empty assignment", got)
	}
}

func TestSelectNeverAssignsBad(t *testing.T) {
	unresolved := commits(3)
	bad := unresolved[0] // the newest entry, classic case of index 0 == bad
	got := Select(unresolved, bad, []string{"h1", "h2", "h3"})
	for _, h := range got {
		if h == bad.Hash {
			t.Errorf("Select assigned the bad commit: %v", got)
		}
	}
}

func TestSelectAssignsAtMostLenHostsEntries(t *testing.T) {
	unresolved := commits(100)
	hosts := []string{"h1", "h2", "h3", "h4", "h5"}
	got := Select(unresolved, oracle.Commit{Hash: hash(255)}, hosts)
	if len(got) > len(hosts) {
		t.Fatalf("Select returned %d entries, want at most %d", len(got), len(hosts))
	}
	if len(got) != len(hosts) {
		t.Fatalf("Select returned %d entries for a long range, want exactly %d", len(got), len(hosts))
	}
}

func TestSelectDeterministic(t *testing.T) {
	unresolved := commits(37)
	hosts := []string{"zeta", "alpha", "mu", "beta"}
	bad := oracle.Commit{Hash: hash(255)}

	first := Select(unresolved, bad, hosts)
	second := Select(unresolved, bad, hosts)

	if len(first) != len(second) {
		t.Fatalf("two runs produced different sizes: %d vs %d", len(first), len(second))
	}
	for host, h := range first {
		if second[host] != h {
			t.Errorf("host %s: first run = %v, second run = %v", host, h, second[host])
		}
	}
}

func TestSelectFewerCandidatesThanHostsTruncates(t *testing.T) {
	// A tiny range with many hosts produces duplicate indices after
	// dedup, so the assignment can be smaller than len(hosts).
	unresolved := commits(2)
	hosts := []string{"h1", "h2", "h3", "h4", "h5", "h6", "h7", "h8"}
	got := Select(unresolved, oracle.Commit{Hash: hash(255)}, hosts)
	if len(got) > len(unresolved) {
		t.Fatalf("Select returned %d entries, more than %d candidates available", len(got), len(unresolved))
	}
}

func TestSelectHostsSorted(t *testing.T) {
	unresolved := commits(10)
	a := Assignment{"zeta": hash(1), "alpha": hash(2)}
	hosts := a.Hosts()
	if hosts[0] != "alpha" || hosts[1] != "zeta" {
		t.Errorf("Hosts() = %v, want sorted [alpha zeta]", hosts)
	}
	_ = unresolved
}
