// Package selector implements the candidate selector (C6): partitioning
// the unresolved commit range across the configured hosts so that each
// round narrows the range by roughly a factor of len(hosts)+1 rather
// than git bisect's own factor of 2.
package selector

import (
	"sort"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/talshorer/git-dissect/internal/oracle"
)

// Assignment maps a host name to the commit it should check out this
// round.
type Assignment map[string]plumbing.Hash

// Hosts returns the assignment's host names in sorted order, the stable
// iteration order the round driver logs and checks out in.
func (a Assignment) Hosts() []string {
	hosts := make([]string, 0, len(a))
	for h := range a {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Select partitions unresolved — already in newest-first order, as
// produced by oracle.UnresolvedRange — across hosts. For N hosts and a
// range of length L, it picks the commits at indices
// floor(L*(i+1)/(N+1)) for i in [0,N), the same fractional split the
// original single-process implementation uses, generalized from "split
// into two" to "split into N+1". Candidates equal to bad are dropped
// (bad can never usefully be assigned, since it is already a confirmed
// bad endpoint), as are duplicate indices that the floor division can
// produce for a short range. Hosts and the deduplicated candidate
// commits are both sorted before being paired off index-by-index —
// deterministic so repeated runs over the same range produce the same
// assignment, which is what the property tests below rely on. The
// returned Assignment has min(len(hosts), len(candidates)) entries; an
// empty Assignment means the range is exhausted and bad is the final
// answer.
func Select(unresolved []oracle.Commit, bad oracle.Commit, hosts []string) Assignment {
	l := len(unresolved)
	n := len(hosts)
	if l == 0 || n == 0 {
		return Assignment{}
	}

	seen := make(map[plumbing.Hash]bool, n)
	var candidates []plumbing.Hash
	for i := 0; i < n; i++ {
		idx := (l * (i + 1)) / (n + 1)
		if idx >= l {
			idx = l - 1
		}
		h := unresolved[idx].Hash
		if h == bad.Hash {
			continue
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		candidates = append(candidates, h)
	}

	sortedHosts := make([]string, len(hosts))
	copy(sortedHosts, hosts)
	sort.Strings(sortedHosts)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].String() < candidates[j].String()
	})

	pairs := len(sortedHosts)
	if len(candidates) < pairs {
		pairs = len(candidates)
	}

	assignment := make(Assignment, pairs)
	for i := 0; i < pairs; i++ {
		assignment[sortedHosts[i]] = candidates[i]
	}
	return assignment
}
