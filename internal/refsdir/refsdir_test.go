package refsdir

import (
	"sort"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
)

func TestResetAndRead(t *testing.T) {
	dir := t.TempDir()
	d := Open(dir)

	assignment := map[string]plumbing.Hash{
		"host-a": plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		"host-b": plumbing.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
	}
	if err := d.Reset(assignment); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	hosts, err := d.Hosts()
	if err != nil {
		t.Fatalf("Hosts: %v", err)
	}
	sort.Strings(hosts)
	if len(hosts) != 2 || hosts[0] != "host-a" || hosts[1] != "host-b" {
		t.Fatalf("Hosts() = %v, want [host-a host-b]", hosts)
	}

	got, err := d.Commit("host-a")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got != assignment["host-a"] {
		t.Errorf("Commit(host-a) = %v, want %v", got, assignment["host-a"])
	}
}

func TestResetWipesPreviousRound(t *testing.T) {
	dir := t.TempDir()
	d := Open(dir)

	first := map[string]plumbing.Hash{
		"host-a": plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		"host-b": plumbing.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
	}
	if err := d.Reset(first); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	second := map[string]plumbing.Hash{
		"host-a": plumbing.NewHash("cccccccccccccccccccccccccccccccccccccccc"),
	}
	if err := d.Reset(second); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	hosts, err := d.Hosts()
	if err != nil {
		t.Fatalf("Hosts: %v", err)
	}
	if len(hosts) != 1 || hosts[0] != "host-a" {
		t.Fatalf("Hosts() after second Reset = %v, want [host-a]", hosts)
	}
}

func TestHostsEmptyWhenNeverReset(t *testing.T) {
	dir := t.TempDir()
	d := Open(dir)
	hosts, err := d.Hosts()
	if err != nil {
		t.Fatalf("Hosts: %v", err)
	}
	if len(hosts) != 0 {
		t.Errorf("Hosts() on a fresh dir = %v, want empty", hosts)
	}
}
