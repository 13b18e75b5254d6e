package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/talshorer/git-dissect/internal/banner"
	"github.com/talshorer/git-dissect/internal/round"
)

// newDriver opens a round.Driver rooted at the --repo flag, honoring
// --insecure and --concurrency.
func newDriver() (*round.Driver, error) {
	return round.New(
		repoPath,
		hostKeyCallback(),
		round.WithOutput(printLine),
		round.WithConcurrency(concurrency),
		round.WithPasswordCallback(promptPassword),
	)
}

// promptPassword is the fallback auth method for hosts that accept
// neither an SSH agent key nor an identity file. It only works when
// standard input is an interactive terminal; from a script or CI job it
// fails fast instead of hanging on a read that will never be answered.
func promptPassword(host string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("password required for %s but stdin is not a terminal", host)
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", host)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func printLine(line string) {
	os.Stdout.WriteString(line + "\n")
}

// commandLine joins positional args into the remote command line the way
// the original controller's "nargs=*" command argument did. An empty
// command defaults to waiting on the signal rendezvous, the same default
// the original's execute() used.
func commandLine(args []string) string {
	if len(args) == 0 {
		return "git-dissect signal wait"
	}
	return strings.Join(args, " ")
}

// bannersFor builds one banner.Writer per host, all printing to stdout.
func bannersFor(hosts []string) map[string]*banner.Writer {
	banners := make(map[string]*banner.Writer, len(hosts))
	for _, h := range hosts {
		banners[h] = banner.New(os.Stdout, h)
	}
	return banners
}
