// git-dissect — distributed git bisect fleet controller.
//
// It partitions the still-unresolved commit range across a fleet of SSH
// workers each round, narrowing the range by roughly a factor of
// len(hosts)+1 instead of git bisect's own factor of 2.
//
//	git-dissect fetch                 # git fetch on every configured host
//	git-dissect checkout              # compute and check out this round's candidates
//	git-dissect execute -- ./test.sh  # run a command on every configured host, no verdicts
//	git-dissect collect -- ./test.sh  # execute and apply verdicts
//	git-dissect step -- ./test.sh     # checkout + collect, once
//	git-dissect run -- ./test.sh      # step repeatedly until the range is exhausted
//	git-dissect signal good|bad|wait  # rendezvous between a worker's test script and the driver
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"golang.org/x/crypto/ssh"
)

var (
	repoPath    string
	insecure    bool
	concurrency int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "git-dissect",
	Short:         "Distributed git bisect fleet controller",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `git-dissect partitions a git bisect range across a fleet of SSH
workers, narrowing the unresolved commit range by roughly a factor of
len(hosts)+1 each round instead of git bisect's own factor of 2.

Host connection settings are read from the repository's own git config,
under "dissect \"<host>\"" sections. Run "git bisect start/bad/good"
yourself first; git-dissect only narrows the range git bisect already
tracks.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "C", ".", "repository path")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "accept any host key without verification")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 20, "maximum number of hosts to run on in parallel")

	rootCmd.AddCommand(
		newFetchCmd(),
		newCheckoutCmd(),
		newExecuteCmd(),
		newCollectCmd(),
		newStepCmd(),
		newRunCmd(),
		newSignalCmd(),
	)
}

// hostKeyCallback resolves the host key verification policy from the
// --insecure flag: accept-any when set, or the user's known_hosts
// otherwise (delegated to the ssh package's own default resolution by
// leaving the callback nil).
func hostKeyCallback() ssh.HostKeyCallback {
	if insecure {
		return ssh.InsecureIgnoreHostKey()
	}
	return nil
}
