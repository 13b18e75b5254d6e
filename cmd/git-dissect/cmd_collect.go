package main

import (
	"github.com/spf13/cobra"

	"github.com/talshorer/git-dissect/internal/executor"
)

func newCollectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect [--] <cmd...>",
		Short: "Run a command on the currently assigned hosts and apply their verdicts",
		Long: `Runs cmd on every host with a persisted assignment from the last
checkout. A nonzero exit marks that host's commit bad; a zero exit marks
it good — unless the commit has fallen out of the still-unresolved range
since checkout, in which case the verdict is skipped.

With no command, defaults to "git-dissect signal wait".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := newDriver()
			if err != nil {
				return err
			}
			defer driver.Close()

			hosts, err := driver.AssignedHosts()
			if err != nil {
				return err
			}
			return driver.Collect(cmd.Context(), executor.Uniform(commandLine(args)), bannersFor(hosts))
		},
	}
	return cmd
}
