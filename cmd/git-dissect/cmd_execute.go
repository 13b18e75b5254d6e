package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/talshorer/git-dissect/internal/executor"
)

func newExecuteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute [--] <cmd...>",
		Short: "Fan cmd out to every configured host without applying a verdict",
		Long: `Runs cmd on every configured host — not just the ones with a
persisted assignment from the last checkout — streaming live
banner-prefixed output. Unlike collect, no verdict is recorded — useful
for poking at every worker's current state between rounds.

With no command, defaults to "git-dissect signal wait", letting a worker
signal its own verdict back through the rendezvous socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := newDriver()
			if err != nil {
				return err
			}
			defer driver.Close()

			hosts := driver.Hosts()
			if len(hosts) == 0 {
				fmt.Println("no hosts configured")
				return nil
			}

			results, err := driver.Execute(cmd.Context(), executor.Uniform(commandLine(args)), bannersFor(hosts))
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Err != nil {
					fmt.Printf("[%s] exec failed: %v\n", r.Host, r.Err)
				}
			}
			return nil
		},
	}
	return cmd
}
