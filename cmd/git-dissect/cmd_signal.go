package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/talshorer/git-dissect/internal/oracle"
	"github.com/talshorer/git-dissect/internal/rendezvous"
)

func newSignalCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "signal {good|bad|wait}",
		Short:     "Rendezvous between a worker's test script and the driver's collect step",
		Args:      cobra.ExactValidArgs(1),
		ValidArgs: []string{"good", "bad", "wait"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ora, err := oracle.Open(repoPath)
			if err != nil {
				return err
			}
			endpoint := rendezvous.Open(ora.GitDir())

			switch args[0] {
			case "wait":
				// Only announce the wait on an interactive terminal: a
				// worker's test script invoking this non-interactively
				// should see nothing but the final exit code.
				if term.IsTerminal(int(os.Stdout.Fd())) {
					fmt.Println("waiting for signal...")
				}
				verdict, err := endpoint.Wait()
				if err != nil {
					return err
				}
				if verdict == rendezvous.Bad {
					os.Exit(1)
				}
				os.Exit(0)
				return nil
			case "good":
				return endpoint.Send(rendezvous.Good)
			case "bad":
				return endpoint.Send(rendezvous.Bad)
			default:
				return fmt.Errorf("unknown signal action %q", args[0])
			}
		},
	}
}
