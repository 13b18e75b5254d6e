package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/talshorer/git-dissect/internal/direrr"
	"github.com/talshorer/git-dissect/internal/executor"
)

func newStepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step [--] <cmd...>",
		Short: "Checkout this round's candidates, then run cmd and apply verdicts, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := newDriver()
			if err != nil {
				return err
			}
			defer driver.Close()

			command := executor.Uniform(commandLine(args))
			err = driver.Checkout(cmd.Context())
			if errors.Is(err, direrr.ErrTerminal) {
				return nil
			}
			if err != nil {
				return err
			}

			hosts, err := driver.AssignedHosts()
			if err != nil {
				return err
			}
			return driver.Collect(cmd.Context(), command, bannersFor(hosts))
		},
	}
	return cmd
}
