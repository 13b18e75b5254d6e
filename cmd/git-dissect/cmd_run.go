package main

import (
	"github.com/spf13/cobra"

	"github.com/talshorer/git-dissect/internal/executor"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [--] <cmd...>",
		Short: "Repeat step until the range is exhausted",
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := newDriver()
			if err != nil {
				return err
			}
			defer driver.Close()

			banners := bannersFor(driver.Hosts())
			return driver.Run(cmd.Context(), executor.Uniform(commandLine(args)), banners)
		},
	}
	return cmd
}
