package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Run git fetch on every configured host",
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := newDriver()
			if err != nil {
				return err
			}
			defer driver.Close()

			results := driver.Fetch(cmd.Context())
			for _, r := range results {
				if r.Err != nil {
					fmt.Printf("[%s] fetch failed: %v\n", r.Host, r.Err)
					continue
				}
				if r.ExitCode != 0 {
					fmt.Printf("[%s] git fetch exited %d\n", r.Host, r.ExitCode)
				}
			}
			return nil
		},
	}
}
