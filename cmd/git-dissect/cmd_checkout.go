package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/talshorer/git-dissect/internal/direrr"
	"github.com/talshorer/git-dissect/internal/selector"
)

var (
	checkoutSeedBundle string
	dumpAssignmentPath string
	loadAssignmentPath string
)

func newCheckoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Compute this round's candidate assignment and check each host out",
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := newDriver()
			if err != nil {
				return err
			}
			defer driver.Close()

			if checkoutSeedBundle != "" {
				if err := driver.Seed(cmd.Context(), checkoutSeedBundle); err != nil {
					return err
				}
			}

			assignment, err := loadOrComputeAssignment(driver)
			if err != nil {
				return err
			}

			if dumpAssignmentPath != "" {
				if err := dumpAssignment(assignment, dumpAssignmentPath); err != nil {
					return err
				}
			}

			err = driver.ApplyAssignment(cmd.Context(), assignment)
			if errors.Is(err, direrr.ErrTerminal) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&checkoutSeedBundle, "seed", "", "push this local git bundle to every host over SFTP and clone it before checking out")
	cmd.Flags().StringVar(&dumpAssignmentPath, "dump-assignment", "", "write this round's assignment to a YAML file before checking it out")
	cmd.Flags().StringVar(&loadAssignmentPath, "load-assignment", "", "check out a previously dumped assignment instead of recomputing one — for replaying a round in tests")
	return cmd
}

// assignmentFile is the YAML-serializable form of a selector.Assignment:
// host name to commit hash string, since plumbing.Hash has no YAML
// marshaler of its own.
type assignmentFile map[string]string

func loadOrComputeAssignment(driver interface {
	CurrentAssignment() (selector.Assignment, error)
}) (selector.Assignment, error) {
	if loadAssignmentPath == "" {
		return driver.CurrentAssignment()
	}
	data, err := os.ReadFile(loadAssignmentPath)
	if err != nil {
		return nil, fmt.Errorf("read assignment file: %w", err)
	}
	var af assignmentFile
	if err := yaml.Unmarshal(data, &af); err != nil {
		return nil, fmt.Errorf("parse assignment file: %w", err)
	}
	assignment := make(selector.Assignment, len(af))
	for host, hash := range af {
		assignment[host] = plumbing.NewHash(hash)
	}
	return assignment, nil
}

func dumpAssignment(assignment selector.Assignment, path string) error {
	af := make(assignmentFile, len(assignment))
	for host, hash := range assignment {
		af[host] = hash.String()
	}
	data, err := yaml.Marshal(af)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
