package main

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/studiosync"
	"github.com/spf13/cobra"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List operations that gave up after retries",
	Long: `List pending operations that exhausted their retries. They are never
retried automatically; the local cache still holds the change.`,
	Args: cobra.NoArgs,
	RunE: runFailures,
}

var failuresDismissCmd = &cobra.Command{
	Use:   "dismiss <operation-id>...",
	Short: "Remove failures after acting on them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFailuresDismiss,
}

func init() {
	failuresCmd.AddCommand(failuresDismissCmd)
	rootCmd.AddCommand(failuresCmd)
}

func runFailures(cmd *cobra.Command, _ []string) error {
	s, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	failures, err := s.engine.Failures()
	if err != nil {
		return err
	}
	return outputFailures(cmd, failures)
}

func runFailuresDismiss(cmd *cobra.Command, args []string) error {
	s, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	for _, id := range args {
		if err := s.engine.DismissFailure(id); err != nil {
			if errors.Is(err, studiosync.ErrNotFound) {
				return fmt.Errorf("dismiss %s: no such failure", id)
			}
			return fmt.Errorf("dismiss %s: %w", id, err)
		}
		if !outputJSON {
			printSuccess(cmd.OutOrStdout(), "Dismissed %s", id)
		}
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]any{"dismissed": args})
	}
	return nil
}
