package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/studiosync"
	"github.com/spf13/cobra"
)

var syncTimeout time.Duration

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending operations to the remote store",
	Long: `Probe the remote store and, when it answers, push every queued
operation in order. Operations that fail again keep their place; those
out of retries move to the failure log.

Requires STUDIOSYNC_REMOTE_URL and STUDIOSYNC_API_KEY (or --remote-url
and --api-key).`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List operations waiting for the remote store",
	Args:  cobra.NoArgs,
	RunE:  runPending,
}

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "Give up after this long")
	rootCmd.AddCommand(syncCmd, pendingCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	if cfg := loadConfig(); cfg.IsOffline() {
		return fmt.Errorf("sync: %w (set STUDIOSYNC_REMOTE_URL and STUDIOSYNC_API_KEY)", studiosync.ErrOffline)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
	defer cancel()

	s, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		res  studiosync.DrainResult
		took time.Duration
	)
	spinOut := cmd.ErrOrStderr()
	if outputJSON {
		spinOut = nopWriter{}
	}
	err = runWithSpinner(spinOut, "Syncing", func() error {
		start := time.Now()
		var serr error
		res, serr = s.engine.SyncNow(ctx)
		took = time.Since(start)
		return serr
	})
	if errors.Is(err, studiosync.ErrOffline) {
		return fmt.Errorf("sync: remote store unreachable, %d operation(s) stay queued", len(s.engine.Pending()))
	}
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return outputSync(cmd, res, len(s.engine.Pending()), took)
}

func runPending(cmd *cobra.Command, _ []string) error {
	s, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	return outputPending(cmd, s.engine.Pending())
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
