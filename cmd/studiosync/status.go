package main

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue and cache status",
	Long: `Probe the remote store once and report connectivity, the pending
operation queue, terminal failures and local cache statistics.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	s, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.engine.Stats()
	if err != nil {
		return err
	}

	cfg := loadConfig()
	report := statusReport{
		Connectivity: s.engine.Status(),
		Store:        stats,
		Entities:     s.engine.Entities(),
		Path:         cfg.LocalPath,
	}
	if !cfg.IsOffline() {
		report.Remote = cfg.RemoteURL
	}
	return outputStatus(cmd, report)
}
