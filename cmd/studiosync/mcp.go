package main

import (
	syncmcp "github.com/hyperengineering/studiosync/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for AI agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio.

Agents can list, create, update, delete and restore records, check sync
status and review failures. Declare entity types with --entity or
STUDIOSYNC_ENTITIES so the tools know which collections exist.

Add to your MCP settings:
  {
    "mcpServers": {
      "studiosync": {
        "command": "studiosync",
        "args": ["mcp", "--entity", "bookings:client,starts_at"],
        "env": {
          "STUDIOSYNC_REMOTE_URL": "https://db.example.com",
          "STUDIOSYNC_API_KEY": "..."
        }
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	s, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	return syncmcp.NewServer(s.engine).Run()
}
