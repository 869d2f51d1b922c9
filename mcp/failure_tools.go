package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/studiosync"
)

// handleFailures handles the studiosync_failures tool call.
func (s *Server) handleFailures(_ context.Context, args map[string]any) (*ToolResult, error) {
	if id, ok := args["dismiss"].(string); ok && id != "" {
		if err := s.engine.DismissFailure(id); err != nil {
			if errors.Is(err, studiosync.ErrNotFound) {
				return &ToolResult{
					Content: fmt.Sprintf("Failure not found: %q\nUse studiosync_failures to see current failures.", id),
					IsError: true,
				}, nil
			}
			return errorResult("dismiss failed: %v", err), nil
		}
		return &ToolResult{Content: fmt.Sprintf("Dismissed failure %s", id)}, nil
	}

	failures, err := s.engine.Failures()
	if err != nil {
		return errorResult("list failures failed: %v", err), nil
	}
	return &ToolResult{Content: formatFailures(failures)}, nil
}

func formatFailures(failures []studiosync.TerminalFailure) string {
	if len(failures) == 0 {
		return "No terminal failures. Every queued change reached the remote store or is still retrying."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d operation(s) gave up after retries:\n", len(failures)))
	for _, f := range failures {
		op := f.Operation
		sb.WriteString(fmt.Sprintf("\n  %s\n", op.ID))
		sb.WriteString(fmt.Sprintf("    %s %s/%s (%d attempts)\n", op.Action, op.Entity, op.EntityID, op.RetryCount))
		sb.WriteString(fmt.Sprintf("    Failed: %s\n", f.FailedAt.Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("    Error: %s\n", truncate(f.Error, 200)))
	}
	sb.WriteString("\nThe local copy keeps these changes. Fix the cause, re-apply the change, then dismiss the failure.")
	return sb.String()
}
