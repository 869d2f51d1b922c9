package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/studiosync"
	"github.com/spf13/cobra"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to w with the API key redacted.
func outputError(w io.Writer, err error) {
	printError(w, "%s", scrubSensitiveData(err.Error()))
}

// scrubSensitiveData removes the configured API key from messages.
func scrubSensitiveData(msg string) string {
	for _, key := range []string{cfgAPIKey, os.Getenv("STUDIOSYNC_API_KEY")} {
		if key != "" && strings.Contains(msg, key) {
			msg = strings.ReplaceAll(msg, key, "[REDACTED]")
		}
	}
	return msg
}

// outputRecords prints records as a table of id plus the given columns.
// Without columns, the union of payload keys is used.
func outputRecords(cmd *cobra.Command, entity string, records []studiosync.Record, columns []string) error {
	if outputJSON {
		if records == nil {
			records = []studiosync.Record{}
		}
		return outputAsJSON(cmd, records)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintf(out, "No %s found.\n", entity)
		return nil
	}

	if len(columns) == 0 {
		columns = payloadKeys(records)
	}
	headers := append([]string{"ID"}, upper(columns)...)
	rows := make([][]string, 0, len(records))
	reduced := 0
	for _, rec := range records {
		row := []string{rec.ID}
		for _, c := range columns {
			row = append(row, cell(rec.Payload[c]))
		}
		rows = append(rows, row)
		if rec.ReducedFidelity {
			reduced++
		}
	}

	fmt.Fprintln(out, renderTable(headers, rows))
	printMuted(out, "%d %s", len(records), entity)
	if reduced > 0 {
		printWarning(out, "%d record(s) written with the reduced schema; optional fields may be stale remotely", reduced)
	}
	return nil
}

// outputRecord prints one record with every field.
func outputRecord(cmd *cobra.Command, verb string, rec *studiosync.Record) error {
	if outputJSON {
		return outputAsJSON(cmd, rec)
	}

	out := cmd.OutOrStdout()
	printSuccess(out, "%s %s/%s", verb, rec.Entity, rec.ID)
	for _, k := range sortedKeys(rec.Payload) {
		v := rec.Payload[k]
		if s, ok := v.(string); ok && hasMarkdown(s) && isTTY() {
			printField(out, k, "")
			fmt.Fprintln(out, renderMarkdown(s))
			continue
		}
		printField(out, k, full(v))
	}
	if !rec.UpdatedAt.IsZero() {
		printField(out, "updated", rec.UpdatedAt.Local().Format(time.RFC3339))
	}
	if rec.ReducedFidelity {
		printWarning(out, "written with the reduced schema; optional fields may be stale remotely")
	}
	return nil
}

// statusReport is the JSON shape of the status command.
type statusReport struct {
	Connectivity studiosync.ConnectivityStatus `json:"connectivity"`
	Store        *studiosync.StoreStats        `json:"store"`
	Entities     []string                      `json:"entities"`
	Remote       string                        `json:"remote,omitempty"`
	Path         string                        `json:"path"`
}

func outputStatus(cmd *cobra.Command, r statusReport) error {
	if outputJSON {
		return outputAsJSON(cmd, r)
	}

	out := cmd.OutOrStdout()
	st := r.Connectivity
	switch {
	case st.IsOnline:
		printSuccess(out, "Online")
	case st.DependencyDown:
		printWarning(out, "Offline: network is up but the remote store is unreachable")
	case r.Remote == "":
		printInfo(out, "Offline mode (no remote store configured)")
	default:
		printError(out, "Offline")
	}

	printField(out, "Cache", r.Path)
	if r.Remote != "" {
		printField(out, "Remote", r.Remote)
	}
	printField(out, "Realtime", st.Feed)
	printField(out, "Pending", st.QueueLength)
	printField(out, "Failures", r.Store.FailureCount)
	printField(out, "Records", fmt.Sprintf("%d (%d deleted)", r.Store.RecordCount, r.Store.TombstoneCount))
	if !r.Store.LastSync.IsZero() {
		printField(out, "Last sync", r.Store.LastSync.Local().Format(time.RFC3339))
	} else {
		printField(out, "Last sync", "never")
	}
	printField(out, "Schema", r.Store.SchemaVersion)
	if len(r.Entities) > 0 {
		printField(out, "Entities", strings.Join(r.Entities, ", "))
	}
	if r.Store.FailureCount > 0 {
		printMuted(out, "Run 'studiosync failures' to review operations that gave up.")
	}
	return nil
}

// syncReport is the JSON shape of the sync command.
type syncReport struct {
	studiosync.DrainResult
	Remaining  int   `json:"remaining"`
	DurationMs int64 `json:"duration_ms"`
}

func outputSync(cmd *cobra.Command, res studiosync.DrainResult, remaining int, took time.Duration) error {
	if outputJSON {
		return outputAsJSON(cmd, syncReport{DrainResult: res, Remaining: remaining, DurationMs: took.Milliseconds()})
	}

	out := cmd.OutOrStdout()
	printSuccess(out, "Sync complete (took %s)", took.Round(time.Millisecond))
	if res.Succeeded > 0 {
		printField(out, "Pushed", res.Succeeded)
	}
	if res.Failed > 0 {
		printField(out, "Failed", fmt.Sprintf("%d (will retry)", res.Failed))
	}
	if res.Deferred > 0 {
		printField(out, "Deferred", res.Deferred)
	}
	for _, f := range res.Terminal {
		printError(out, "Gave up: %s %s/%s: %s", f.Operation.Action, f.Operation.Entity, f.Operation.EntityID, f.Error)
	}
	if remaining > 0 {
		printField(out, "Remaining", remaining)
	}
	return nil
}

func outputPending(cmd *cobra.Command, ops []studiosync.PendingOperation) error {
	if outputJSON {
		if ops == nil {
			ops = []studiosync.PendingOperation{}
		}
		return outputAsJSON(cmd, ops)
	}

	out := cmd.OutOrStdout()
	if len(ops) == 0 {
		printSuccess(out, "Queue is empty.")
		return nil
	}
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, []string{
			op.ID,
			string(op.Action),
			op.Entity + "/" + op.EntityID,
			fmt.Sprint(op.RetryCount),
			time.UnixMilli(op.Timestamp).Local().Format(time.RFC3339),
		})
	}
	fmt.Fprintln(out, renderTable([]string{"ID", "ACTION", "RECORD", "RETRIES", "QUEUED"}, rows))
	return nil
}

func outputFailures(cmd *cobra.Command, failures []studiosync.TerminalFailure) error {
	if outputJSON {
		if failures == nil {
			failures = []studiosync.TerminalFailure{}
		}
		return outputAsJSON(cmd, failures)
	}

	out := cmd.OutOrStdout()
	if len(failures) == 0 {
		printSuccess(out, "No terminal failures.")
		return nil
	}
	rows := make([][]string, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, []string{
			f.Operation.ID,
			string(f.Operation.Action),
			f.Operation.Entity + "/" + f.Operation.EntityID,
			f.FailedAt.Local().Format(time.RFC3339),
			truncate(f.Error, 60),
		})
	}
	fmt.Fprintln(out, renderTable([]string{"ID", "ACTION", "RECORD", "FAILED", "ERROR"}, rows))
	printMuted(out, "The local copy keeps these changes. Dismiss with 'studiosync failures dismiss <id>'.")
	return nil
}

// outputEvent prints one bus event as a line or a JSON object per line.
func outputEvent(w io.Writer, ev studiosync.Event, at time.Time) {
	if outputJSON {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"time":   at.Format(time.RFC3339Nano),
			"tag":    string(ev.Tag),
			"entity": ev.Entity,
			"id":     ev.ID,
			"detail": ev.Detail,
		})
		return
	}

	line := ev.String()
	if ev.ID != "" {
		line += "/" + ev.ID
	}
	if ev.Detail != "" {
		line += " " + ev.Detail
	}
	stamp := at.Local().Format("15:04:05")
	switch ev.Tag {
	case studiosync.EventTerminalFailure, studiosync.EventSyncError:
		printError(w, "%s %s", stamp, line)
	case studiosync.EventDependencyDown, studiosync.EventPendingSaved:
		printWarning(w, "%s %s", stamp, line)
	case studiosync.EventSyncComplete:
		printSuccess(w, "%s %s", stamp, line)
	default:
		printInfo(w, "%s %s", stamp, line)
	}
}

func payloadKeys(records []studiosync.Record) []string {
	seen := make(map[string]bool)
	for _, rec := range records {
		for k := range rec.Payload {
			seen[k] = true
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}

// cell renders a payload value on one line.
func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return truncate(strings.ReplaceAll(x, "\n", " "), 40)
	case map[string]any, []any:
		b, _ := json.Marshal(x)
		return truncate(string(b), 40)
	default:
		return fmt.Sprint(x)
	}
}

// full renders a payload value without truncation.
func full(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case map[string]any, []any:
		b, _ := json.Marshal(x)
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
