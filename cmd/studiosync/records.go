package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperengineering/studiosync"
	"github.com/spf13/cobra"
)

var (
	listColumns []string
	writeData   string
)

var listCmd = &cobra.Command{
	Use:   "list <entity>",
	Short: "List live records of an entity",
	Long: `List live records of an entity type.

When the remote store answers, its rows win and local-only rows are queued
for push. Otherwise the local cache is served.`,
	Example: `  studiosync list bookings
  studiosync list bookings --columns client,room --json`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

var getCmd = &cobra.Command{
	Use:   "get <entity> <id>",
	Short: "Show one record",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

var createCmd = &cobra.Command{
	Use:   "create <entity> [field=value...]",
	Short: "Create a record",
	Long: `Create a record. Values are parsed as JSON when they can be, so
paid=true is a boolean and room='"101"' is a string. An id is assigned
unless one is given.

The write goes to the remote store when it answers; otherwise it is saved
locally and queued.`,
	Example: `  studiosync create bookings client=Ada room=A
  studiosync create expenses --data '{"amount": 12.5, "note": "cables"}'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCreate,
}

var updateCmd = &cobra.Command{
	Use:     "update <entity> <id> [field=value...]",
	Short:   "Merge fields into a record",
	Example: `  studiosync update bookings 01HZX3 paid=true`,
	Args:    cobra.MinimumNArgs(2),
	RunE:    runUpdate,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <entity> <id>",
	Short: "Soft delete a record",
	Long:  `Soft delete a record. The row keeps a tombstone and can be restored.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <entity> <id>",
	Short: "Restore a soft-deleted record",
	Args:  cobra.ExactArgs(2),
	RunE:  runRestore,
}

func init() {
	listCmd.Flags().StringSliceVar(&listColumns, "columns", nil, "Payload fields to show (default: all)")
	createCmd.Flags().StringVar(&writeData, "data", "", "Fields as a JSON object")
	updateCmd.Flags().StringVar(&writeData, "data", "", "Fields as a JSON object")

	rootCmd.AddCommand(listCmd, getCmd, createCmd, updateCmd, deleteCmd, restoreCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	entity := args[0]
	s, err := openEngine(cmd.Context(), entity)
	if err != nil {
		return err
	}
	defer s.Close()

	records, err := s.engine.List(cmd.Context(), entity)
	if err != nil {
		return fmt.Errorf("list %s: %w", entity, err)
	}
	return outputRecords(cmd, entity, records, listColumns)
}

func runGet(cmd *cobra.Command, args []string) error {
	entity, id := args[0], args[1]
	s, err := openEngine(cmd.Context(), entity)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.engine.Get(cmd.Context(), entity, id)
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", entity, id, err)
	}
	return outputRecord(cmd, "Found", rec)
}

func runCreate(cmd *cobra.Command, args []string) error {
	entity := args[0]
	payload, err := parsePayload(writeData, args[1:])
	if err != nil {
		return err
	}

	s, err := openEngine(cmd.Context(), entity)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.engine.Create(cmd.Context(), entity, payload)
	if err != nil {
		return fmt.Errorf("create %s: %w", entity, err)
	}
	if err := outputRecord(cmd, "Created", rec); err != nil {
		return err
	}
	reportQueued(cmd, s.engine, rec.Entity, rec.ID)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	entity, id := args[0], args[1]
	payload, err := parsePayload(writeData, args[2:])
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return fmt.Errorf("update %s/%s: no fields given", entity, id)
	}

	s, err := openEngine(cmd.Context(), entity)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.engine.Update(cmd.Context(), entity, id, payload)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", entity, id, err)
	}
	if err := outputRecord(cmd, "Updated", rec); err != nil {
		return err
	}
	reportQueued(cmd, s.engine, entity, id)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	entity, id := args[0], args[1]
	s, err := openEngine(cmd.Context(), entity)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.engine.SoftDelete(cmd.Context(), entity, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", entity, id, err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]any{"entity": entity, "id": id, "deleted": true})
	}
	printSuccess(cmd.OutOrStdout(), "Deleted %s/%s (restore with 'studiosync restore %s %s')", entity, id, entity, id)
	reportQueued(cmd, s.engine, entity, id)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	entity, id := args[0], args[1]
	s, err := openEngine(cmd.Context(), entity)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.engine.Restore(cmd.Context(), entity, id)
	if err != nil {
		return fmt.Errorf("restore %s/%s: %w", entity, id, err)
	}
	if err := outputRecord(cmd, "Restored", rec); err != nil {
		return err
	}
	reportQueued(cmd, s.engine, entity, id)
	return nil
}

// reportQueued tells the user when a write is waiting for the remote store.
func reportQueued(cmd *cobra.Command, engine *studiosync.Engine, entity, id string) {
	if outputJSON {
		return
	}
	pending := engine.Pending()
	for _, op := range pending {
		if op.Entity == entity && op.EntityID == id {
			printWarning(cmd.OutOrStdout(), "Saved locally; queued for sync (%d pending)", len(pending))
			return
		}
	}
}

// parsePayload merges a JSON object with field=value arguments; the
// arguments win. Values that parse as JSON keep their type.
func parsePayload(data string, fields []string) (map[string]any, error) {
	payload := make(map[string]any)
	if strings.TrimSpace(data) != "" {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return nil, fmt.Errorf("invalid --data: %w", err)
		}
		if payload == nil {
			payload = make(map[string]any)
		}
	}

	for _, f := range fields {
		key, raw, ok := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q: want field=value", f)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		payload[key] = v
	}
	return payload, nil
}
