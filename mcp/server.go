package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/studiosync"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with studiosync tools.
type Server struct {
	engine    *studiosync.Engine
	mcpServer *server.MCPServer
	session   *Session // Record refs (R1, R2...) handed out by list results
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// NewServer creates a new MCP server with studiosync tools registered.
// The engine must have its entity types registered.
func NewServer(engine *studiosync.Engine) *Server {
	s := &Server{
		engine:  engine,
		session: NewSession(),
	}

	s.mcpServer = server.NewMCPServer(
		"studiosync",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// Run starts the MCP server, reading from stdin and writing to stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "studiosync_list", Description: "List live records of an entity type, merging the remote store with the local cache"},
		{Name: "studiosync_get", Description: "Show a single record by id or session ref"},
		{Name: "studiosync_create", Description: "Create a record; queued locally when the remote store is unreachable"},
		{Name: "studiosync_update", Description: "Merge fields into an existing record"},
		{Name: "studiosync_delete", Description: "Soft delete a record"},
		{Name: "studiosync_restore", Description: "Clear the tombstone of a soft-deleted record"},
		{Name: "studiosync_status", Description: "Report connectivity, queue length and cache statistics"},
		{Name: "studiosync_sync", Description: "Probe the remote store and push pending operations"},
		{Name: "studiosync_failures", Description: "List operations that exhausted their retries, or dismiss one"},
	}
}

// CallTool executes a tool by name with the given arguments.
// This is used for testing and direct invocation.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "studiosync_list":
		return s.handleList(ctx, args)
	case "studiosync_get":
		return s.handleGet(ctx, args)
	case "studiosync_create":
		return s.handleCreate(ctx, args)
	case "studiosync_update":
		return s.handleUpdate(ctx, args)
	case "studiosync_delete":
		return s.handleDelete(ctx, args)
	case "studiosync_restore":
		return s.handleRestore(ctx, args)
	case "studiosync_status":
		return s.handleStatus(ctx, args)
	case "studiosync_sync":
		return s.handleSync(ctx, args)
	case "studiosync_failures":
		return s.handleFailures(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	entityDesc := "Entity type (" + strings.Join(s.engine.Entities(), ", ") + ")"
	idDesc := "Record id, or a session ref (R1, R2...) from a previous list"

	s.mcpServer.AddTool(mcp.NewTool("studiosync_list",
		mcp.WithDescription("List live records of an entity type. The remote store wins on conflicts; when it is unreachable the local cache is served. Results carry session refs (R1, R2...) usable by the other tools."),
		mcp.WithString("entity", mcp.Description(entityDesc), mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum number of records to return (default: all)")),
	), s.wrap(s.handleList))

	s.mcpServer.AddTool(mcp.NewTool("studiosync_get",
		mcp.WithDescription("Show a single record with all of its fields."),
		mcp.WithString("entity", mcp.Description(entityDesc)),
		mcp.WithString("id", mcp.Description(idDesc), mcp.Required()),
	), s.wrap(s.handleGet))

	s.mcpServer.AddTool(mcp.NewTool("studiosync_create",
		mcp.WithDescription("Create a record. Written to the remote store when online, otherwise saved locally and queued for sync."),
		mcp.WithString("entity", mcp.Description(entityDesc), mcp.Required()),
		mcp.WithObject("payload", mcp.Description("Record fields; an id is assigned when absent"), mcp.Required()),
	), s.wrap(s.handleCreate))

	s.mcpServer.AddTool(mcp.NewTool("studiosync_update",
		mcp.WithDescription("Merge fields into an existing record. Last writer wins."),
		mcp.WithString("entity", mcp.Description(entityDesc)),
		mcp.WithString("id", mcp.Description(idDesc), mcp.Required()),
		mcp.WithObject("payload", mcp.Description("Fields to change"), mcp.Required()),
	), s.wrap(s.handleUpdate))

	s.mcpServer.AddTool(mcp.NewTool("studiosync_delete",
		mcp.WithDescription("Soft delete a record. The row keeps a tombstone and can be restored."),
		mcp.WithString("entity", mcp.Description(entityDesc)),
		mcp.WithString("id", mcp.Description(idDesc), mcp.Required()),
	), s.wrap(s.handleDelete))

	s.mcpServer.AddTool(mcp.NewTool("studiosync_restore",
		mcp.WithDescription("Clear the tombstone of a soft-deleted record."),
		mcp.WithString("entity", mcp.Description(entityDesc)),
		mcp.WithString("id", mcp.Description(idDesc), mcp.Required()),
	), s.wrap(s.handleRestore))

	s.mcpServer.AddTool(mcp.NewTool("studiosync_status",
		mcp.WithDescription("Report connectivity, pending queue length, realtime feed state and cache statistics. Read-only."),
	), s.wrap(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("studiosync_sync",
		mcp.WithDescription("Probe the remote store and push pending operations. Requires STUDIOSYNC_REMOTE_URL and STUDIOSYNC_API_KEY."),
	), s.wrap(s.handleSync))

	s.mcpServer.AddTool(mcp.NewTool("studiosync_failures",
		mcp.WithDescription("List operations that exhausted their retries. Pass dismiss with an operation id to remove one after acting on it."),
		mcp.WithString("dismiss", mcp.Description("Operation id to dismiss")),
	), s.wrap(s.handleFailures))
}

type toolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// wrap adapts an internal handler to the mcp-go handler signature.
func (s *Server) wrap(h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

func errorResult(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Internal handlers

func (s *Server) handleList(ctx context.Context, args map[string]any) (*ToolResult, error) {
	entity, _ := args["entity"].(string)
	if entity == "" {
		return errorResult("entity is required"), nil
	}

	records, err := s.engine.List(ctx, entity)
	if err != nil {
		return errorResult("list failed: %v", err), nil
	}

	if limit, ok := args["limit"].(float64); ok && limit > 0 && int(limit) < len(records) {
		records = records[:int(limit)]
	}

	refs := make([]string, len(records))
	for i, rec := range records {
		refs[i] = s.session.Track(rec.Entity, rec.ID)
	}
	return &ToolResult{Content: formatRecordList(entity, records, refs)}, nil
}

func (s *Server) handleGet(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ref, errRes := s.resolveTarget(args)
	if errRes != nil {
		return errRes, nil
	}

	rec, err := s.engine.Get(ctx, ref.Entity, ref.ID)
	if err != nil {
		return errorResult("get failed: %v", err), nil
	}
	return &ToolResult{Content: formatRecord("Record", s.session.Track(rec.Entity, rec.ID), rec)}, nil
}

func (s *Server) handleCreate(ctx context.Context, args map[string]any) (*ToolResult, error) {
	entity, _ := args["entity"].(string)
	if entity == "" {
		return errorResult("entity is required"), nil
	}
	payload, err := toPayload(args["payload"])
	if err != nil {
		return errorResult("invalid payload: %v", err), nil
	}

	rec, err := s.engine.Create(ctx, entity, payload)
	if err != nil {
		return errorResult("create failed: %v", err), nil
	}
	return &ToolResult{Content: formatRecord("Created", s.session.Track(rec.Entity, rec.ID), rec) + s.syncNote()}, nil
}

func (s *Server) handleUpdate(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ref, errRes := s.resolveTarget(args)
	if errRes != nil {
		return errRes, nil
	}
	payload, err := toPayload(args["payload"])
	if err != nil {
		return errorResult("invalid payload: %v", err), nil
	}
	if len(payload) == 0 {
		return errorResult("payload must contain at least one field"), nil
	}

	rec, err := s.engine.Update(ctx, ref.Entity, ref.ID, payload)
	if err != nil {
		return errorResult("update failed: %v", err), nil
	}
	return &ToolResult{Content: formatRecord("Updated", s.session.Track(rec.Entity, rec.ID), rec) + s.syncNote()}, nil
}

func (s *Server) handleDelete(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ref, errRes := s.resolveTarget(args)
	if errRes != nil {
		return errRes, nil
	}

	if err := s.engine.SoftDelete(ctx, ref.Entity, ref.ID); err != nil {
		return errorResult("delete failed: %v", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Deleted %s/%s (restorable)", ref.Entity, ref.ID) + s.syncNote()}, nil
}

func (s *Server) handleRestore(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ref, errRes := s.resolveTarget(args)
	if errRes != nil {
		return errRes, nil
	}

	rec, err := s.engine.Restore(ctx, ref.Entity, ref.ID)
	if err != nil {
		return errorResult("restore failed: %v", err), nil
	}
	return &ToolResult{Content: formatRecord("Restored", s.session.Track(rec.Entity, rec.ID), rec) + s.syncNote()}, nil
}

func (s *Server) handleStatus(_ context.Context, _ map[string]any) (*ToolResult, error) {
	stats, err := s.engine.Stats()
	if err != nil {
		return errorResult("status failed: %v", err), nil
	}
	return &ToolResult{Content: formatStatus(s.engine.Status(), stats, s.engine.Entities())}, nil
}

func (s *Server) handleSync(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	start := time.Now()
	res, err := s.engine.SyncNow(ctx)
	if errors.Is(err, studiosync.ErrOffline) {
		pending := len(s.engine.Pending())
		return errorResult("remote store unreachable; %d operation(s) stay queued", pending), nil
	}
	if err != nil {
		return errorResult("sync failed: %v", err), nil
	}
	return &ToolResult{Content: formatDrain(res, len(s.engine.Pending()), time.Since(start))}, nil
}

// resolveTarget reads entity and id, expanding a session ref when given one.
func (s *Server) resolveTarget(args map[string]any) (RecordRef, *ToolResult) {
	id, _ := args["id"].(string)
	if id == "" {
		return RecordRef{}, errorResult("id is required")
	}
	entity, _ := args["entity"].(string)

	if ref, ok := s.session.Resolve(id); ok {
		if entity != "" && entity != ref.Entity {
			return RecordRef{}, errorResult("ref %s belongs to %s, not %s", id, ref.Entity, entity)
		}
		return ref, nil
	}
	if entity == "" {
		return RecordRef{}, errorResult("entity is required when id is not a session ref")
	}
	return RecordRef{Entity: entity, ID: id}, nil
}

// syncNote tells the agent whether the change is still waiting for the remote store.
func (s *Server) syncNote() string {
	if n := len(s.engine.Pending()); n > 0 {
		return fmt.Sprintf("\n  Pending sync: %d operation(s) queued", n)
	}
	return ""
}

// toPayload accepts an object or a JSON-encoded object.
func toPayload(v any) (map[string]any, error) {
	switch p := v.(type) {
	case map[string]any:
		return p, nil
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(p), &out); err != nil {
			return nil, err
		}
		return out, nil
	case nil:
		return nil, errors.New("payload is required")
	default:
		return nil, fmt.Errorf("unsupported payload type %T", v)
	}
}

func formatRecordList(entity string, records []studiosync.Record, refs []string) string {
	if len(records) == 0 {
		return fmt.Sprintf("No %s found.", entity)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d %s:\n", len(records), entity))
	for i, rec := range records {
		sb.WriteString(fmt.Sprintf("\n[%s] %s\n", refs[i], rec.ID))
		sb.WriteString("    " + summarize(rec.Payload, 160) + "\n")
		if rec.ReducedFidelity {
			sb.WriteString("    (optional fields may be stale remotely)\n")
		}
	}
	return sb.String()
}

func formatRecord(verb, ref string, rec *studiosync.Record) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s [%s] %s/%s:\n", verb, ref, rec.Entity, rec.ID))
	for _, k := range sortedKeys(rec.Payload) {
		sb.WriteString(fmt.Sprintf("  %s: %v\n", k, rec.Payload[k]))
	}
	if !rec.UpdatedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("  updated: %s\n", rec.UpdatedAt.Format(time.RFC3339)))
	}
	if rec.ReducedFidelity {
		sb.WriteString("  reduced fidelity: optional fields were not stored remotely\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatStatus(st studiosync.ConnectivityStatus, stats *studiosync.StoreStats, entities []string) string {
	var sb strings.Builder
	state := "offline"
	switch {
	case st.IsOnline:
		state = "online"
	case st.DependencyDown:
		state = "offline (network up, remote store unreachable)"
	}
	sb.WriteString(fmt.Sprintf("Connectivity: %s\n", state))
	sb.WriteString(fmt.Sprintf("Realtime feed: %s\n", st.Feed))
	sb.WriteString(fmt.Sprintf("Pending operations: %d\n", st.QueueLength))
	if stats.FailureCount > 0 {
		sb.WriteString(fmt.Sprintf("Terminal failures: %d (see studiosync_failures)\n", stats.FailureCount))
	}
	sb.WriteString(fmt.Sprintf("Cached records: %d (%d deleted)\n", stats.RecordCount, stats.TombstoneCount))
	if !stats.LastSync.IsZero() {
		sb.WriteString(fmt.Sprintf("Last sync: %s\n", stats.LastSync.Format(time.RFC3339)))
	}
	if len(entities) > 0 {
		sb.WriteString(fmt.Sprintf("Entities: %s\n", strings.Join(entities, ", ")))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatDrain(res studiosync.DrainResult, remaining int, took time.Duration) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Sync complete (took %s)\n", took.Round(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("  Pushed: %d\n", res.Succeeded))
	if res.Failed > 0 {
		sb.WriteString(fmt.Sprintf("  Failed: %d (will retry)\n", res.Failed))
	}
	if res.Deferred > 0 {
		sb.WriteString(fmt.Sprintf("  Deferred: %d\n", res.Deferred))
	}
	for _, f := range res.Terminal {
		sb.WriteString(fmt.Sprintf("  Gave up: %s %s/%s: %s\n",
			f.Operation.Action, f.Operation.Entity, f.Operation.EntityID, truncate(f.Error, 100)))
	}
	sb.WriteString(fmt.Sprintf("  Remaining in queue: %d", remaining))
	return sb.String()
}

// summarize renders a payload on one line with sorted keys.
func summarize(payload map[string]any, maxLen int) string {
	parts := make([]string, 0, len(payload))
	for _, k := range sortedKeys(payload) {
		if k == studiosync.FieldID {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return truncate(strings.Join(parts, " "), maxLen)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
