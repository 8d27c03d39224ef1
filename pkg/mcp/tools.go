package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kastel/remedia/internal/ai"
	"github.com/kastel/remedia/internal/assist"
	"github.com/kastel/remedia/internal/logging"
	"github.com/kastel/remedia/internal/sequence"
	"github.com/kastel/remedia/internal/session"
	"github.com/kastel/remedia/internal/store"
	"github.com/kastel/remedia/pkg/schema"
)

// handleSteps applies one editing mutation to a session's sequence.
func (s *RemediaServer) handleSteps(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, _, result := s.requireSession(ctx, req)
	if result != nil {
		return result, nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	seq := sess.Sequence()

	switch action {
	case "list":
		return marshalResult(map[string]any{
			"revision": seq.Revision(),
			"steps":    seq.Snapshot(),
		})

	case "add":
		return marshalResult(seq.Append())

	case "insert_head":
		return marshalResult(seq.InsertHead())

	case "insert":
		stepID, err := req.RequireString("step_id")
		if err != nil {
			return mcp.NewToolResultError("step_id is required for insert"), nil
		}
		st, insErr := seq.InsertAfter(stepID)
		if insErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("insert failed: %v", insErr)), nil
		}
		return marshalResult(st)

	case "update":
		stepID, err := req.RequireString("step_id")
		if err != nil {
			return mcp.NewToolResultError("step_id is required for update"), nil
		}
		var patch schema.StepPatch
		if decodeErr := decodeObject(req, "patch", &patch); decodeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid patch: %v", decodeErr)), nil
		}
		st, ok := seq.Update(stepID, patch)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("step %s not found", stepID)), nil
		}
		// An edited description invalidates the task binding; re-derive it
		// once the edits settle.
		if patch.Description != nil && patch.Task == nil && !patch.ClearTask {
			s.scheduleRematch(seq, stepID)
		}
		return marshalResult(st)

	case "delete":
		stepID, err := req.RequireString("step_id")
		if err != nil {
			return mcp.NewToolResultError("step_id is required for delete"), nil
		}
		s.debounce.Cancel(stepID)
		if delErr := seq.Delete(stepID); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", delErr)), nil
		}
		return marshalResult(map[string]any{"deleted": stepID, "revision": seq.Revision()})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleExecute runs a single step or the whole sequence.
func (s *RemediaServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, ctx, result := s.requireSession(ctx, req)
	if result != nil {
		return result, nil
	}
	scope, err := req.RequireString("scope")
	if err != nil {
		return mcp.NewToolResultError("scope is required"), nil
	}
	seq := sess.Sequence()

	switch scope {
	case "step":
		stepID, err := req.RequireString("step_id")
		if err != nil {
			return mcp.NewToolResultError("step_id is required for scope=step"), nil
		}
		st, runErr := s.runner.ExecuteOne(logging.WithStepID(ctx, stepID), seq, stepID)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution rejected: %v", runErr)), nil
		}
		return marshalResult(st)

	case "all":
		steps, runErr := s.runner.ExecuteAll(ctx, seq)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
		}
		return marshalResult(map[string]any{"steps": steps})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown scope: %s", scope)), nil
	}
}

// handleAssist dispatches an AI-assist operation on a step.
func (s *RemediaServer) handleAssist(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, ctx, result := s.requireSession(ctx, req)
	if result != nil {
		return result, nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	ctx = logging.WithStepID(ctx, stepID)
	seq := sess.Sequence()

	switch action {
	case "rematch":
		st, matchErr := s.assist.Rematch(ctx, seq, stepID)
		if matchErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("rematch failed: %v", matchErr)), nil
		}
		if st == nil {
			// Step deleted while the matcher was in flight.
			return marshalResult(map[string]any{"discarded": true})
		}
		return marshalResult(st)

	case "generate":
		st, ok := seq.Get(stepID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("step %s not found", stepID)), nil
		}
		genReq := assist.GenerateRequest{
			Title:             req.GetString("title", ""),
			Issue:             req.GetString("issue", ""),
			TargetDescription: st.Description,
		}
		for _, snap := range seq.Snapshot() {
			genReq.AllStepDescriptions = append(genReq.AllStepDescriptions, snap.Description)
		}
		draft, genErr := s.assist.Generate(ctx, seq, stepID, genReq)
		if genErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("generation failed: %v", genErr)), nil
		}
		if draft == nil {
			return marshalResult(map[string]any{"discarded": true})
		}
		return marshalResult(draft)

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleGraph projects the session's sequence as a graph.
func (s *RemediaServer) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, _, result := s.requireSession(ctx, req)
	if result != nil {
		return result, nil
	}

	switch format := req.GetString("format", "json"); format {
	case "json":
		return marshalResult(sess.Graph())
	case "mermaid":
		return mcp.NewToolResultText(sess.Mermaid()), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format: %s", format)), nil
	}
}

// handleCatalog manages the worker task catalog.
func (s *RemediaServer) handleCatalog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		var wt schema.WorkerTask
		if decodeErr := decodeObject(req, "task", &wt); decodeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid task: %v", decodeErr)), nil
		}
		if valErr := s.validator.ValidateTask(&wt); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("task rejected: %v", valErr)), nil
		}
		task := &store.Task{WorkerTask: wt}
		if createErr := s.store.CreateTask(ctx, task); createErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", createErr)), nil
		}
		return marshalResult(task)

	case "get":
		task, result := s.lookupTask(ctx, req)
		if result != nil {
			return result, nil
		}
		return marshalResult(task)

	case "update":
		task, result := s.lookupTask(ctx, req)
		if result != nil {
			return result, nil
		}
		merged := task.WorkerTask
		if decodeErr := decodeObject(req, "task", &merged); decodeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid task: %v", decodeErr)), nil
		}
		if valErr := s.validator.ValidateTask(&merged); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("task rejected: %v", valErr)), nil
		}
		update := store.TaskUpdate{
			Description: &merged.Description,
			Content:     &merged.Content,
			Type:        &merged.Type,
			Tags:        &merged.Tags,
			Params:      &merged.Params,
		}
		if updErr := s.store.UpdateTask(ctx, task.ID, update); updErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to update task: %v", updErr)), nil
		}
		return marshalResult(map[string]any{"id": task.ID, "updated": true})

	case "delete":
		task, result := s.lookupTask(ctx, req)
		if result != nil {
			return result, nil
		}
		if delErr := s.store.DeleteTask(ctx, task.ID); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to delete task: %v", delErr)), nil
		}
		return marshalResult(map[string]any{"id": task.ID, "deleted": true})

	case "list":
		filter := mcp.ParseStringMap(req, "filter", nil)
		tf := store.TaskFilter{
			Limit:  extractInt(filter, "limit", 50),
			Offset: extractInt(filter, "offset", 0),
		}
		if q, ok := filter["query"].(string); ok {
			tf.Query = q
		}
		if tag, ok := filter["tag"].(string); ok {
			tf.Tag = tag
		}
		tasks, listErr := s.store.ListTasks(ctx, tf)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"tasks": tasks})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleProcedures manages stored procedures and SOP text tooling.
func (s *RemediaServer) handleProcedures(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "upload":
		sess, ctx, result := s.requireSession(ctx, req)
		if result != nil {
			return result, nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError("title is required for upload"), nil
		}
		issue, err := req.RequireString("issue")
		if err != nil {
			return mcp.NewToolResultError("issue is required for upload"), nil
		}
		proc, upErr := sess.Upload(ctx, session.UploadRequest{
			ID:    req.GetString("id", ""),
			Title: title,
			Issue: issue,
			Tags:  req.GetStringSlice("tags", nil),
		})
		if upErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("upload rejected: %v", upErr)), nil
		}
		return marshalResult(proc)

	case "list":
		procs, listErr := s.store.ListProcedures(ctx)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"procedures": procs})

	case "get":
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required for get"), nil
		}
		proc, getErr := s.store.GetProcedure(ctx, id)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("procedure lookup failed: %v", getErr)), nil
		}
		return marshalResult(proc)

	case "delete":
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required for delete"), nil
		}
		if delErr := s.store.DeleteProcedure(ctx, id); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to delete procedure: %v", delErr)), nil
		}
		return marshalResult(map[string]any{"id": id, "deleted": true})

	case "parse":
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required for parse"), nil
		}
		doc, parseErr := ai.ParseDocument(text)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("parse failed: %v", parseErr)), nil
		}
		return marshalResult(doc)

	case "generate":
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required for generate"), nil
		}
		gen, genErr := s.drafter.Generate(ctx, text, req.GetStringSlice("answers", nil))
		if genErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("generation failed: %v", genErr)), nil
		}
		return marshalResult(gen)

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleIncident manages incident tickets and their resolution.
func (s *RemediaServer) handleIncident(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		var inc schema.Incident
		if decodeErr := decodeObject(req, "incident", &inc); decodeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid incident: %v", decodeErr)), nil
		}
		if inc.Number == "" {
			return mcp.NewToolResultError("incident number is required"), nil
		}
		if createErr := s.store.CreateIncident(ctx, &inc); createErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to create incident: %v", createErr)), nil
		}
		return marshalResult(inc)

	case "get":
		number, err := req.RequireString("number")
		if err != nil {
			return mcp.NewToolResultError("number is required for get"), nil
		}
		inc, getErr := s.store.GetIncident(ctx, number)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("incident lookup failed: %v", getErr)), nil
		}
		return marshalResult(inc)

	case "list":
		incs, listErr := s.store.ListIncidents(ctx, store.IncidentFilter{
			Status: req.GetString("status", ""),
		})
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"incidents": incs})

	case "resolve":
		number, err := req.RequireString("number")
		if err != nil {
			return mcp.NewToolResultError("number is required for resolve"), nil
		}
		res, resErr := s.resolver.Resolve(logging.WithIncident(ctx, number), number)
		if resErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("resolution failed: %v", resErr)), nil
		}
		out := map[string]any{"resolution": res}
		// Optionally load the resolved steps into an editing session for
		// operator review before execution.
		if sid := req.GetString("session_id", ""); sid != "" {
			sess := s.sessions.Get(sid)
			s.captureClient(ctx, sid)
			seeded := sess.Sequence().Seed(res.Steps)
			out["session_id"] = sid
			out["seeded_steps"] = len(seeded)
		}
		return marshalResult(out)

	case "history":
		number, err := req.RequireString("number")
		if err != nil {
			return mcp.NewToolResultError("number is required for history"), nil
		}
		entries, histErr := s.store.GetHistory(ctx, number)
		if histErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("history lookup failed: %v", histErr)), nil
		}
		return marshalResult(map[string]any{"history": entries})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// --- Internal helpers ---

// requireSession resolves the editing session named by the request and
// binds the calling client to it for notification routing. The returned
// context carries the session ID so downstream log records pick it up.
// On failure the last return value is the error result to hand back.
func (s *RemediaServer) requireSession(ctx context.Context, req mcp.CallToolRequest) (*session.Session, context.Context, *mcp.CallToolResult) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return nil, ctx, mcp.NewToolResultError("session_id is required")
	}
	s.captureClient(ctx, sessionID)
	return s.sessions.Get(sessionID), logging.WithSessionID(ctx, sessionID), nil
}

// lookupTask resolves a catalog task by numeric ID or by name.
func (s *RemediaServer) lookupTask(ctx context.Context, req mcp.CallToolRequest) (*store.Task, *mcp.CallToolResult) {
	id, err := req.RequireString("id")
	if err != nil {
		return nil, mcp.NewToolResultError("id is required")
	}
	if n, parseErr := strconv.ParseInt(id, 10, 64); parseErr == nil {
		task, getErr := s.store.GetTask(ctx, n)
		if getErr != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("task lookup failed: %v", getErr))
		}
		return task, nil
	}
	task, getErr := s.store.GetTaskByName(ctx, id)
	if getErr != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("task lookup failed: %v", getErr))
	}
	return task, nil
}

// scheduleRematch queues a debounced task rebind for an edited step.
// The rematch runs after the edits settle; a step deleted in the
// meantime is discarded by the adapter's stale guard.
func (s *RemediaServer) scheduleRematch(seq *sequence.Sequence, stepID string) {
	if s.assist == nil {
		return
	}
	s.debounce.Trigger(stepID, func() {
		if _, err := s.assist.Rematch(context.Background(), seq, stepID); err != nil {
			s.logger.Debug("debounced rematch skipped", "step_id", stepID, "error", err)
		}
	})
}

// captureClient maps the calling MCP client to the editing session it
// works in, for notification routing.
func (s *RemediaServer) captureClient(ctx context.Context, editingID string) {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		s.clients.Bind(cs.SessionID(), editingID)
	}
}

// decodeObject parses an object argument into target via a JSON round
// trip. A missing argument leaves target untouched.
func decodeObject(req mcp.CallToolRequest, key string, target any) error {
	raw := mcp.ParseStringMap(req, key, nil)
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
