package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kastel/remedia/internal/assist"
	"github.com/kastel/remedia/internal/incidents"
	"github.com/kastel/remedia/internal/sequence"
	"github.com/kastel/remedia/internal/session"
	"github.com/kastel/remedia/internal/store"
	"github.com/kastel/remedia/internal/validation"
	"github.com/kastel/remedia/pkg/schema"
)

// StepRunner executes steps of a sequence under the engine's run guards.
type StepRunner interface {
	ExecuteOne(ctx context.Context, seq *sequence.Sequence, stepID string) (schema.Step, error)
	ExecuteAll(ctx context.Context, seq *sequence.Sequence) ([]schema.Step, error)
}

// Assistant runs the AI-assist operations on a step.
type Assistant interface {
	Rematch(ctx context.Context, seq *sequence.Sequence, stepID string) (*schema.Step, error)
	Generate(ctx context.Context, seq *sequence.Sequence, stepID string, req assist.GenerateRequest) (*schema.DraftTask, error)
}

// IncidentResolver turns an incident ticket into an executable resolution.
type IncidentResolver interface {
	Resolve(ctx context.Context, number string) (*incidents.Resolution, error)
}

// ProcedureDrafter generates procedure outlines from free-form text.
type ProcedureDrafter interface {
	Generate(ctx context.Context, text string, answers []string) (*schema.GenerationResult, error)
}

// RemediaServerDeps holds the dependencies for creating a RemediaServer.
type RemediaServerDeps struct {
	Store     store.Store
	Sessions  *session.Manager
	Runner    StepRunner
	Assist    Assistant
	Resolver  IncidentResolver
	Drafter   ProcedureDrafter
	Validator validation.Validator
	Logger    *slog.Logger
}

// RemediaServer wraps an MCP server with remedia-specific tool handlers.
type RemediaServer struct {
	store     store.Store
	sessions  *session.Manager
	runner    StepRunner
	assist    Assistant
	resolver  IncidentResolver
	drafter   ProcedureDrafter
	validator validation.Validator
	logger    *slog.Logger
	clients   *SessionRegistry
	debounce  *assist.Debouncer
	mcpServer *server.MCPServer
}

// rematchDelay is the trailing debounce on description edits before the
// step's task binding is re-derived.
const rematchDelay = 750 * time.Millisecond

// NewRemediaServer creates a new RemediaServer with all 7 tools registered.
func NewRemediaServer(deps RemediaServerDeps) *RemediaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RemediaServer{
		store:     deps.Store,
		sessions:  deps.Sessions,
		runner:    deps.Runner,
		assist:    deps.Assist,
		resolver:  deps.Resolver,
		drafter:   deps.Drafter,
		validator: deps.Validator,
		logger:    logger,
		clients:   NewSessionRegistry(),
		debounce:  assist.NewDebouncer(rematchDelay),
	}

	mcpSrv := server.NewMCPServer(
		"remedia",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Remedia is a step-sequence editor and executor for incident remediation. Use remedia.steps to edit the step sequence of your session, remedia.execute to run steps, remedia.assist for AI task matching and generation, remedia.graph to visualize the sequence, remedia.catalog to manage worker tasks, remedia.procedures to parse and store remediation procedures, and remedia.incident to resolve incident tickets."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RemediaServer) Serve(ctx context.Context) error {
	defer s.debounce.Stop()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RemediaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Clients returns the client-to-editing-session registry.
func (s *RemediaServer) Clients() *SessionRegistry {
	return s.clients
}

// tools returns the 7 registered MCP tools as ServerTool entries.
func (s *RemediaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: stepsTool(), Handler: s.handleSteps},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: assistTool(), Handler: s.handleAssist},
		{Tool: graphTool(), Handler: s.handleGraph},
		{Tool: catalogTool(), Handler: s.handleCatalog},
		{Tool: proceduresTool(), Handler: s.handleProcedures},
		{Tool: incidentTool(), Handler: s.handleIncident},
	}
}

// --- Tool definitions ---

func stepsTool() mcp.Tool {
	return mcp.NewTool("remedia.steps",
		mcp.WithDescription("Edit the step sequence of an editing session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Editing session ID")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("list", "add", "insert", "insert_head", "update", "delete"),
			mcp.Description("Mutation to apply: list steps, add at tail, insert after a step, insert before the first step, update a step, or delete a step"),
		),
		mcp.WithString("step_id", mcp.Description("Target step identity (required for insert, update, delete)")),
		mcp.WithObject("patch", mcp.Description("Partial step update for action=update (description, task {id,name}, clear_task, params, bound, rearm)")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("remedia.execute",
		mcp.WithDescription("Execute steps of a session's sequence"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Editing session ID")),
		mcp.WithString("scope", mcp.Required(),
			mcp.Enum("step", "all"),
			mcp.Description("Run a single step or the whole sequence in order"),
		),
		mcp.WithString("step_id", mcp.Description("Step to run (required for scope=step)")),
	)
}

func assistTool() mcp.Tool {
	return mcp.NewTool("remedia.assist",
		mcp.WithDescription("Run an AI-assist operation on a step: rebind its task from the catalog or draft a new task definition"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Editing session ID")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("rematch", "generate"),
			mcp.Description("rematch rebinds the step's task from its description; generate drafts a new task for review"),
		),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Target step identity")),
		mcp.WithString("title", mcp.Description("Procedure title context for generation")),
		mcp.WithString("issue", mcp.Description("Procedure issue context for generation")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("remedia.graph",
		mcp.WithDescription("Project a session's step sequence as a graph. Returns the node/edge projection or Mermaid flowchart syntax"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Editing session ID")),
		mcp.WithString("format",
			mcp.Enum("json", "mermaid"),
			mcp.Description("Output format (default: json)"),
		),
	)
}

func catalogTool() mcp.Tool {
	return mcp.NewTool("remedia.catalog",
		mcp.WithDescription("Manage the worker task catalog"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "get", "update", "delete", "list"),
			mcp.Description("Catalog operation"),
		),
		mcp.WithString("id", mcp.Description("Task ID or name (required for get, update, delete)")),
		mcp.WithObject("task", mcp.Description("Task definition for create/update (name, description, content, type, tags, params)")),
		mcp.WithObject("filter", mcp.Description("List filter (query, tag, limit, offset)")),
	)
}

func proceduresTool() mcp.Tool {
	return mcp.NewTool("remedia.procedures",
		mcp.WithDescription("Manage stored remediation procedures: upload the current session sequence, list, fetch, delete, parse raw SOP text, or generate an outline with AI"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("upload", "list", "get", "delete", "parse", "generate"),
			mcp.Description("Procedure operation"),
		),
		mcp.WithString("session_id", mcp.Description("Editing session to upload from (required for upload)")),
		mcp.WithString("id", mcp.Description("Procedure ID (required for get, delete; optional for upload)")),
		mcp.WithString("title", mcp.Description("Procedure title (required for upload)")),
		mcp.WithString("issue", mcp.Description("Issue the procedure remediates (required for upload)")),
		mcp.WithArray("tags", mcp.Description("Procedure tags for upload")),
		mcp.WithString("text", mcp.Description("Raw document text (required for parse, generate)")),
		mcp.WithArray("answers", mcp.Description("Operator answers to prior clarification questions (generate only)")),
	)
}

func incidentTool() mcp.Tool {
	return mcp.NewTool("remedia.incident",
		mcp.WithDescription("Work with incident tickets: create, fetch, list, resolve into an executable step sequence, or read resolution history"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "get", "list", "resolve", "history"),
			mcp.Description("Incident operation"),
		),
		mcp.WithString("number", mcp.Description("Incident number (required for get, resolve, history)")),
		mcp.WithObject("incident", mcp.Description("Incident fields for create (number, short_description, description, cmdb_ci, business_service, extra)")),
		mcp.WithString("status", mcp.Description("Status filter for list")),
		mcp.WithString("session_id", mcp.Description("Editing session to seed with the resolved steps (resolve only)")),
	)
}
