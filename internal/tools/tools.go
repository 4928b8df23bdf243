// Package tools defines the tools available to the agent and the
// dispatcher that executes them. Every dispatch yields a Result, never
// an error, because the outcome is always handed back to the model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/asesor/internal/llm"
)

// DefaultTimeout bounds a single tool execution when none is configured.
const DefaultTimeout = 20 * time.Second

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	// Handler returns the success payload. A returned error becomes a
	// failure result.
	Handler func(ctx context.Context, args map[string]any) (map[string]any, error) `json:"-"`

	schema []byte
}

// Invocation is a tool call requested by the model.
type Invocation struct {
	ID    string
	Name  string
	Input map[string]any
}

// Result is the normalized outcome of a tool call.
type Result struct {
	Tool    string
	Success bool
	Payload map[string]any
	Error   string
	Elapsed time.Duration
}

// JSON serializes the result as the tool_result content sent back to the
// model: the payload fields plus "success", and "error" on failure.
func (r Result) JSON() string {
	out := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		out[k] = v
	}
	out["success"] = r.Success
	if !r.Success {
		out["error"] = r.Error
	}
	data, err := json.Marshal(out)
	if err != nil {
		// Payloads are built from plain values; this only trips on a
		// handler bug, and the model still needs an answer.
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(data)
}

// Observer receives one call per dispatch, for metrics.
type Observer interface {
	ObserveTool(name string, success bool, elapsed time.Duration)
}

// Registry holds available tools and dispatches invocations to them.
type Registry struct {
	tools    map[string]*Tool
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
}

// NewRegistry creates an empty registry. Each dispatch is bounded by
// timeout; zero selects DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*Tool),
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// SetObserver installs a dispatch observer.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// Register adds a tool to the registry. The parameter schema is compiled
// to JSON once here so dispatch can validate against it.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return errors.New("tool needs a name and a handler")
	}
	if t.Parameters != nil {
		schema, err := json.Marshal(t.Parameters)
		if err != nil {
			return fmt.Errorf("encode %s schema: %w", t.Name, err)
		}
		t.schema = schema
	}
	r.tools[t.Name] = t
	return nil
}

// Definitions returns the tool set for the model, sorted by name so
// every completion request carries the same list.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch validates and executes an invocation. It never returns an
// error: unknown tools, bad arguments, handler failures, and timeouts
// all become failure results.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation) Result {
	start := time.Now()
	res := r.dispatch(ctx, inv)
	res.Tool = inv.Name
	res.Elapsed = time.Since(start)

	if res.Success {
		r.logger.Info("tool executed",
			"tool", inv.Name,
			"tool_use_id", inv.ID,
			"elapsed", res.Elapsed.Round(time.Millisecond),
		)
	} else {
		r.logger.Warn("tool failed",
			"tool", inv.Name,
			"tool_use_id", inv.ID,
			"elapsed", res.Elapsed.Round(time.Millisecond),
			"error", res.Error,
		)
	}
	if r.observer != nil {
		r.observer.ObserveTool(inv.Name, res.Success, res.Elapsed)
	}
	return res
}

func (r *Registry) dispatch(ctx context.Context, inv Invocation) Result {
	tool := r.tools[inv.Name]
	if tool == nil {
		return failure(&ErrUnknownTool{ToolName: inv.Name})
	}

	args := inv.Input
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(tool, args); err != nil {
		return failure(err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.Log(ctx, llm.LevelTrace, "tool arguments", "tool", inv.Name, "args", args)

	payload, err := tool.Handler(ctx, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return failure(fmt.Errorf("%s timed out after %s: %w", inv.Name, r.timeout, err))
		}
		return failure(err)
	}
	return Result{Success: true, Payload: payload}
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}
