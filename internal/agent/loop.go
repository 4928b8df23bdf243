// Package agent implements the tool-calling loop that turns one inbound
// message into a reply. The loop alternates between completion calls
// and tool executions until the model answers in text, and it is
// bounded so a misbehaving model cannot keep it running.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/asesor/internal/config"
	"github.com/nugget/asesor/internal/conversation"
	"github.com/nugget/asesor/internal/llm"
	"github.com/nugget/asesor/internal/prompts"
	"github.com/nugget/asesor/internal/tools"
	"github.com/nugget/asesor/internal/usage"
)

// DefaultMaxToolIterations caps tool executions per run when the
// policy does not set a cap.
const DefaultMaxToolIterations = 6

// Dispatcher executes tool invocations. Dispatch never fails; failures
// come back as unsuccessful results.
type Dispatcher interface {
	Definitions() []llm.ToolDefinition
	Dispatch(ctx context.Context, inv tools.Invocation) tools.Result
}

// UsageRecorder persists token usage per completion call.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Observer receives loop measurements, for metrics.
type Observer interface {
	ObserveCompletion(model string, elapsed time.Duration, inputTokens, outputTokens int, err error)
	ObserveRun(outcome Outcome, iterations int)
}

// Policy is the immutable conversation policy the loop runs under.
type Policy struct {
	Name               string
	SystemPrompt       string
	Model              string
	MaxTokens          int
	MaxToolIterations  int
	TranscriptInSystem bool
	FallbackMessage    string
}

// PolicyFromConfig converts the configured policy.
func PolicyFromConfig(p config.PolicyConfig) Policy {
	return Policy{
		Name:               p.Name,
		SystemPrompt:       p.SystemPrompt,
		Model:              p.Model,
		MaxTokens:          p.MaxTokens,
		MaxToolIterations:  p.MaxToolIterations,
		TranscriptInSystem: p.TranscriptInSystem,
		FallbackMessage:    p.FallbackMessage,
	}
}

// Request is one inbound message to answer.
type Request struct {
	SenderID  string
	RequestID string // inbound delivery id, for usage records
	Message   string
	History   conversation.Context
}

// Outcome classifies how a run ended.
type Outcome string

const (
	// OutcomeAnswered means the model produced a final text answer.
	OutcomeAnswered Outcome = "answered"
	// OutcomeFallback means the run ended without usable text.
	OutcomeFallback Outcome = "fallback"
	// OutcomeTruncated means the tool iteration cap was reached.
	OutcomeTruncated Outcome = "truncated"
	// OutcomeError means a completion call failed.
	OutcomeError Outcome = "error"
)

// Response is the result of one run.
type Response struct {
	Text         string   `json:"text"`
	Model        string   `json:"model"`
	Outcome      Outcome  `json:"outcome"`
	Completions  int      `json:"completions"`
	ToolsUsed    []string `json:"tools_used,omitempty"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
}

// Loop is the agent execution loop. It holds no per-run state and is
// safe for concurrent use.
type Loop struct {
	logger   *slog.Logger
	llm      llm.Completer
	tools    Dispatcher
	policy   Policy
	usage    UsageRecorder
	pricing  map[string]config.PricingEntry
	observer Observer
	loc      *time.Location
	timeout  time.Duration
	now      func() time.Time
}

// NewLoop creates a loop over a completion service and tool dispatcher.
func NewLoop(logger *slog.Logger, completer llm.Completer, dispatcher Dispatcher, policy Policy) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxToolIterations <= 0 {
		policy.MaxToolIterations = DefaultMaxToolIterations
	}
	if policy.FallbackMessage == "" {
		policy.FallbackMessage = prompts.FallbackResponse
	}
	return &Loop{
		logger: logger.With("component", "agent", "policy", policy.Name),
		llm:    completer,
		tools:  dispatcher,
		policy: policy,
		loc:    time.UTC,
		now:    time.Now,
	}
}

// SetUsageRecorder enables per-call usage records priced with pricing.
func (l *Loop) SetUsageRecorder(rec UsageRecorder, pricing map[string]config.PricingEntry) {
	l.usage = rec
	l.pricing = pricing
}

// SetObserver installs a metrics observer.
func (l *Loop) SetObserver(o Observer) {
	l.observer = o
}

// SetLocation sets the timezone used for the clock in the system prompt.
func (l *Loop) SetLocation(loc *time.Location) {
	if loc != nil {
		l.loc = loc
	}
}

// SetCompletionTimeout bounds each completion call. Zero means no
// per-call bound beyond the caller's context.
func (l *Loop) SetCompletionTimeout(d time.Duration) {
	l.timeout = d
}

// Policy returns the loop's policy.
func (l *Loop) Policy() Policy {
	return l.policy
}

// state is the loop's position in the completion/tool cycle.
type state int

const (
	awaitingModel state = iota
	executingTool
	done
)

// session is the transient state of one run.
type session struct {
	system      string
	tools       []llm.ToolDefinition
	turns       []llm.Turn
	completions int
	toolRuns    int
	lastText    string
	resp        *Response
}

// Run answers one inbound message. A failed completion call is returned
// as an error; tool failures are fed back to the model as data.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	start := l.now()
	transcript := ""
	if l.policy.TranscriptInSystem {
		transcript = req.History.Transcript
	}
	sess := &session{
		system: prompts.SystemPrompt(l.policy.SystemPrompt, start.In(l.loc), transcript),
		tools:  l.tools.Definitions(),
		turns:  seedTurns(req.History.Turns, req.Message),
		resp:   &Response{Model: l.policy.Model},
	}

	l.logger.Info("agent loop started",
		"sender", req.SenderID,
		"history_turns", len(req.History.Turns),
		"tools", len(sess.tools),
	)

	toolCtx := tools.WithSender(ctx, req.SenderID)

	var (
		st      = awaitingModel
		resp    *llm.CompletionResponse
		pending llm.ContentBlock
	)
	for st != done {
		switch st {
		case awaitingModel:
			var err error
			resp, err = l.complete(ctx, req, sess)
			if err != nil {
				sess.resp.Completions = sess.completions
				l.finish(sess, OutcomeError)
				return nil, fmt.Errorf("completion %d: %w", sess.completions, err)
			}
			if text, ok := resp.FirstText(); ok {
				sess.lastText = text
			}

			use, hasUse := resp.FirstToolUse()
			switch {
			case resp.StopReason != llm.StopToolUse:
				st = done
			case !hasUse:
				l.logger.Warn("tool use signaled without a usable invocation",
					"sender", req.SenderID,
					"completion", sess.completions,
				)
				st = done
			case sess.toolRuns >= l.policy.MaxToolIterations:
				l.logger.Warn("tool iteration cap reached",
					"sender", req.SenderID,
					"max", l.policy.MaxToolIterations,
					"pending_tool", use.Name,
				)
				sess.resp.Outcome = OutcomeTruncated
				st = done
			default:
				pending = use
				st = executingTool
			}

		case executingTool:
			sess.turns = append(sess.turns, assistantTurn(resp, pending))
			res := l.tools.Dispatch(toolCtx, tools.Invocation{
				ID:    pending.ID,
				Name:  pending.Name,
				Input: pending.Input,
			})
			sess.turns = append(sess.turns, llm.ToolResultTurn(pending.ID, res.JSON(), !res.Success))
			sess.toolRuns++
			sess.resp.ToolsUsed = append(sess.resp.ToolsUsed, pending.Name)
			st = awaitingModel
		}
	}

	text, ok := resp.FirstText()
	switch {
	case ok:
		if sess.resp.Outcome == "" {
			sess.resp.Outcome = OutcomeAnswered
		}
	case sess.resp.Outcome == OutcomeTruncated && sess.lastText != "":
		text = sess.lastText
	default:
		text = l.policy.FallbackMessage
		if sess.resp.Outcome == "" {
			sess.resp.Outcome = OutcomeFallback
		}
	}
	sess.resp.Text = strings.TrimSpace(text)
	sess.resp.Completions = sess.completions
	if resp.Model != "" {
		sess.resp.Model = resp.Model
	}

	l.finish(sess, sess.resp.Outcome)
	l.logger.Info("agent loop completed",
		"sender", req.SenderID,
		"outcome", sess.resp.Outcome,
		"completions", sess.completions,
		"tools", sess.resp.ToolsUsed,
		"input_tokens", sess.resp.InputTokens,
		"output_tokens", sess.resp.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return sess.resp, nil
}

// complete makes one bounded completion call and accounts for it.
func (l *Loop) complete(ctx context.Context, req *Request, sess *session) (*llm.CompletionResponse, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	iteration := sess.completions
	sess.completions++

	start := time.Now()
	resp, err := l.llm.Complete(ctx, llm.CompletionRequest{
		Model:     l.policy.Model,
		System:    sess.system,
		Tools:     sess.tools,
		Turns:     sess.turns,
		MaxTokens: l.policy.MaxTokens,
	})
	elapsed := time.Since(start)
	if err != nil {
		if l.observer != nil {
			l.observer.ObserveCompletion(l.policy.Model, elapsed, 0, 0, err)
		}
		return nil, err
	}

	sess.resp.InputTokens += resp.InputTokens
	sess.resp.OutputTokens += resp.OutputTokens
	if l.observer != nil {
		l.observer.ObserveCompletion(l.policy.Model, elapsed, resp.InputTokens, resp.OutputTokens, nil)
	}
	l.logger.Debug("completion",
		"iteration", iteration,
		"stop_reason", resp.StopReason,
		"blocks", len(resp.Content),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	l.recordUsage(ctx, req, iteration, resp)
	return resp, nil
}

// recordUsage writes a usage record. Failures are logged only.
func (l *Loop) recordUsage(ctx context.Context, req *Request, iteration int, resp *llm.CompletionResponse) {
	if l.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = l.policy.Model
	}
	rec := usage.Record{
		Timestamp:    l.now(),
		RequestID:    req.RequestID,
		Sender:       req.SenderID,
		Policy:       l.policy.Name,
		Model:        model,
		Provider:     "anthropic",
		Iteration:    iteration,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      usage.ComputeCost(model, resp.InputTokens, resp.OutputTokens, l.pricing),
	}
	if err := l.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Warn("usage record failed", "error", err)
	}
}

func (l *Loop) finish(sess *session, outcome Outcome) {
	if l.observer != nil {
		l.observer.ObserveRun(outcome, sess.completions)
	}
}

// seedTurns builds the opening turn sequence: prior history followed by
// the new message. History that already ends with this message (it was
// logged before the context was read) is not duplicated, and leading
// assistant turns are dropped because a conversation must open with
// the user.
func seedTurns(history []llm.Turn, message string) []llm.Turn {
	i := 0
	for i < len(history) && history[i].Role == llm.RoleAssistant {
		i++
	}
	turns := make([]llm.Turn, 0, len(history)-i+1)
	turns = append(turns, history[i:]...)

	message = strings.TrimSpace(message)
	if message == "" {
		return turns
	}
	if n := len(turns); n > 0 && turns[n-1].Role == llm.RoleUser && strings.TrimSpace(turns[n-1].Text()) == message {
		return turns
	}
	return append(turns, llm.TextTurn(llm.RoleUser, message))
}

// assistantTurn keeps the response's text and the selected tool_use
// block. Other tool_use blocks are dropped since only the first call is
// executed and each tool_use must be answered by a tool_result.
func assistantTurn(resp *llm.CompletionResponse, selected llm.ContentBlock) llm.Turn {
	turn := llm.Turn{Role: llm.RoleAssistant}
	for _, b := range resp.Content {
		switch {
		case b.Type == llm.BlockText && strings.TrimSpace(b.Text) != "":
			turn.Content = append(turn.Content, b)
		case b.Type == llm.BlockToolUse && b.ID == selected.ID && b.Name == selected.Name:
			turn.Content = append(turn.Content, b)
		}
	}
	return turn
}
