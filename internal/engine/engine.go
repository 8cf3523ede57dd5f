// Package engine implements the Engine Adapter: it drives one agent run to
// completion, translating the agent's raw message stream into the
// card-oriented event sequence the rest of the broker consumes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/agentsdk"
	"github.com/kandev/agentbroker/internal/engine/mcppolicy"
	"github.com/kandev/agentbroker/internal/logger"
	"github.com/kandev/agentbroker/internal/ratelimit"
	"github.com/kandev/agentbroker/internal/runnerpool"
	"github.com/kandev/agentbroker/internal/telemetry"
)

const (
	keepaliveInterval  = time.Second
	maxToolInputBytes  = 2000
	maxContextTokens   = 200000
	compactGracePeriod = 30 * time.Second
)

// Event is one item of the card-oriented event stream, always carrying a
// "type" discriminant alongside its payload fields. It serializes directly
// to both the SSE data field and the Event Log's JSONL payload.
type Event map[string]any

func newEvent(eventType string, fields map[string]any) Event {
	ev := make(Event, len(fields)+1)
	ev["type"] = eventType
	for k, v := range fields {
		ev[k] = v
	}
	return ev
}

// Type returns the event's discriminant.
func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

// Intervention is a pending user message to inject into a live run.
type Intervention struct {
	Text            string
	User            string
	AttachmentPaths []string
}

// Callbacks are the adapter's outputs, one call per translated event plus
// two narrow lifecycle hooks.
type Callbacks struct {
	// OnEvent fires for every event in the translated stream, in order.
	OnEvent func(Event)
	// OnSession fires once, as early as the agent reports its session id.
	OnSession func(sessionID string)
	// OnIntervention is polled once per keepalive tick; returning ok=true
	// with a non-nil Intervention injects it as the agent's next turn.
	OnIntervention func() (intervention *Intervention, ok bool)
	// OnInterventionSent fires after an intervention has been delivered.
	OnInterventionSent func(user, text string)
}

func (c Callbacks) emit(ev Event) {
	if c.OnEvent != nil {
		c.OnEvent(ev)
	}
}

// ToolPolicy controls which tools a run may use, including MCP servers to
// resolve into the allowed_tools set before the run starts.
type ToolPolicy struct {
	AllowedTools    []string
	UseMCP          bool
	MCP             mcppolicy.Config
	MCPServerPolicy mcppolicy.Policy
}

// ExecuteRequest is the input to one Execute call.
type ExecuteRequest struct {
	Prompt          string
	ResumeSessionID string
	ToolPolicy      ToolPolicy
	ActiveProfile   string
}

// RateLimitRecorder records rate-limit notifications against the currently
// active credential profile, returning an alert the first time a window
// crosses the alert threshold.
type RateLimitRecorder interface {
	Record(activeProfile string, n ratelimit.Notification) (*ratelimit.Alert, error)
}

// Adapter drives agent runs, optionally pulling warm runners from a pool.
// A nil pool means every run constructs and discards a dedicated runner.
type Adapter struct {
	pool         *runnerpool.Pool
	launchConfig agentsdk.LaunchConfig
	rateLimits   RateLimitRecorder
	log          *logger.Logger
	tracer       trace.Tracer
}

// New creates an Adapter. pool may be nil for one-shot-only operation;
// rateLimits may be nil to skip rate-limit bookkeeping entirely.
func New(pool *runnerpool.Pool, launchConfig agentsdk.LaunchConfig, rateLimits RateLimitRecorder, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	return &Adapter{
		pool:         pool,
		launchConfig: launchConfig,
		rateLimits:   rateLimits,
		log:          log.With(zap.String("component", "engine-adapter")),
		tracer:       telemetry.Tracer("engine"),
	}
}

// Execute performs one run to completion, pushing every translated event to
// cb.OnEvent. It returns only on a fatal adapter-level error (failure to
// acquire or launch a runner, or a transport write failure); agent-side
// failures are surfaced as an `error` event, not a returned error.
func (a *Adapter) Execute(ctx context.Context, req ExecuteRequest, cb Callbacks) error {
	ctx, span := a.tracer.Start(ctx, "engine.execute")
	defer span.End()

	runner, err := a.acquire(ctx, req.ResumeSessionID)
	if err != nil {
		return fmt.Errorf("engine: acquire runner: %w", err)
	}
	client, ok := runner.(*agentsdk.Client)
	if !ok {
		a.discard(runner)
		return fmt.Errorf("engine: runner %T is not an agentsdk.Client", runner)
	}

	allowedTools, mcpWarnings := a.resolveTools(ctx, req.ToolPolicy)
	for _, w := range mcpWarnings {
		cb.emit(newEvent("debug", map[string]any{"message": w}))
	}

	prompt := map[string]any{"type": "prompt", "text": req.Prompt}
	if req.ResumeSessionID != "" {
		prompt["resume_session_id"] = req.ResumeSessionID
	}
	if len(allowedTools) > 0 {
		prompt["allowed_tools"] = allowedTools
	}
	if err := client.Send(prompt); err != nil {
		a.discard(runner)
		return fmt.Errorf("engine: send prompt: %w", err)
	}

	success, sessionID := a.drive(ctx, client, req, cb)

	if success && a.pool != nil {
		a.pool.Release(runner, sessionID)
	} else {
		a.discard(runner)
	}
	return nil
}

func (a *Adapter) acquire(ctx context.Context, sessionID string) (runnerpool.Runner, error) {
	if a.pool != nil {
		return a.pool.Acquire(ctx, sessionID)
	}
	return agentsdk.Launch(ctx, a.launchConfig, a.log)
}

func (a *Adapter) discard(r runnerpool.Runner) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Disconnect(ctx); err != nil {
		a.log.Warn("error discarding runner after failed run", zap.Error(err))
	}
}

func (a *Adapter) resolveTools(ctx context.Context, policy ToolPolicy) ([]string, []string) {
	tools := append([]string{}, policy.AllowedTools...)
	if !policy.UseMCP {
		return tools, nil
	}

	servers, warnings, err := mcppolicy.Resolve(policy.MCP, policy.MCPServerPolicy)
	if err != nil {
		return tools, append(warnings, fmt.Sprintf("mcp resolution failed: %v", err))
	}
	if len(servers) == 0 {
		return tools, warnings
	}

	resolvedTools, toolWarnings := mcppolicy.ListTools(ctx, servers, a.log)
	warnings = append(warnings, toolWarnings...)
	for _, t := range resolvedTools {
		tools = append(tools, t.QualifiedName)
	}
	return tools, warnings
}

// drive runs the receive loop until a terminal event or process exit,
// returning whether the run ended successfully.
func (a *Adapter) drive(ctx context.Context, client *agentsdk.Client, req ExecuteRequest, cb Callbacks) (bool, string) {
	state := &translationState{sessionID: req.ResumeSessionID}
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	var compactDeadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return false, state.sessionID

		case <-compactDeadline:
			cb.emit(newEvent("error", map[string]any{
				"message":    "compact produced no follow-up",
				"error_code": "AGENT_PROTOCOL",
			}))
			return false, state.sessionID

		case <-ticker.C:
			a.pollIntervention(client, cb)

		case msg, ok := <-client.Messages():
			if !ok {
				exitErr := <-client.Exit()
				if exitErr != nil {
					cb.emit(newEvent("error", map[string]any{"message": exitErr.Error(), "error_code": "AGENT_PROCESS"}))
				} else {
					cb.emit(newEvent("error", map[string]any{"message": "agent exited without a terminal result", "error_code": "AGENT_PROCESS"}))
				}
				return false, state.sessionID
			}

			if state.awaitingPostCompact {
				state.awaitingPostCompact = false
				compactDeadline = nil
			}

			outcome := a.translate(msg, state, req.ActiveProfile, cb)
			switch outcome {
			case outcomeSuccess:
				return true, state.sessionID
			case outcomeError:
				return false, state.sessionID
			case outcomeCompact:
				state.awaitingPostCompact = true
				compactDeadline = time.After(compactGracePeriod)
			}
		}
	}
}

func (a *Adapter) pollIntervention(client *agentsdk.Client, cb Callbacks) {
	if cb.OnIntervention == nil {
		return
	}
	iv, ok := cb.OnIntervention()
	if !ok || iv == nil {
		return
	}
	if err := client.Send(map[string]any{"type": "user_message", "text": iv.Text}); err != nil {
		a.log.Warn("failed to deliver intervention to agent", zap.Error(err))
		return
	}
	cb.emit(newEvent("intervention_sent", map[string]any{"user": iv.User, "text": iv.Text}))
	if cb.OnInterventionSent != nil {
		cb.OnInterventionSent(iv.User, iv.Text)
	}
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeSuccess
	outcomeError
	outcomeCompact
)

type cardEntry struct {
	cardID   string
	toolName string
}

type translationState struct {
	sessionID    string
	sessionSent  bool
	currentCard  string
	lastToolName string
	lastCardID   string
	toolCards    map[string]cardEntry

	awaitingPostCompact bool
}

func newCardID() string {
	return uuid.NewString()[:8]
}

// translate maps one raw agent message to zero or more adapter events,
// returning whether the run has reached a terminal outcome.
func (a *Adapter) translate(msg agentsdk.Message, state *translationState, activeProfile string, cb Callbacks) outcome {
	switch msg.Type() {
	case "session":
		sessionID, _ := msg["session_id"].(string)
		if sessionID != "" {
			state.sessionID = sessionID
		}
		if !state.sessionSent && cb.OnSession != nil {
			state.sessionSent = true
			cb.OnSession(sessionID)
		}
		cb.emit(newEvent("session", map[string]any{"session_id": sessionID}))

	case "progress":
		cb.emit(newEvent("progress", map[string]any{"text": msg["text"]}))

	case "text_delta":
		a.handleTextDelta(msg, state, cb)

	case "tool_use":
		a.handleToolUse(msg, state, cb)

	case "tool_result":
		a.handleToolResult(msg, state, cb)

	case "compact":
		cb.emit(newEvent("compact", map[string]any{"trigger": msg["trigger"], "message": msg["message"]}))
		return outcomeCompact

	case "rate_limit":
		a.handleRateLimit(msg, activeProfile, cb)

	case "debug":
		cb.emit(newEvent("debug", map[string]any{"message": msg["message"]}))

	case "result":
		return a.handleResult(msg, state, cb)

	default:
		a.log.Debug("skipping unrecognized agent message type", zap.String("type", msg.Type()))
	}
	return outcomeContinue
}

// handleTextDelta opens, emits, and closes one card per TEXT_DELTA message:
// the agent SDK never chunk-streams text, so each TEXT_DELTA is already a
// complete card on its own. The generated card id stays on state.currentCard
// as the grouping key for any tool_start/tool_result that follow until the
// next TEXT_DELTA.
func (a *Adapter) handleTextDelta(msg agentsdk.Message, state *translationState, cb Callbacks) {
	cardID := newCardID()
	state.currentCard = cardID
	cb.emit(newEvent("text_start", map[string]any{"card_id": cardID}))
	cb.emit(newEvent("text_delta", map[string]any{"card_id": cardID, "text": msg["text"]}))
	cb.emit(newEvent("text_end", map[string]any{"card_id": cardID}))
}

func (a *Adapter) handleToolUse(msg agentsdk.Message, state *translationState, cb Callbacks) {
	toolUseID, _ := msg["tool_use_id"].(string)
	toolName, _ := msg["tool_name"].(string)
	cardID := state.currentCard

	if state.toolCards == nil {
		state.toolCards = make(map[string]cardEntry)
	}
	if toolUseID != "" {
		state.toolCards[toolUseID] = cardEntry{cardID: cardID, toolName: toolName}
	}
	state.lastToolName = toolName
	state.lastCardID = cardID

	fields := map[string]any{
		"tool_name":   toolName,
		"tool_input":  truncateToolInput(msg["tool_input"]),
		"tool_use_id": toolUseID,
	}
	if cardID != "" {
		fields["card_id"] = cardID
	}
	cb.emit(newEvent("tool_start", fields))
}

func (a *Adapter) handleToolResult(msg agentsdk.Message, state *translationState, cb Callbacks) {
	toolUseID, _ := msg["tool_use_id"].(string)

	cardID := state.lastCardID
	toolName := state.lastToolName
	if entry, ok := state.toolCards[toolUseID]; ok {
		cardID = entry.cardID
		toolName = entry.toolName
	}

	fields := map[string]any{
		"tool_name":   toolName,
		"result":      msg["result"],
		"is_error":    msg["is_error"],
		"tool_use_id": toolUseID,
	}
	if cardID != "" {
		fields["card_id"] = cardID
	}
	cb.emit(newEvent("tool_result", fields))
}

// truncateToolInput replaces tool_input with a truncation marker when its
// JSON encoding exceeds the size limit, so oversized payloads (large file
// writes, long shell scripts) never blow up listener queues or the event
// log.
func truncateToolInput(input any) any {
	data, err := json.Marshal(input)
	if err != nil || len(data) <= maxToolInputBytes {
		return input
	}
	return map[string]any{"_truncated": string(data[:maxToolInputBytes])}
}

func (a *Adapter) handleRateLimit(msg agentsdk.Message, activeProfile string, cb Callbacks) {
	limitType, _ := msg["rateLimitType"].(string)
	utilization, numeric := msg["utilization"].(float64)
	cb.emit(newEvent("debug", map[string]any{
		"message": fmt.Sprintf("rate limit %s at %.0f%% utilization", limitType, utilization*100),
	}))

	if a.rateLimits == nil || !numeric {
		return
	}
	notification := ratelimit.Notification{RateLimitType: limitType, Utilization: utilization}
	if resetsAt, ok := msg["resetsAt"].(string); ok && resetsAt != "" {
		notification.ResetsAt = &resetsAt
	}
	alert, err := a.rateLimits.Record(activeProfile, notification)
	if err != nil {
		a.log.Warn("failed to record rate-limit notification", zap.Error(err))
		return
	}
	if alert != nil {
		cb.emit(newEvent("credential_alert", map[string]any{
			"active_profile": alert.ActiveProfile,
			"profiles":       alert.Profiles,
		}))
	}
}

func (a *Adapter) handleResult(msg agentsdk.Message, state *translationState, cb Callbacks) outcome {
	if usage, ok := msg["usage"].(map[string]any); ok {
		used, _ := usage["used_tokens"].(float64)
		percent := used / float64(maxContextTokens) * 100
		cb.emit(newEvent("context_usage", map[string]any{
			"used_tokens": int64(used),
			"max_tokens":  maxContextTokens,
			"percent":     percent,
		}))
	}

	success, _ := msg["success"].(bool)
	isError, _ := msg["is_error"].(bool)
	if !success || isError {
		errMsg, _ := msg["error"].(string)
		if errMsg == "" {
			errMsg = "agent run failed"
		}
		cb.emit(newEvent("error", map[string]any{"message": errMsg}))
		return outcomeError
	}

	fields := map[string]any{"result": msg["output"]}
	if sid, ok := msg["claude_session_id"].(string); ok && sid != "" {
		fields["claude_session_id"] = sid
	}
	if attachments, ok := msg["attachments"]; ok {
		fields["attachments"] = attachments
	}
	cb.emit(newEvent("complete", fields))
	return outcomeSuccess
}
