package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/marlowbot/marlow/internal/bus"
	"github.com/marlowbot/marlow/internal/llm"
	"github.com/marlowbot/marlow/internal/oracle"
	"github.com/marlowbot/marlow/internal/prompts"
	"github.com/marlowbot/marlow/internal/tools"
)

// Loop tuning constants. The cadences are observed behavior, not
// derived values; keep them named rather than inlined.
const (
	// checkpointTraceInterval is how many new trace entries accumulate
	// before a state checkpoint is injected.
	checkpointTraceInterval = 5
	// sufficiencyMinSteps is the trace length at which the sufficiency
	// gate first runs; it re-runs every sufficiencyStride entries.
	sufficiencyMinSteps = 8
	sufficiencyStride   = 4
	// consecutiveErrorLimit triggers the escalated corrective.
	consecutiveErrorLimit = 3
	// strongCorrectiveContext and mildCorrectiveContext cap how many
	// recent failed directions each corrective lists.
	strongCorrectiveContext = 5
	mildCorrectiveContext   = 3
	// toolHintArgLen truncates the primary argument in progress hints.
	toolHintArgLen = 40
	// reasoningSnippetLen truncates captured reasoning excerpts.
	reasoningSnippetLen = 200
)

// errorMarkers classify a tool result as failed. Matching is on the
// lowercased result text.
var errorMarkers = []string{"error:", "traceback", "failed", "exception", "permission denied"}

// TurnResult is the outcome of one control-loop run.
type TurnResult struct {
	// FinalContent is nil when the loop exhausted its iteration budget
	// (or the provider failed) without a plain-text answer.
	FinalContent *string
	// ToolsUsed lists invoked tool names in call order, duplicates kept.
	ToolsUsed []string
	// ToolTrace is the compact per-call log: name, truncated args, outcome.
	ToolTrace []string
	// TotalErrors counts tool-execution errors; it never resets.
	TotalErrors int
	// Reasoning holds short excerpts of <think> content seen along the way.
	Reasoning []string
	// Iterations is the number of provider calls made.
	Iterations int

	// providerErr distinguishes a provider failure from budget
	// exhaustion when FinalContent is nil.
	providerErr error
}

// runTurn drives one user turn: provider calls and tool executions
// until a plain-text answer arrives or the iteration budget runs out.
// Tool failures are folded back into the conversation as corrective
// instructions and never abort the turn.
func (a *Agent) runTurn(ctx context.Context, messages []llm.Message, onProgress ProgressFunc) *TurnResult {
	res := &TurnResult{}
	toolDefs := a.registry.List()
	question := lastUserContent(messages)
	requestID := tools.RequestIDFromContext(ctx)

	consecutiveErrors := 0
	var failedDirections []string
	var lastSummary *oracle.StateSummary
	checkpointedAt := 0
	sufficiencyCheckedAt := -1

	for i := range a.maxIterations {
		if ctx.Err() != nil {
			res.providerErr = ctx.Err()
			return res
		}
		res.Iterations = i + 1

		// Checkpoint: compress accumulated trace into a fresh state
		// summary so context stays bounded on long tool chains. The
		// previous summary is passed along so standing conclusions
		// survive the rollover.
		if len(res.ToolTrace)-checkpointedAt >= checkpointTraceInterval {
			if summary := a.oracle.CompressState(ctx, lastSummary, res.ToolTrace, res.Reasoning, failedDirections); summary != nil {
				messages = append(messages, llm.Message{
					Role:    "user",
					Content: prompts.StateCheckpoint(summary.Conclusions, summary.Evidence, summary.Unexplored),
				})
				lastSummary = summary
				checkpointedAt = len(res.ToolTrace)
				a.publish(bus.KindCheckpoint, map[string]any{"request_id": requestID, "trace_len": len(res.ToolTrace)})
			}
		}

		// Sufficiency gate: after enough steps, ask whether exploring
		// should stop.
		if n := len(res.ToolTrace); n >= sufficiencyMinSteps && n%sufficiencyStride == 0 && n != sufficiencyCheckedAt {
			sufficiencyCheckedAt = n
			if a.oracle.CheckSufficiency(ctx, question, res.ToolTrace) {
				messages = append(messages, llm.Message{Role: "user", Content: prompts.SufficiencyDirective})
			}
		}

		a.logger.Debug("llm call", "request_id", requestID, "iter", i, "model", a.model, "msgs", len(messages))
		a.publish(bus.KindLLMCall, map[string]any{"request_id": requestID, "iter": i, "model": a.model})

		resp, err := a.llm.Chat(ctx, a.model, messages, toolDefs, nil)
		if err != nil {
			a.logger.Error("llm call failed", "request_id", requestID, "iter", i, "error", err)
			res.providerErr = err
			return res
		}

		if snippet := reasoningSnippet(resp.Message); snippet != "" {
			res.Reasoning = append(res.Reasoning, snippet)
		}

		// No tool calls: terminal state.
		if len(resp.Message.ToolCalls) == 0 {
			final := stripThink(resp.Message.Content)
			res.FinalContent = &final
			return res
		}

		if onProgress != nil {
			if clean := stripThink(resp.Message.Content); clean != "" {
				onProgress(clean)
			}
			onProgress(toolHints(resp.Message.ToolCalls))
		}

		messages = append(messages, resp.Message)

		errorsThisRound := 0
		for _, tc := range resp.Message.ToolCalls {
			res.ToolsUsed = append(res.ToolsUsed, tc.Function.Name)
			a.publish(bus.KindToolCall, map[string]any{"request_id": requestID, "tool": tc.Function.Name})

			start := time.Now()
			result, err := a.registry.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				result = "Error: " + err.Error()
			}

			failed := isErrorResult(result)
			entry := traceEntry(tc, result, failed)
			res.ToolTrace = append(res.ToolTrace, entry)
			if failed {
				consecutiveErrors++
				errorsThisRound++
				res.TotalErrors++
				failedDirections = append(failedDirections, entry)
				a.logger.Warn("tool failed", "request_id", requestID, "tool", tc.Function.Name, "result", firstLine(result, 120))
			} else {
				consecutiveErrors = 0
				a.logger.Debug("tool done", "request_id", requestID, "tool", tc.Function.Name,
					"result_len", len(result), "elapsed", time.Since(start).Round(time.Millisecond))
			}
			a.publish(bus.KindToolDone, map[string]any{
				"request_id": requestID, "tool": tc.Function.Name,
				"ok": !failed, "duration_ms": time.Since(start).Milliseconds(),
			})

			messages = append(messages, llm.Message{Role: "tool", Content: result, ToolCallID: tc.ID})
		}

		// Error-streak handling: escalate at the limit, nudge below it.
		if consecutiveErrors >= consecutiveErrorLimit {
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: prompts.StrongCorrective(lastN(failedDirections, strongCorrectiveContext)),
			})
			consecutiveErrors = 0
		} else if errorsThisRound > 0 && consecutiveErrors >= 1 {
			// Earlier failed directions stay listed even when the
			// current streak is fresh.
			var recent []string
			if len(failedDirections) > 1 {
				recent = lastN(failedDirections, mildCorrectiveContext)
			}
			messages = append(messages, llm.Message{Role: "user", Content: prompts.MildCorrective(recent)})
		}
	}

	// Budget exhausted without a plain-text finish.
	a.logger.Warn("max iterations reached", "request_id", requestID, "max_iterations", a.maxIterations)
	return res
}

// isErrorResult classifies a tool result by scanning for error markers.
func isErrorResult(result string) bool {
	lower := strings.ToLower(result)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// traceEntry renders one tool call for the trace:
// name(args): ok | error: first line of the result.
func traceEntry(tc llm.ToolCall, result string, failed bool) string {
	args := primaryArg(tc.Function.Arguments)
	if failed {
		return fmt.Sprintf("%s(%s): error: %s", tc.Function.Name, args, firstLine(result, 80))
	}
	return fmt.Sprintf("%s(%s): ok", tc.Function.Name, args)
}

// toolHints renders the compact human-readable progress line for a
// batch of requested tool calls.
func toolHints(calls []llm.ToolCall) string {
	hints := make([]string, 0, len(calls))
	for _, tc := range calls {
		hints = append(hints, fmt.Sprintf("%s(%q)", tc.Function.Name, truncate(primaryArg(tc.Function.Arguments), toolHintArgLen)))
	}
	return strings.Join(hints, ", ")
}

// primaryArgKeys are tried in order when picking the argument shown in
// traces and hints.
var primaryArgKeys = []string{"query", "url", "path", "task", "content"}

// primaryArg picks the most descriptive argument value. Falls back to
// the first key in sorted order so output is deterministic.
func primaryArg(args map[string]any) string {
	for _, key := range primaryArgKeys {
		if v, ok := args[key]; ok {
			return truncate(fmt.Sprintf("%v", v), toolHintArgLen)
		}
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return truncate(fmt.Sprintf("%v", args[keys[0]]), toolHintArgLen)
}

// stripThink removes <think>...</think> reasoning markup. An unclosed
// block is stripped to the end of the text.
func stripThink(content string) string {
	for {
		start := strings.Index(content, "<think>")
		if start < 0 {
			break
		}
		end := strings.Index(content[start:], "</think>")
		if end < 0 {
			content = content[:start]
			break
		}
		content = content[:start] + content[start+end+len("</think>"):]
	}
	return strings.TrimSpace(content)
}

// extractThink returns a truncated excerpt of the first <think> block,
// or "" when there is none.
// reasoningSnippet captures the model's reasoning for checkpoint
// compression: the dedicated reasoning field when the provider returns
// one, otherwise anything inside <think> tags.
func reasoningSnippet(msg llm.Message) string {
	if msg.ReasoningContent != "" {
		return truncate(strings.TrimSpace(msg.ReasoningContent), reasoningSnippetLen)
	}
	return extractThink(msg.Content)
}

func extractThink(content string) string {
	start := strings.Index(content, "<think>")
	if start < 0 {
		return ""
	}
	rest := content[start+len("<think>"):]
	if end := strings.Index(rest, "</think>"); end >= 0 {
		rest = rest[:end]
	}
	return truncate(strings.TrimSpace(rest), reasoningSnippetLen)
}

func lastUserContent(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func firstLine(s string, maxLen int) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return truncate(s, maxLen)
}
