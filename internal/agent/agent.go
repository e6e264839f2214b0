// Package agent implements Marlow's control loop: a bounded,
// self-correcting tool-calling state machine per user turn, plus the
// turn orchestration around it (session handling, memory retrieval,
// background experience extraction, consolidation, and periodic
// experience maintenance).
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marlowbot/marlow/internal/bus"
	"github.com/marlowbot/marlow/internal/llm"
	"github.com/marlowbot/marlow/internal/memory"
	"github.com/marlowbot/marlow/internal/oracle"
	"github.com/marlowbot/marlow/internal/prompts"
	"github.com/marlowbot/marlow/internal/session"
	"github.com/marlowbot/marlow/internal/tools"
)

// Turn orchestration constants.
const (
	// defaultMaxIterations bounds the tool loop when the config does not.
	defaultMaxIterations = 25
	// defaultMemoryWindow is the session size that triggers consolidation.
	defaultMemoryWindow = 40
	// memoryRetrievalLimit and experienceRetrievalLimit cap what is
	// injected into the system prompt per turn.
	memoryRetrievalLimit     = 3
	experienceRetrievalLimit = 5
	// extractionMinTools: turns that used fewer tools and hit no error
	// are considered routine and not worth extracting.
	extractionMinTools = 2
	// maintenanceStride runs merge+cleanup every N stored messages.
	maintenanceStride = 10
	// maintenanceMergeGroups caps merge work per maintenance pass.
	maintenanceMergeGroups = 2
	// traceExcerptLen is how many trailing trace entries a stored
	// experience keeps.
	traceExcerptLen = 5
	// backgroundTimeout bounds detached maintenance and extraction tasks.
	backgroundTimeout = 2 * time.Minute
)

// Agent owns turn processing for all sessions.
type Agent struct {
	logger   *slog.Logger
	llm      llm.Client
	registry *tools.Registry
	memory   *memory.Store
	sessions *session.Store
	oracle   *oracle.Oracle
	events   *bus.Bus

	model         string
	persona       string
	maxIterations int
	memoryWindow  int

	throttle      *progressThrottle
	consolidating keyedMutex

	// waitBackground, when set, makes background tasks synchronous.
	// Tests use it; production leaves it false.
	waitBackground bool
}

// Config wires an Agent's collaborators and tuning.
type Config struct {
	Logger   *slog.Logger
	LLM      llm.Client
	Registry *tools.Registry
	Memory   *memory.Store
	Sessions *session.Store
	Oracle   *oracle.Oracle
	Events   *bus.Bus

	Model         string
	Persona       string
	MaxIterations int
	MemoryWindow  int
}

// New creates an Agent.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	window := cfg.MemoryWindow
	if window <= 0 {
		window = defaultMemoryWindow
	}
	return &Agent{
		logger:        logger,
		llm:           cfg.LLM,
		registry:      cfg.Registry,
		memory:        cfg.Memory,
		sessions:      cfg.Sessions,
		oracle:        cfg.Oracle,
		events:        cfg.Events,
		model:         cfg.Model,
		persona:       cfg.Persona,
		maxIterations: maxIter,
		memoryWindow:  window,
		throttle:      newProgressThrottle(),
	}
}

// ProcessMessage handles one inbound turn for a session and returns
// the final answer. Failures inside turn orchestration surface as an
// apology message, never as an error to the channel adapter.
func (a *Agent) ProcessMessage(ctx context.Context, sessionKey, content string, onProgress ProgressFunc) string {
	requestID, _ := uuid.NewV7()
	ctx = tools.WithRequestID(tools.WithSessionKey(ctx, sessionKey), requestID.String())
	start := time.Now()

	a.publish(bus.KindTurnStart, map[string]any{
		"request_id": requestID.String(), "session_key": sessionKey, "message_len": len(content),
	})

	sess, err := a.sessions.GetOrCreate(ctx, sessionKey)
	if err != nil {
		a.logger.Error("session unavailable", "session_key", sessionKey, "error", err)
		return prompts.ApologyFallback
	}

	// Consolidation runs detached; at most one per key, later triggers
	// are dropped rather than queued.
	if sess.Len() > a.memoryWindow {
		a.background(func() { a.Consolidate(sessionKey, false) })
	}

	messages := a.buildMessages(ctx, sess, content)
	sess.Append("user", content, nil)

	a.throttle.reset(sessionKey)
	progress := a.throttledProgress(sessionKey, onProgress)

	result := a.runTurn(ctx, messages, progress)

	final := ""
	switch {
	case result.FinalContent != nil && *result.FinalContent != "":
		final = *result.FinalContent
	case result.providerErr != nil:
		final = prompts.ApologyFallback
	default:
		final = prompts.ExhaustedFallback
	}

	sess.Append("assistant", final, result.ToolsUsed)
	if err := a.sessions.Save(ctx, sess); err != nil {
		a.logger.Error("session save failed", "session_key", sessionKey, "error", err)
	}

	if len(result.ToolsUsed) >= extractionMinTools || result.TotalErrors > 0 {
		a.background(func() { a.extractExperience(content, final, result) })
	}
	if n := sess.Len(); n > 0 && n%maintenanceStride == 0 {
		a.background(func() { a.maintainExperiences() })
	}

	a.publish(bus.KindTurnComplete, map[string]any{
		"request_id": requestID.String(), "iterations": result.Iterations,
		"tool_errors": result.TotalErrors, "elapsed_ms": time.Since(start).Milliseconds(),
	})
	a.logger.Info("turn complete", "session_key", sessionKey, "iterations", result.Iterations,
		"tools", len(result.ToolsUsed), "tool_errors", result.TotalErrors,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return final
}

// buildMessages assembles the provider message list: system prompt
// with memory and experience retrieval, session history, current turn.
func (a *Agent) buildMessages(ctx context.Context, sess *session.Session, content string) []llm.Message {
	longTerm := a.memory.ReadLongTerm(ctx)
	memories := a.memory.SearchMemory(ctx, content, memoryRetrievalLimit)
	experiences := a.memory.SearchExperience(ctx, content, experienceRetrievalLimit)

	messages := []llm.Message{{
		Role:    "system",
		Content: prompts.SystemPrompt(a.persona, longTerm, memories, experiences, time.Now()),
	}}
	for _, m := range sess.History(a.memoryWindow) {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: content})
	return messages
}

// throttledProgress wraps the caller's callback with per-session
// duplicate and rate suppression.
func (a *Agent) throttledProgress(sessionKey string, onProgress ProgressFunc) ProgressFunc {
	if onProgress == nil {
		return nil
	}
	return func(content string) {
		if a.throttle.allow(sessionKey, content) {
			onProgress(content)
		}
	}
}

// extractExperience distills a finished turn into the experience store.
// Runs detached from the response path.
func (a *Agent) extractExperience(task, finalAnswer string, result *TurnResult) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	ext := a.oracle.ExtractExperience(ctx, task, finalAnswer, result.ToolTrace, result.TotalErrors)
	if ext == nil {
		return
	}
	a.memory.AppendExperience(ctx, memory.ExperienceInput{
		Task:     ext.Task,
		Outcome:  ext.Outcome,
		Lessons:  ext.Lessons,
		Quality:  ext.Quality,
		Category: ext.Category,
		Keywords: ext.Keywords,
		Trace:    strings.Join(lastN(result.ToolTrace, traceExcerptLen), "; "),
	})
	if ext.Outcome == memory.OutcomeFailed {
		a.memory.DeprecateSimilar(ctx, ext.Task)
	} else {
		// A non-failed outcome reinforces whatever prior lessons
		// resembled this task.
		a.memory.RecordReuse(ctx, ext.Task, true)
	}
}

// maintainExperiences runs one merge pass and a cleanup sweep. Runs
// detached from the response path.
func (a *Agent) maintainExperiences() {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	groups := a.memory.MergeCandidates(ctx, 0)
	for i, group := range groups {
		if i >= maintenanceMergeGroups {
			break
		}
		records := make([]string, 0, len(group))
		keys := make([]string, 0, len(group))
		for _, e := range group {
			keys = append(keys, e.Key)
			records = append(records, fmt.Sprintf("Task: %s\nOutcome: %s\nQuality: %d\nLessons: %s",
				e.Task, e.Outcome, e.Quality, e.Lessons))
		}
		merged := a.oracle.MergeExperiences(ctx, group[0].Category, records)
		if merged == nil {
			continue
		}
		err := a.memory.ReplaceMerged(ctx, keys, memory.ExperienceInput{
			Task:     merged.Task,
			Category: group[0].Category,
			Lessons:  merged.Lessons,
			Keywords: merged.Keywords,
		})
		if err != nil {
			a.logger.Warn("experience merge failed", "category", group[0].Category, "error", err)
		}
	}
	a.memory.CleanupStale(ctx, 0, 0)
}

// Consolidate folds old session messages into long-term memory and
// advances the consolidation cursor. archiveAll folds everything
// (the /new command path); otherwise half the memory window is kept
// unconsolidated. At most one consolidation runs per key; concurrent
// triggers are skipped.
func (a *Agent) Consolidate(sessionKey string, archiveAll bool) {
	if !a.consolidating.TryLock(sessionKey) {
		a.logger.Debug("consolidation already running", "session_key", sessionKey)
		return
	}
	defer a.consolidating.Unlock(sessionKey)

	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	sess, err := a.sessions.GetOrCreate(ctx, sessionKey)
	if err != nil {
		a.logger.Warn("consolidation session load failed", "session_key", sessionKey, "error", err)
		return
	}

	// Work from a snapshot so turns appending to the same session
	// cannot shift the range being summarized.
	msgs, cursor := sess.Snapshot()

	keep := a.memoryWindow / 2
	if archiveAll {
		keep = 0
	}
	end := len(msgs) - keep
	if end <= cursor {
		return
	}

	var sb strings.Builder
	for _, m := range msgs[cursor:end] {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	current := a.memory.ReadLongTerm(ctx)
	cons := a.oracle.Consolidate(ctx, sb.String(), current)
	if cons == nil {
		return
	}

	a.memory.AppendHistory(ctx, fmt.Sprintf("[%s] %s",
		time.Now().Format("2006-01-02 15:04"), cons.HistoryEntry))
	if cons.MemoryUpdate != "" && cons.MemoryUpdate != current {
		a.memory.WriteLongTerm(ctx, cons.MemoryUpdate)
	}

	summarized := end - cursor
	sess.SetLastConsolidated(end)
	if err := a.sessions.Save(ctx, sess); err != nil {
		a.logger.Warn("consolidation save failed", "session_key", sessionKey, "error", err)
		return
	}

	a.events.Publish(bus.Event{
		Timestamp: time.Now(),
		Source:    bus.SourceSession,
		Kind:      bus.KindConsolidation,
		Data:      map[string]any{"session_key": sessionKey, "summarized": summarized, "kept": keep},
	})
	a.logger.Info("session consolidated", "session_key", sessionKey, "summarized", summarized, "kept", keep)
}

// background runs fn detached, or inline when waitBackground is set.
func (a *Agent) background(fn func()) {
	if a.waitBackground {
		fn()
		return
	}
	go fn()
}

func (a *Agent) publish(kind string, data map[string]any) {
	a.events.Publish(bus.Event{
		Timestamp: time.Now(),
		Source:    bus.SourceAgent,
		Kind:      kind,
		Data:      data,
	})
}
