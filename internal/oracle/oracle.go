// Package oracle runs structured-JSON exchanges against a secondary
// model for the agent loop's supporting decisions: state compression,
// sufficiency checks, experience extraction, merge summaries, and
// session consolidation. Every call degrades to "no result" on
// malformed or missing output; nothing here can abort a turn.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marlowbot/marlow/internal/llm"
	"github.com/marlowbot/marlow/internal/prompts"
)

// Operating modes.
const (
	// ModeUtility routes oracle calls to the configured utility model.
	ModeUtility = "utility"
	// ModeMain routes oracle calls to the primary chat model.
	ModeMain = "main"
	// ModeNone disables LLM calls entirely: state compression falls
	// back to a deterministic trace summary and the sufficiency gate
	// always answers "not sufficient".
	ModeNone = "none"
)

// Sampling parameters for oracle calls: low temperature for stable
// JSON, a small token budget because every response is a short object.
const (
	temperature = 0.3
	maxTokens   = 512
)

// Oracle issues the secondary-model calls. A nil *Oracle behaves like
// ModeNone.
type Oracle struct {
	client llm.Client
	model  string
	mode   string
	logger *slog.Logger
}

// Config selects the oracle mode and models.
type Config struct {
	// Mode is one of ModeUtility, ModeMain, ModeNone.
	Mode string
	// UtilityModel is used in ModeUtility; MainModel in ModeMain and
	// as the fallback when no utility model is configured.
	UtilityModel string
	MainModel    string
}

// New creates an oracle in the configured mode. When the mode needs a
// model that is not configured, the oracle degrades to ModeNone.
func New(client llm.Client, cfg Config, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Oracle{client: client, mode: cfg.Mode, logger: logger}
	switch cfg.Mode {
	case ModeMain:
		o.model = cfg.MainModel
	case ModeUtility:
		o.model = cfg.UtilityModel
		if o.model == "" {
			o.model = cfg.MainModel
		}
	default:
		o.mode = ModeNone
	}
	if o.mode != ModeNone && (o.model == "" || client == nil) {
		o.logger.Warn("oracle has no usable model, falling back to deterministic mode")
		o.mode = ModeNone
	}
	return o
}

// Mode returns the effective operating mode.
func (o *Oracle) Mode() string {
	if o == nil {
		return ModeNone
	}
	return o.mode
}

// StateSummary is the compressed working state injected at loop
// checkpoints.
type StateSummary struct {
	Conclusions []string `json:"conclusions"`
	Evidence    []string `json:"evidence"`
	Unexplored  []string `json:"unexplored"`
}

// CompressState folds the trailing tool trace, reasoning snippets, and
// failed directions into a state summary. previous is the summary from
// the prior checkpoint, nil on the first one; the oracle carries its
// still-valid conclusions forward. In ModeNone (or when the model
// output is unusable) a deterministic trace summary is returned
// instead, so checkpointing keeps working without any oracle.
func (o *Oracle) CompressState(ctx context.Context, previous *StateSummary, trace, reasoning, failedDirections []string) *StateSummary {
	if o.Mode() == ModeNone {
		return fallbackSummary(trace, failedDirections)
	}
	raw, ok := o.call(ctx, prompts.CompressStatePrompt(previous.render(), trace, reasoning, failedDirections))
	if !ok {
		return fallbackSummary(trace, failedDirections)
	}
	var summary StateSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		o.logger.Debug("state summary undecodable", "error", err)
		return fallbackSummary(trace, failedDirections)
	}
	if len(summary.Conclusions) == 0 && len(summary.Evidence) == 0 && len(summary.Unexplored) == 0 {
		return fallbackSummary(trace, failedDirections)
	}
	return &summary
}

// render flattens a summary into the prompt's previous-checkpoint
// section. A nil summary renders empty.
func (s *StateSummary) render() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	writeSection := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", label, strings.Join(items, "; "))
	}
	writeSection("Conclusions", s.Conclusions)
	writeSection("Evidence", s.Evidence)
	writeSection("Unexplored", s.Unexplored)
	return strings.TrimRight(b.String(), "\n")
}

// fallbackSummary builds a deterministic state summary from the raw
// trace: overall progress, recent steps as evidence, and the failed
// directions as branches to avoid revisiting.
func fallbackSummary(trace, failedDirections []string) *StateSummary {
	if len(trace) == 0 {
		return nil
	}
	recent := trace
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	summary := &StateSummary{
		Conclusions: []string{formatProgress(len(trace), len(failedDirections))},
		Evidence:    append([]string(nil), recent...),
	}
	for _, f := range failedDirections {
		summary.Unexplored = append(summary.Unexplored, "avoid: "+f)
	}
	return summary
}

func formatProgress(steps, failures int) string {
	if failures == 0 {
		return fmt.Sprintf("completed %d tool steps without errors", steps)
	}
	return fmt.Sprintf("completed %d tool steps, %d failed", steps, failures)
}

// CheckSufficiency asks whether enough information has been gathered
// to answer. ModeNone always answers false, keeping the loop on its
// iteration budget alone.
func (o *Oracle) CheckSufficiency(ctx context.Context, question string, trace []string) bool {
	if o.Mode() == ModeNone {
		return false
	}
	raw, ok := o.call(ctx, prompts.SufficiencyPrompt(question, trace))
	if !ok {
		return false
	}
	var verdict struct {
		Sufficient bool   `json:"sufficient"`
		Reason     string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return false
	}
	if verdict.Sufficient {
		o.logger.Debug("sufficiency gate fired", "reason", verdict.Reason)
	}
	return verdict.Sufficient
}

// Extraction is a distilled task lesson ready for the experience store.
type Extraction struct {
	WorthSaving bool     `json:"worth_saving"`
	Task        string   `json:"task"`
	Outcome     string   `json:"outcome"`
	Category    string   `json:"category"`
	Quality     int      `json:"quality"`
	Lessons     string   `json:"lessons"`
	Keywords    []string `json:"keywords"`
}

// ExtractExperience distills a finished turn into a lesson. Returns
// nil when the oracle is disabled, the output is unusable, or the
// model judged the task not worth saving.
func (o *Oracle) ExtractExperience(ctx context.Context, task, finalAnswer string, trace []string, errorCount int) *Extraction {
	if o.Mode() == ModeNone {
		return nil
	}
	raw, ok := o.call(ctx, prompts.ExperienceExtractionPrompt(task, finalAnswer, trace, errorCount))
	if !ok {
		return nil
	}
	var ext Extraction
	if err := json.Unmarshal(raw, &ext); err != nil {
		o.logger.Debug("extraction undecodable", "error", err)
		return nil
	}
	if !ext.WorthSaving || ext.Task == "" {
		return nil
	}
	return &ext
}

// Merged is one record distilled from a batch of same-category
// experiences.
type Merged struct {
	Task     string   `json:"task"`
	Lessons  string   `json:"lessons"`
	Keywords []string `json:"keywords"`
}

// MergeExperiences reduces a batch of same-category records into one.
// Returns nil when disabled or when the output is unusable.
func (o *Oracle) MergeExperiences(ctx context.Context, category string, records []string) *Merged {
	if o.Mode() == ModeNone || len(records) == 0 {
		return nil
	}
	raw, ok := o.call(ctx, prompts.MergeExperiencesPrompt(category, records))
	if !ok {
		return nil
	}
	var merged Merged
	if err := json.Unmarshal(raw, &merged); err != nil {
		o.logger.Debug("merge summary undecodable", "error", err)
		return nil
	}
	if merged.Task == "" || merged.Lessons == "" {
		return nil
	}
	return &merged
}

// Consolidation is the result of folding old session messages into
// long-term memory.
type Consolidation struct {
	HistoryEntry string `json:"history_entry"`
	MemoryUpdate string `json:"memory_update"`
}

// Consolidate summarizes old messages and proposes a long-term memory
// revision. Returns nil when disabled or when the output is unusable.
func (o *Oracle) Consolidate(ctx context.Context, transcript, currentMemory string) *Consolidation {
	if o.Mode() == ModeNone {
		return nil
	}
	raw, ok := o.call(ctx, prompts.ConsolidatePrompt(transcript, currentMemory))
	if !ok {
		return nil
	}
	var cons Consolidation
	if err := json.Unmarshal(raw, &cons); err != nil {
		o.logger.Debug("consolidation undecodable", "error", err)
		return nil
	}
	if cons.HistoryEntry == "" {
		return nil
	}
	return &cons
}

// call sends one prompt to the oracle model and returns the extracted
// JSON payload. False means "no result": provider errors, empty
// responses, and responses without JSON all land here.
func (o *Oracle) call(ctx context.Context, prompt string) ([]byte, bool) {
	resp, err := o.client.Chat(ctx, o.model,
		[]llm.Message{{Role: "user", Content: prompt}},
		nil, &llm.Options{Temperature: temperature, MaxTokens: maxTokens})
	if err != nil {
		o.logger.Debug("oracle call failed", "error", err)
		return nil, false
	}
	raw := ExtractJSON(resp.Message.Content)
	if raw == "" {
		o.logger.Debug("oracle response carried no JSON")
		return nil, false
	}
	return []byte(raw), true
}

// ExtractJSON pulls the outermost JSON object out of free-form model
// output: code fences are stripped and text before the first '{' or
// after its matching '}' is ignored.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
