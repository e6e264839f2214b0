// Package prompts contains all LLM prompt templates used internally by
// Marlow.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, benefit from
// compile-time embedding, and can be validated by tests. User-facing
// configuration lives in config.yaml; this package holds the
// instructions we send to models for internal operations (state
// compression, sufficiency checks, experience extraction, merge
// summaries, consolidation).
//
// Convention: each prompt category gets its own file (agent.go,
// oracle.go, system.go) with an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt string.
package prompts
