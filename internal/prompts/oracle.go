package prompts

import (
	"fmt"
	"strings"
)

// compressStateTemplate asks the utility model to fold a tool trace
// into a structured working-state summary. The four format verbs
// receive the previous checkpoint, the trailing tool trace, reasoning
// snippets, and failed directions.
const compressStateTemplate = `Summarize the working state of an ongoing investigation.

Previous checkpoint (carry forward what still holds):
%s

Tool trace (most recent last):
%s

Reasoning so far:
%s

Failed directions:
%s

Return JSON only:
{"conclusions": ["facts that are now established"],
 "evidence": ["observations supporting them"],
 "unexplored": ["branches still worth checking"]}

Keep each list short (at most 5 entries). Omit nothing that a fresh
reader would need to continue the investigation.

JSON:`

// CompressStatePrompt returns the state-compression request sent to
// the oracle during loop checkpointing. previous is the rendered prior
// checkpoint, empty on the first one.
func CompressStatePrompt(previous string, trace, reasoning, failedDirections []string) string {
	if previous == "" {
		previous = "(none)"
	}
	return fmt.Sprintf(compressStateTemplate,
		previous, joinLines(trace), joinLines(reasoning), joinLines(failedDirections))
}

// sufficiencyTemplate asks whether enough has been gathered to answer.
// The two format verbs receive the user's question and the tool trace.
const sufficiencyTemplate = `A research loop is gathering information to answer a question.

Question: %s

Steps taken so far:
%s

Is there already enough information to answer the question well?
Return JSON only: {"sufficient": true or false, "reason": "one sentence"}

JSON:`

// SufficiencyPrompt returns the sufficiency-gate request.
func SufficiencyPrompt(question string, trace []string) string {
	return fmt.Sprintf(sufficiencyTemplate, question, joinLines(trace))
}

// experienceExtractionTemplate distills a finished turn into a reusable
// lesson. The four format verbs receive the user task, the final
// answer, the tool trace, and the error count.
const experienceExtractionTemplate = `A task just completed. Decide whether it taught a lesson worth keeping
for similar future tasks, and if so distill it.

Task: %s

Final answer:
%s

Tool trace:
%s

Tool errors during the task: %d

Valid categories: coding, search, file, config, analysis, general
Valid outcomes: success, partial, failed

Return JSON only. If the task was routine and taught nothing:
{"worth_saving": false}

Otherwise:
{"worth_saving": true,
 "task": "short task description",
 "outcome": "success",
 "category": "general",
 "quality": 3,
 "lessons": "what to do (or avoid) next time, concretely",
 "keywords": ["lowercase", "retrieval", "terms"]}

JSON:`

// ExperienceExtractionPrompt returns the post-turn extraction request.
func ExperienceExtractionPrompt(task, finalAnswer string, trace []string, errorCount int) string {
	return fmt.Sprintf(experienceExtractionTemplate, task, finalAnswer, joinLines(trace), errorCount)
}

// mergeExperiencesTemplate reduces same-category records into one. The
// two format verbs receive the category and the rendered records.
const mergeExperiencesTemplate = `These stored task experiences share the category "%s". Merge them into
one generalized lesson that captures the shared pattern.

Records:
%s

Return JSON only:
{"task": "general description covering the merged tasks",
 "lessons": "the distilled shared pattern",
 "keywords": ["lowercase", "retrieval", "terms"]}

JSON:`

// MergeExperiencesPrompt returns the merge-summarization request for a
// batch of same-category records.
func MergeExperiencesPrompt(category string, records []string) string {
	return fmt.Sprintf(mergeExperiencesTemplate, category, strings.Join(records, "\n---\n"))
}

// consolidateTemplate folds old session messages into long-term memory.
// The two format verbs receive the transcript and the current
// long-term memory text.
const consolidateTemplate = `Old conversation messages are being folded into long-term memory.

Messages:
%s

Current long-term memory:
%s

Return JSON only:
{"history_entry": "2-4 sentence summary of what happened in these messages",
 "memory_update": "the full revised long-term memory text, or "" if nothing new about the user or their world was learned"}

The memory_update must keep everything still true from the current
memory and stay under 400 words. Never store secrets or credentials.

JSON:`

// ConsolidatePrompt returns the consolidation request.
func ConsolidatePrompt(transcript, currentMemory string) string {
	if currentMemory == "" {
		currentMemory = "(empty)"
	}
	return fmt.Sprintf(consolidateTemplate, transcript, currentMemory)
}

func joinLines(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, "\n")
}
