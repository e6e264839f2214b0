package prompts

import (
	"fmt"
	"strings"
)

// ExhaustedFallback is the user-facing message returned when the loop
// hits its iteration budget without producing a plain-text answer.
const ExhaustedFallback = "I worked on this for a while but couldn't reach a final answer. Could you narrow the request or break it into smaller steps?"

// ApologyFallback is the user-facing message returned when turn
// orchestration itself fails.
const ApologyFallback = "Sorry, something went wrong on my end while handling that. Please try again."

// SufficiencyDirective is injected when the sufficiency gate decides
// enough information has been gathered.
const SufficiencyDirective = `You now have enough information to answer. Stop exploring, do not call any more tools, and write your final answer based on what you have gathered.`

// checkpointTemplate frames an oracle-compressed state summary as an
// instruction message. The three format verbs receive conclusions,
// evidence, and unexplored branches as bullet lists.
const checkpointTemplate = `State checkpoint. This supersedes any previous checkpoint; trust it over your memory of earlier steps.

Established conclusions:
%s

Supporting evidence:
%s

Unexplored branches:
%s

Continue from this state. Do not repeat work that is already concluded.`

// StateCheckpoint returns the injected checkpoint message built from an
// oracle state summary. Empty sections render as "(none)".
func StateCheckpoint(conclusions, evidence, unexplored []string) string {
	return fmt.Sprintf(checkpointTemplate,
		bulletList(conclusions), bulletList(evidence), bulletList(unexplored))
}

// strongCorrectiveTemplate is injected after three consecutive tool
// errors. The single format verb receives the recent failed directions.
const strongCorrectiveTemplate = `STOP. Your last three tool calls all failed. Do not retry the same approach again.

Failed directions:
%s

Pick a fundamentally different strategy: a different tool, different arguments, or answer from what you already know. If the task cannot be completed, say so plainly.`

// StrongCorrective returns the escalated instruction injected when the
// consecutive-error counter reaches its threshold.
func StrongCorrective(failedDirections []string) string {
	return fmt.Sprintf(strongCorrectiveTemplate, bulletList(failedDirections))
}

// mildCorrectiveSingle is injected after a single tool error.
const mildCorrectiveSingle = `That tool call failed. Read the error, figure out what went wrong, and try a different approach rather than repeating the same call.`

// mildCorrectiveTemplate is injected after two consecutive tool errors.
// The single format verb receives the recent failed directions.
const mildCorrectiveTemplate = `The last tool calls failed:
%s

Analyze the errors before continuing and adjust your approach.`

// MildCorrective returns the non-escalated instruction injected after
// one or two consecutive tool errors. With more than one failed
// direction the recent failures are listed.
func MildCorrective(failedDirections []string) string {
	if len(failedDirections) <= 1 {
		return mildCorrectiveSingle
	}
	return fmt.Sprintf(mildCorrectiveTemplate, bulletList(failedDirections))
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return "- " + strings.Join(items, "\n- ")
}
