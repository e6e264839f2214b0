package prompts

import (
	"fmt"
	"strings"
	"time"
)

// defaultPersona is used when no persona file is configured.
const defaultPersona = `You are Marlow, a capable personal assistant. You answer directly and
concisely, use tools when they help, and admit when you don't know
something. You remember facts about the user across conversations and
learn from the outcomes of your own past tasks.`

// longTermSection carries the current long-term memory blob. The single
// format verb receives the memory text.
const longTermSection = `

## What you remember about the user
%s`

// memorySection carries retrieval hits relevant to the current message.
const memorySection = `

## Relevant memory
%s`

// experienceSection carries ranked lessons from past tasks. Entries
// prefixed with a warning marker describe approaches that failed.
const experienceSection = `

## Lessons from past tasks
%s`

// SystemPrompt assembles the full system message for a turn: persona,
// current time, long-term memory, and any retrieved memory and
// experience entries. Empty sections are omitted.
func SystemPrompt(persona, longTerm string, memories, experiences []string, now time.Time) string {
	var sb strings.Builder
	if persona == "" {
		persona = defaultPersona
	}
	sb.WriteString(persona)
	fmt.Fprintf(&sb, "\n\nCurrent time: %s", now.Format("Monday, January 2 2006, 15:04 MST"))
	if longTerm != "" {
		fmt.Fprintf(&sb, longTermSection, longTerm)
	}
	if len(memories) > 0 {
		fmt.Fprintf(&sb, memorySection, "- "+strings.Join(memories, "\n- "))
	}
	if len(experiences) > 0 {
		fmt.Fprintf(&sb, experienceSection, "- "+strings.Join(experiences, "\n- "))
	}
	return sb.String()
}
