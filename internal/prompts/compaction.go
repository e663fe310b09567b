package prompts

import "fmt"

// SummarizerSystemPrompt instructs the model that it is compressing an
// agent transcript, not continuing it.
const SummarizerSystemPrompt = `You compress the history of an autonomous agent working toward a goal.
You will receive older turns of the conversation. Write a concise synopsis that preserves:
1. The goal the agent is pursuing
2. Key actions taken (tool calls and their outcomes)
3. Decisions made and the reasons given
4. Current progress and anything still outstanding

Do not invent actions that are not in the transcript. Do not call tools.
Reply with plain text only, under 300 words, using short bullet points.`

// compactionTemplate wraps the rendered transcript. The single format
// verb is the transcript text.
const compactionTemplate = `Summarize these earlier turns of the conversation:

%s

Synopsis:`

// CompactionPrompt returns the user prompt for history summarization.
func CompactionPrompt(transcript string) string {
	return fmt.Sprintf(compactionTemplate, transcript)
}

// summaryMessageTemplate is the synthetic message that replaces a
// compacted range. Format verbs: message count, synopsis.
const summaryMessageTemplate = `[Conversation Summary]
The following summarizes %d earlier messages that were removed to save context.

%s`

// SummaryMessage returns the content of the synthetic message spliced
// into the transcript in place of the compacted range.
func SummaryMessage(count int, synopsis string) string {
	return fmt.Sprintf(summaryMessageTemplate, count, synopsis)
}
