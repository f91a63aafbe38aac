// Package summarize produces the hierarchical meeting summary: periodic
// intermediate summaries over transcript windows, then one final synthesis
// over the intermediates. Backend failures degrade to placeholders; the
// transcription pipeline never waits on summarization.
package summarize

import "context"

// Kind distinguishes the two summarization passes.
type Kind string

const (
	KindIntermediate Kind = "intermediate"
	KindFinal        Kind = "final"
)

// Request is one summarization call.
type Request struct {
	Kind        Kind
	Input       string
	MaxTokens   int
	Temperature float64
}

// Result is the backend's raw text output.
type Result struct {
	Text string
}

// Backend abstracts summarization model providers.
type Backend interface {
	Summarize(ctx context.Context, req Request) (Result, error)
}

func systemPrompt(kind Kind) string {
	if kind == KindFinal {
		return "You write the final summary of a meeting from its interval notes. " +
			"Start with a one-paragraph overview, then list the key decisions and " +
			"action items as lines starting with \"- \". No preamble."
	}
	return "You summarize a portion of a meeting transcript. Reply with three to " +
		"five bullet points, one per line, each starting with \"- \". Capture " +
		"decisions, action items, and topic changes. No preamble."
}
