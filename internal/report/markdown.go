package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

// RenderMarkdown produces the human-readable report: header, summary,
// interval notes, speaker statistics, then the attributed transcript.
func RenderMarkdown(rep Report) string {
	var b strings.Builder

	title := rep.Name
	if title == "" {
		title = "Meeting Report"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Session: `%s`\n", rep.SessionID)
	if !rep.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- Started: %s\n", rep.StartedAt.Format(time.RFC3339))
	}
	if !rep.EndedAt.IsZero() {
		fmt.Fprintf(&b, "- Ended: %s\n", rep.EndedAt.Format(time.RFC3339))
	}
	if rep.Duration > 0 {
		fmt.Fprintf(&b, "- Duration: %s\n", rep.Duration.Truncate(time.Second))
	}
	if len(rep.Participants) > 0 {
		fmt.Fprintf(&b, "- Participants: %s\n", strings.Join(rep.Participants, ", "))
	}
	if rep.Reconciled {
		b.WriteString("- Speaker attribution: reconciled against offline diarization\n")
	} else {
		b.WriteString("- Speaker attribution: heuristic only (unreconciled)\n")
	}
	fmt.Fprintf(&b, "- Generated: %s\n", rep.GeneratedAt.Format(time.RFC3339))
	b.WriteString("\n---\n\n")

	b.WriteString("## Summary\n\n")
	if rep.AnalysisUnavailable {
		b.WriteString("_Analysis unavailable: the summarization backend could not be reached._\n\n")
	}
	if rep.Synthesis != nil && !rep.Synthesis.Placeholder {
		b.WriteString(strings.TrimSpace(rep.Synthesis.Body))
		b.WriteString("\n\n")
	}

	if notes := usableIntermediates(rep.Intermediates); len(notes) > 0 {
		b.WriteString("## Interval notes\n\n")
		for _, sum := range notes {
			fmt.Fprintf(&b, "### [%s–%s]\n\n", stamp(sum.WindowStart), stamp(sum.WindowEnd))
			if len(sum.KeyPoints) > 0 {
				for _, point := range sum.KeyPoints {
					fmt.Fprintf(&b, "- %s\n", point)
				}
			} else {
				b.WriteString(strings.TrimSpace(sum.Body))
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}

	if len(rep.Speakers) > 0 {
		b.WriteString("## Speakers\n\n")
		b.WriteString("| Speaker | Speaking time | Segments |\n")
		b.WriteString("|---|---|---|\n")
		names := rep.displayNames()
		for _, sp := range rep.Speakers {
			fmt.Fprintf(&b, "| %s | %s | %d |\n",
				names[sp.Label], sp.SpeakingTime.Truncate(time.Second), sp.Segments)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Transcript\n\n")
	names := rep.displayNames()
	for _, seg := range rep.Segments {
		if seg.Skipped || strings.TrimSpace(seg.Text) == "" {
			continue
		}
		speaker := names[seg.Speaker]
		if speaker == "" {
			speaker = seg.Speaker
		}
		if speaker != "" {
			speaker += ": "
		}
		fmt.Fprintf(&b, "[%s–%s] %s%s\n\n",
			stamp(seg.Start), stamp(seg.End), speaker, strings.TrimSpace(seg.Text))
	}

	return b.String()
}

// usableIntermediates drops placeholder windows; an all-placeholder chain
// leaves the section out entirely.
func usableIntermediates(sums []transcript.Summary) []transcript.Summary {
	var out []transcript.Summary
	for _, sum := range sums {
		if sum.Placeholder {
			continue
		}
		out = append(out, sum)
	}
	return out
}

// stamp renders an offset as mm:ss, adding hours past one hour.
func stamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
