package mergerequest

import (
	"fmt"
	"strings"
)

// TemplateParams feeds the generated MR description.
type TemplateParams struct {
	Prompt       string
	LinesAdded   int
	LinesRemoved int
	BranchName   string
	JobCount     int
	JobID        string
}

// GenerateTitle derives an MR title from a prompt.
func GenerateTitle(prompt string) string {
	return "repobox: " + truncate(strings.TrimSpace(prompt), 50)
}

// GenerateDescription renders the default MR body.
func GenerateDescription(p TemplateParams) string {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	b.WriteString(p.Prompt)
	b.WriteString("\n\n")
	if p.JobCount > 0 {
		fmt.Fprintf(&b, "Prompts executed: %d\n\n", p.JobCount)
	}
	fmt.Fprintf(&b, "Changes: +%d / -%d lines\n\n", p.LinesAdded, p.LinesRemoved)
	fmt.Fprintf(&b, "Branch: `%s`\n\n", p.BranchName)
	b.WriteString("---\n")
	fmt.Fprintf(&b, "Generated by repobox (job %s)\n", p.JobID)
	return b.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
