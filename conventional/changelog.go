package conventional

import (
	"fmt"
	"strings"

	"github.com/grovetools/prdflow/pkg/models"
)

// OtherType collects commits whose message is not conventional.
const OtherType = "other"

var sections = []struct {
	typ   string
	title string
}{
	{"feat", "Features"},
	{"fix", "Bug Fixes"},
	{"perf", "Performance Improvements"},
	{"refactor", "Code Refactoring"},
	{"docs", "Documentation"},
	{"style", "Styles"},
	{"test", "Tests"},
	{"build", "Build System"},
	{"ci", "Continuous Integration"},
	{"chore", "Chores"},
	{OtherType, "Other Changes"},
}

// FromResults returns the commits recorded in task results, in execution
// order. Results without a commit are skipped.
func FromResults(results []models.TaskResult) []*Commit {
	var commits []*Commit
	for _, r := range results {
		if r.CommitHash == "" {
			continue
		}
		c := ParseLoose(r.CommitMessage)
		c.Hash = r.CommitHash
		commits = append(commits, c)
	}
	return commits
}

// Generate renders commits as a markdown changelog under title. Breaking
// changes are listed first; unknown types are filed under Other Changes.
// It returns "" when there are no commits.
func Generate(title string, commits []*Commit) string {
	if len(commits) == 0 {
		return ""
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("## %s\n\n", title))

	known := make(map[string]bool, len(sections))
	for _, s := range sections {
		known[s.typ] = true
	}
	grouped := make(map[string][]*Commit)
	var breaking []*Commit
	for _, c := range commits {
		if c.IsBreaking {
			breaking = append(breaking, c)
			continue
		}
		typ := c.Type
		if !known[typ] {
			typ = OtherType
		}
		grouped[typ] = append(grouped[typ], c)
	}

	if len(breaking) > 0 {
		builder.WriteString("### BREAKING CHANGES\n\n")
		for _, c := range breaking {
			builder.WriteString(formatCommitLine(c))
		}
		builder.WriteString("\n")
	}

	for _, s := range sections {
		group := grouped[s.typ]
		if len(group) == 0 {
			continue
		}
		builder.WriteString(fmt.Sprintf("### %s\n\n", s.title))
		for _, c := range group {
			builder.WriteString(formatCommitLine(c))
		}
		builder.WriteString("\n")
	}

	return builder.String()
}

func formatCommitLine(c *Commit) string {
	var b strings.Builder
	b.WriteString("* ")
	if c.Scope != "" {
		fmt.Fprintf(&b, "**%s:** ", c.Scope)
	}
	b.WriteString(c.Subject)
	if c.Hash != "" {
		hash := c.Hash
		if len(hash) > 7 {
			hash = hash[:7]
		}
		fmt.Fprintf(&b, " (%s)", hash)
	}
	b.WriteString("\n")
	return b.String()
}
