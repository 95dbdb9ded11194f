package conventional

import (
	"fmt"
	"regexp"
	"strings"
)

// Commit represents a parsed conventional commit message.
type Commit struct {
	Type       string
	Scope      string
	Subject    string
	Body       string
	IsBreaking bool
	// Hash is the commit the message was read from, if known.
	Hash string
}

// 1: type, 2: scope (optional), 3: breaking change indicator (!), 4: subject
var commitRegex = regexp.MustCompile(`^(\w+)(?:\(([^)]+)\))?(!?):\s(.*)$`)

// Parse parses a raw git commit message string into a Commit struct.
func Parse(message string) (*Commit, error) {
	lines := strings.SplitN(strings.TrimSpace(message), "\n", 2)
	header := lines[0]

	matches := commitRegex.FindStringSubmatch(header)
	if len(matches) < 5 {
		return nil, fmt.Errorf("invalid commit message format: %s", header)
	}

	commit := &Commit{
		Type:       strings.ToLower(matches[1]),
		Scope:      matches[2],
		IsBreaking: matches[3] == "!",
		Subject:    matches[4],
	}

	if len(lines) > 1 {
		commit.Body = strings.TrimSpace(lines[1])
		if strings.Contains(commit.Body, "BREAKING CHANGE:") || strings.Contains(commit.Body, "BREAKING-CHANGE:") {
			commit.IsBreaking = true
		}
	}

	return commit, nil
}

// ParseLoose parses message, filing headers that are not conventional
// under the "other" type with the first line as subject.
func ParseLoose(message string) *Commit {
	if c, err := Parse(message); err == nil {
		return c
	}
	lines := strings.SplitN(strings.TrimSpace(message), "\n", 2)
	c := &Commit{Type: OtherType, Subject: lines[0]}
	if len(lines) > 1 {
		c.Body = strings.TrimSpace(lines[1])
	}
	return c
}
