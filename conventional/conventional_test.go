package conventional

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/prdflow/pkg/models"
)

func TestParse(t *testing.T) {
	c, err := Parse("feat(api)!: add task endpoint\n\nBody text")
	require.NoError(t, err)
	assert.Equal(t, "feat", c.Type)
	assert.Equal(t, "api", c.Scope)
	assert.Equal(t, "add task endpoint", c.Subject)
	assert.Equal(t, "Body text", c.Body)
	assert.True(t, c.IsBreaking)

	c, err = Parse("Fix: typo\n\nBREAKING CHANGE: renamed flag")
	require.NoError(t, err)
	assert.Equal(t, "fix", c.Type)
	assert.True(t, c.IsBreaking)

	_, err = Parse("Add schema")
	assert.Error(t, err)
}

func TestParseLoose(t *testing.T) {
	c := ParseLoose("aider: Add schema\n\ndetails")
	assert.Equal(t, "aider", c.Type)

	c = ParseLoose("Add schema\n\ndetails")
	assert.Equal(t, OtherType, c.Type)
	assert.Equal(t, "Add schema", c.Subject)
	assert.Equal(t, "details", c.Body)
}

func TestGenerateFromResults(t *testing.T) {
	results := []models.TaskResult{
		{TaskName: "Schema", CommitHash: "0123456789abcdef", CommitMessage: "feat(db): create schema"},
		{TaskName: "Docs"},
		{TaskName: "API", CommitHash: "fedcba9876543210", CommitMessage: "fix: serve schema"},
		{TaskName: "Cleanup", CommitHash: "aaaaaaaaaaaaaaaa", CommitMessage: "Tidy up"},
		{TaskName: "Rename", CommitHash: "bbbbbbbbbbbbbbbb", CommitMessage: "refactor!: rename package"},
	}

	commits := FromResults(results)
	require.Len(t, commits, 4)

	want := "## Changes\n\n" +
		"### BREAKING CHANGES\n\n* rename package (bbbbbbb)\n\n" +
		"### Features\n\n* **db:** create schema (0123456)\n\n" +
		"### Bug Fixes\n\n* serve schema (fedcba9)\n\n" +
		"### Other Changes\n\n* Tidy up (aaaaaaa)\n\n"
	assert.Equal(t, want, Generate("Changes", commits))
	assert.Empty(t, Generate("Changes", nil))
}
