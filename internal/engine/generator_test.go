package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/testutil"
)

func shellGenerator(t *testing.T, script string, timeout time.Duration) *CommandGenerator {
	t.Helper()
	g, err := NewCommandGenerator([]string{"sh", "-c", script}, timeout, nil, testutil.Logger("generator"))
	require.NoError(t, err)
	return g
}

func TestCommandGeneratorStreamsLines(t *testing.T) {
	// sh -c passes the prompt as $0 and the files as $1...
	g := shellGenerator(t, `printf 'first\nsecond\n'; printf 'prompt=%s files=%s' "$0" "$*"`, time.Minute)

	var chunks []string
	err := g.Stream(context.Background(), GenerateRequest{
		SessionID: "s1",
		Prompt:    "hello",
		Files:     []string{"a.go", "b.go"},
		Dir:       t.TempDir(),
	}, func(s string) { chunks = append(chunks, s) })

	require.NoError(t, err)
	assert.Equal(t, []string{"first\n", "second\n", "prompt=hello files=a.go b.go"}, chunks)
}

func TestCommandGeneratorRunsInDir(t *testing.T) {
	dir := t.TempDir()
	g := shellGenerator(t, `touch created.txt && ls`, time.Minute)

	var out string
	err := g.Stream(context.Background(), GenerateRequest{Prompt: "p", Dir: dir}, func(s string) { out += s })
	require.NoError(t, err)
	assert.Equal(t, "created.txt\n", out)
	assert.FileExists(t, dir+"/created.txt")
}

func TestCommandGeneratorFailure(t *testing.T) {
	g := shellGenerator(t, `echo partial; echo boom >&2; exit 3`, time.Minute)

	var out string
	err := g.Stream(context.Background(), GenerateRequest{Prompt: "p", Dir: t.TempDir()}, func(s string) { out += s })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeCommandFailed))
	assert.Contains(t, errors.UserMessage(err), "boom")
	assert.Equal(t, "partial\n", out)
}

func TestCommandGeneratorTimeout(t *testing.T) {
	g := shellGenerator(t, `sleep 5`, 100*time.Millisecond)

	start := time.Now()
	err := g.Stream(context.Background(), GenerateRequest{Prompt: "p", Dir: t.TempDir()}, func(string) {})
	assert.True(t, errors.Is(err, errors.ErrCodeCommandTimeout))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCommandGeneratorRejectsUnsafeFiles(t *testing.T) {
	g := shellGenerator(t, `true`, time.Minute)
	err := g.Stream(context.Background(), GenerateRequest{
		Prompt: "p",
		Files:  []string{"../secrets"},
		Dir:    t.TempDir(),
	}, func(string) {})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestNewCommandGeneratorValidates(t *testing.T) {
	_, err := NewCommandGenerator(nil, 0, nil, testutil.Logger("generator"))
	assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid))

	_, err = NewCommandGenerator([]string{"aider --yes"}, 0, nil, testutil.Logger("generator"))
	assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid))
}

func TestPrompts(t *testing.T) {
	assert.Contains(t, PRDPrompt("a todo app"), "Product Requirements Document for:\na todo app\n")
	assert.Contains(t, PRDPrompt("x"), "6. Success metrics")

	assert.Contains(t, TasksPrompt("the prd", 7), "Based on this PRD:\nthe prd\n")
	assert.Contains(t, TasksPrompt("the prd", 7), "list of 7 implementation tasks")
	assert.Contains(t, TasksPrompt("the prd", 0), "list of 5 implementation tasks")

	assert.Equal(t,
		"\nI need you to implement this task:\nAdd login\n\nPlease write or modify the necessary code to complete this task.\n",
		ExecutePrompt("Add login"))
}
