package profiling

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeClock() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestProfilerNestsSpans(t *testing.T) {
	p := &Profiler{now: fakeClock()}
	p.Start("ignored").Stop()

	p.Enable()
	outer := p.Start("run")
	p.Start("prd").Stop()
	p.Start("tasks").Stop()
	outer.Stop()

	var buf bytes.Buffer
	p.Summarize(&buf)
	want := "--- Timing Profile ---\n" +
		"- run (5s, 71.4%)\n" +
		"  - prd (1s, 14.3%)\n" +
		"  - tasks (1s, 14.3%)\n" +
		"----------------------\n"
	assert.Equal(t, want, buf.String())
}

func TestProfilerDisabled(t *testing.T) {
	p := &Profiler{}
	p.Start("x").Stop()
	assert.False(t, p.Enabled())

	var buf bytes.Buffer
	p.Summarize(&buf)
	assert.Empty(t, buf.String())
}

func TestCobraProfiler(t *testing.T) {
	p := &CobraProfiler{profiler: &Profiler{}}
	cmd := &cobra.Command{
		Use: "demo",
		Run: func(cmd *cobra.Command, args []string) {
			p.profiler.Start("work").Stop()
		},
	}
	p.AddFlags(cmd)

	mem := filepath.Join(t.TempDir(), "mem.pprof")
	var errOut bytes.Buffer
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--timing", "--mem-profile", mem})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, errOut.String(), "Memory profile written to "+mem)
	assert.Contains(t, errOut.String(), "- work (")
	assert.FileExists(t, mem)
}
