package command

import (
	"context"
	"os/exec"
	"testing"
)

func TestRealExecutorBoundsWait(t *testing.T) {
	cmd := (&RealExecutor{}).CommandContext(context.Background(), "echo", "hi")
	if cmd.WaitDelay != GeneratorWaitDelay {
		t.Errorf("expected WaitDelay %v, got %v", GeneratorWaitDelay, cmd.WaitDelay)
	}
}

func TestBuilderUsesCustomExecutor(t *testing.T) {
	var gotName string
	var gotArgs []string
	fake := ExecutorFunc(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		gotName, gotArgs = name, args
		return exec.CommandContext(ctx, "true")
	})
	sb := NewSafeBuilderWithExecutor(fake)

	cmd, err := sb.Build(context.Background(), "/opt/bin/aider", "--message", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cmd.Release()

	if err := cmd.Exec().Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotName != "/opt/bin/aider" || len(gotArgs) != 2 || gotArgs[1] != "hi" {
		t.Errorf("executor saw %q %v", gotName, gotArgs)
	}
}
