package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grovetools/prdflow/conventional"
	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
	"github.com/grovetools/prdflow/pkg/profiling"
	"github.com/grovetools/prdflow/pkg/session"
)

// NewRunCmd returns the command that drives a session through the whole
// workflow: description, PRD, tasks and execution.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [description]",
		Short: "Turn a project description into a PRD, tasks and code",
		Long: `Drive a session through the workflow. A new session needs a project
description; an existing session resumes from its current stage.`,
		Example: `# Start from a description
prdflow run --new "A CLI that converts CSV to JSON"

# Resume the last session and stop before execution
prdflow run --plan-only`,
		RunE: runWorkflow,
	}

	addSessionFlags(cmd)
	cmd.Flags().Int("tasks", 0, "Number of tasks to generate (default: server default)")
	cmd.Flags().Bool("plan-only", false, "Stop after the task list is generated")
	cmd.Flags().Bool("sync", false, "Receive the task list in the response instead of the stream")

	return cmd
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	wb, err := openWorkbench(cmd)
	if err != nil {
		return err
	}
	defer wb.Close()

	ctx := cmd.Context()
	description := strings.TrimSpace(strings.Join(args, " "))
	numTasks, _ := cmd.Flags().GetInt("tasks")
	planOnly, _ := cmd.Flags().GetBool("plan-only")
	sync, _ := cmd.Flags().GetBool("sync")

	switch stage := wb.client.Snapshot().Stage; stage {
	case models.StageGeneratingPRD, models.StageGeneratingTasks, models.StageExecuting:
		return errors.WorkflowFailed(fmt.Sprintf("session is busy (%s)", stage))
	case models.StageExecutionComplete:
		return wb.printResults(ctx)
	}

	span := profiling.Start("prd")
	prd, err := wb.ensurePRD(ctx, description)
	span.Stop()
	if err != nil {
		return err
	}
	span = profiling.Start("tasks")
	tasks, err := wb.ensureTasks(ctx, prd, numTasks, sync)
	span.Stop()
	if err != nil {
		return err
	}
	if planOnly {
		return nil
	}

	wb.printer.Divider()
	wb.printer.Info(fmt.Sprintf("Executing %d tasks", len(tasks)))
	span = profiling.Start("execute")
	if err := wb.client.ExecuteTasks(ctx, nil); err != nil {
		span.Stop()
		return err
	}
	err = wb.wait(ctx, session.OpExecuteTasks)
	span.Stop()
	if err != nil {
		return err
	}
	wb.progress.Done()
	return wb.printResults(ctx)
}

// ensurePRD generates the PRD for a describing session, or loads the stored
// one when the session is already past that stage.
func (wb *workbench) ensurePRD(ctx context.Context, description string) (string, error) {
	snap := wb.client.Snapshot()
	if snap.Stage != models.StageDescribing {
		prd, err := wb.client.FetchPRD(ctx)
		if err != nil {
			return "", err
		}
		wb.printPRD(prd)
		return prd, nil
	}

	if description == "" {
		return "", errors.InvalidInput("description", "is required to start a session")
	}
	wb.printer.Divider()
	wb.printer.Info("Generating PRD")
	if err := wb.client.GeneratePRD(ctx, description); err != nil {
		return "", err
	}
	if err := wb.wait(ctx, session.OpGeneratePRD); err != nil {
		return "", err
	}

	snap = wb.client.Snapshot()
	if !snap.HasPRD {
		return "", errors.WorkflowFailed("PRD generation failed: " + snap.PRDStatus)
	}
	if wb.styled {
		wb.printPRD(snap.PRD)
	} else {
		fmt.Fprintln(wb.out)
	}
	return snap.PRD, nil
}

func (wb *workbench) printPRD(prd string) {
	wb.printer.Divider()
	fmt.Fprint(wb.out, wb.markdown(prd))
	if !strings.HasSuffix(prd, "\n") {
		fmt.Fprintln(wb.out)
	}
}

// ensureTasks generates the task list unless the mirror already has one.
func (wb *workbench) ensureTasks(ctx context.Context, prd string, n int, sync bool) ([]models.Task, error) {
	if tasks := wb.client.Snapshot().Tasks; len(tasks) > 0 {
		wb.printTasks(tasks)
		return tasks, nil
	}

	wb.printer.Divider()
	wb.printer.Info("Generating tasks")
	if sync {
		if err := wb.client.GenerateTasksSync(ctx, prd, n); err != nil {
			return nil, err
		}
	} else {
		if err := wb.client.GenerateTasks(ctx, prd, n); err != nil {
			return nil, err
		}
		if err := wb.wait(ctx, session.OpGenerateTasks); err != nil {
			return nil, err
		}
	}

	snap := wb.client.Snapshot()
	switch {
	case snap.TasksDegraded:
		fmt.Fprintln(wb.out, snap.TasksText)
		return nil, errors.WorkflowFailed("the generator did not return a task list")
	case snap.IntegrityError != "":
		wb.printTasks(snap.Tasks)
		return nil, errors.New(errors.ErrCodeDataIntegrity, snap.IntegrityError)
	case len(snap.Tasks) == 0:
		return nil, errors.WorkflowFailed("task generation failed")
	}
	wb.printTasks(snap.Tasks)
	return snap.Tasks, nil
}

func (wb *workbench) printTasks(tasks []models.Task) {
	var b strings.Builder
	b.WriteString("## Tasks\n\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "%d. **%s**", t.ID, t.Name)
		if len(t.Dependencies) > 0 {
			deps := make([]string, len(t.Dependencies))
			for i, d := range t.Dependencies {
				deps[i] = fmt.Sprint(d)
			}
			fmt.Fprintf(&b, " (after %s)", strings.Join(deps, ", "))
		}
		b.WriteString("\n")
		if t.Description != "" {
			fmt.Fprintf(&b, "   %s\n", t.Description)
		}
		for _, st := range t.Subtasks {
			fmt.Fprintf(&b, "   - %s\n", st.Name)
		}
	}
	fmt.Fprint(wb.out, wb.markdown(b.String()))
}

func (wb *workbench) printResults(ctx context.Context) error {
	results, _, err := wb.client.FetchTaskStatus(ctx)
	if err != nil {
		return err
	}
	wb.printer.Divider()
	for _, r := range results {
		wb.printer.Success(r.TaskName)
		if r.CommitHash != "" {
			wb.printer.Field("  commit", shortHash(r.CommitHash)+" "+r.CommitMessage)
		}
		if len(r.EditedFiles) > 0 {
			wb.printer.Field("  edited", strings.Join(r.EditedFiles, ", "))
		}
	}
	wb.printer.Field("Results", len(results))
	if changelog := conventional.Generate("Changes", conventional.FromResults(results)); changelog != "" {
		fmt.Fprint(wb.out, wb.markdown(changelog))
	}
	return nil
}
