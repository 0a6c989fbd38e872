package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/sandbox/internal/dispatch"
	"github.com/seantiz/sandbox/internal/model"
)

func withClient(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, c *dispatch.Client) error) error {
	c, err := dial(g.endpoint, g.token)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(cmd.Context(), c)
}

func newGenerateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Submit an anonymous prompt with default parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *dispatch.Client) error {
				ctx, cancel := context.WithTimeout(ctx, g.timeout)
				defer cancel()
				resp, err := c.GenerateImage(ctx, &dispatch.GenerateImageRequest{Prompt: args[0]})
				if err != nil {
					return fmt.Errorf("generate image: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.ID)
				return nil
			})
		},
	}
}

func newCreateCmd(g *globalFlags) *cobra.Command {
	var (
		owner      string
		iterations uint32
		images     uint32
	)
	cmd := &cobra.Command{
		Use:   "create <prompt>",
		Short: "Submit a task with explicit parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &dispatch.CreateTaskRequest{
				Owner: owner,
				Params: model.Params{ImageGeneration: &model.ImageGenerationParams{
					Prompt:         args[0],
					Iterations:     iterations,
					NumberOfImages: images,
				}},
			}
			return withClient(cmd, g, func(ctx context.Context, c *dispatch.Client) error {
				ctx, cancel := context.WithTimeout(ctx, g.timeout)
				defer cancel()
				resp, err := c.CreateTask(ctx, req)
				if err != nil {
					return fmt.Errorf("create task: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "task owner")
	cmd.Flags().Uint32Var(&iterations, "iterations", 0, "denoising iterations (0 uses the server default)")
	cmd.Flags().Uint32Var(&images, "images", 0, "number of images (0 uses the server default)")
	return cmd
}

func newGetCmd(g *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task, optionally saving its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *dispatch.Client) error {
				ctx, cancel := context.WithTimeout(ctx, g.timeout)
				defer cancel()
				resp, err := c.GetTask(ctx, &dispatch.GetTaskRequest{ID: args[0]})
				if err != nil {
					return fmt.Errorf("get task: %w", err)
				}
				if err := saveResult(resp.Task, out); err != nil {
					return err
				}
				return printTask(cmd.OutOrStdout(), resp.Task)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the result image to this file")
	return cmd
}

func newListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list <owner>",
		Short: "List an owner's tasks, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *dispatch.Client) error {
				ctx, cancel := context.WithTimeout(ctx, g.timeout)
				defer cancel()
				resp, err := c.ListTasks(ctx, &dispatch.ListTasksRequest{Owner: args[0]})
				if err != nil {
					return fmt.Errorf("list tasks: %w", err)
				}
				w := cmd.OutOrStdout()
				for _, t := range resp.Tasks {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status.State, t.CreatedAt.Format(time.RFC3339), t.Prompt)
				}
				return nil
			})
		},
	}
}

func newWaitCmd(g *globalFlags) *cobra.Command {
	var (
		out      string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait <task-id>",
		Short: "Poll a task until it finishes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *dispatch.Client) error {
				task, err := waitForTask(ctx, c, args[0], interval, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				if err := saveResult(task, out); err != nil {
					return err
				}
				if err := printTask(cmd.OutOrStdout(), task); err != nil {
					return err
				}
				if task.Status.State == model.StateFailed {
					return fmt.Errorf("task %s failed: %s", task.ID, task.Status.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the result image to this file")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

func waitForTask(ctx context.Context, c *dispatch.Client, id string, interval time.Duration, progress io.Writer) (*model.Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastStep uint32
	for {
		resp, err := c.GetTask(ctx, &dispatch.GetTaskRequest{ID: id})
		if err != nil {
			return nil, fmt.Errorf("get task: %w", err)
		}
		st := resp.Task.Status
		if model.IsTerminal(st.State) {
			return resp.Task, nil
		}
		if st.State == model.StateInProgress && st.CurrentStep != lastStep {
			lastStep = st.CurrentStep
			fmt.Fprintf(progress, "step %d/%d\n", st.CurrentStep, st.TotalSteps)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// printTask writes the task as indented JSON without the result payload.
func printTask(w io.Writer, t *model.Task) error {
	view := *t
	view.Status.Result = nil
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func saveResult(t *model.Task, path string) error {
	if path == "" {
		return nil
	}
	if t.Status.State != model.StateFinished {
		return fmt.Errorf("task %s is %s, no result to save", t.ID, t.Status.State)
	}
	if err := os.WriteFile(path, t.Status.Result, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
