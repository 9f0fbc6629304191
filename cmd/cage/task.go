package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cagehq/cage/pkg/cageconfig"
	"github.com/cagehq/cage/pkg/console"
	"github.com/cagehq/cage/pkg/taskstore"
	"github.com/cagehq/cage/pkg/tty"
	"github.com/spf13/cobra"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and edit task records directly, bypassing the MCP gateway",
	}
	cmd.AddCommand(newTaskNewCommand())
	cmd.AddCommand(newTaskShowCommand())
	cmd.AddCommand(newTaskListCommand())
	cmd.AddCommand(newTaskUpdateCommand())
	return cmd
}

func openTaskStore() (*taskstore.Store, error) {
	cfg, err := cageconfig.Load()
	if err != nil {
		return nil, err
	}
	return taskstore.New(cfg.RepoPath)
}

func newTaskNewCommand() *cobra.Command {
	var id, title, owner, summary string
	var acceptance []string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a task record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id == "" || title == "" {
				if !tty.IsStderrTerminal() {
					return fmt.Errorf("--id and --title are required when not running interactively")
				}
				if err := promptTaskFields(&id, &title, &owner, &summary); err != nil {
					return err
				}
			}

			checks := make([]taskstore.Check, 0, len(acceptance))
			for _, a := range acceptance {
				checks = append(checks, taskstore.Check{Text: a})
			}

			ts, err := openTaskStore()
			if err != nil {
				return err
			}
			task, err := ts.Create(&taskstore.Task{
				ID:               id,
				Title:            title,
				Owner:            owner,
				Summary:          summary,
				AcceptanceChecks: checks,
			})
			if err != nil {
				return err
			}
			return printTask(task)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "task id (YYYY-MM-DD-kebab-slug)")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&owner, "owner", "", "task owner")
	cmd.Flags().StringVar(&summary, "summary", "", "short summary")
	cmd.Flags().StringArrayVar(&acceptance, "acceptance", nil, "acceptance criterion (repeatable)")
	return cmd
}

func promptTaskFields(id, title, owner, summary *string) error {
	return console.RunForm([]console.FormField{
		{Type: "input", Title: "Task ID", Description: "YYYY-MM-DD-kebab-slug", Value: id},
		{Type: "input", Title: "Title", Value: title},
		{Type: "input", Title: "Owner", Value: owner},
		{Type: "input", Title: "Summary", Value: summary},
	})
}

func newTaskShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a single task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := openTaskStore()
			if err != nil {
				return err
			}
			task, err := ts.Load(args[0])
			if err != nil {
				return err
			}
			return printTask(task)
		},
	}
}

func newTaskListCommand() *cobra.Command {
	var status, tag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ts, err := openTaskStore()
			if err != nil {
				return err
			}
			filter := taskstore.Filter{Tag: tag}
			if status != "" {
				st := taskstore.Status(status)
				filter.Status = &st
			}
			tasks, err := ts.List(filter)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(tasks)
			}
			rows := make([][]string, 0, len(tasks))
			for _, t := range tasks {
				rows = append(rows, []string{t.ID, string(t.Status), fmt.Sprintf("%d%%", t.ProgressPercent), t.Owner, t.Title})
			}
			fmt.Println(console.RenderTable(console.TableConfig{
				Title:   "Tasks",
				Headers: []string{"ID", "Status", "Progress", "Owner", "Title"},
				Rows:    rows,
			}))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag")
	return cmd
}

func newTaskUpdateCommand() *cobra.Command {
	var title, owner, status, summary, ifUnchanged string

	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Apply a partial update to a task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := openTaskStore()
			if err != nil {
				return err
			}

			var patch taskstore.Patch
			if title != "" {
				patch.Title = &title
			}
			if owner != "" {
				patch.Owner = &owner
			}
			if summary != "" {
				patch.Summary = &summary
			}
			if status != "" {
				st := taskstore.Status(status)
				patch.Status = &st
			}

			task, err := ts.Update(args[0], patch, ifUnchanged)
			if err != nil {
				return err
			}
			return printTask(task)
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&owner, "owner", "", "new owner")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&summary, "summary", "", "new summary")
	cmd.Flags().StringVar(&ifUnchanged, "if-unchanged", "", "optimistic concurrency token (updated_at of the last read)")
	return cmd
}

func printTask(t *taskstore.Task) error {
	if jsonFlag {
		return printJSON(t)
	}
	fmt.Println(console.FormatSectionHeader(fmt.Sprintf("%s — %s", t.ID, t.Title)))
	fmt.Printf("status: %s  progress: %d%%  owner: %s\n", t.Status, t.ProgressPercent, t.Owner)
	if t.Summary != "" {
		fmt.Println(t.Summary)
	}
	if len(t.Tags) > 0 {
		fmt.Println("tags:", strings.Join(t.Tags, ", "))
	}
	fmt.Printf("updated: %s\n", t.UpdatedAt.Format(time.RFC3339))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
