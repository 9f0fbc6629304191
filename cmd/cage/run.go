package main

import (
	"fmt"
	"time"

	"github.com/cagehq/cage/pkg/cageconfig"
	"github.com/cagehq/cage/pkg/console"
	"github.com/cagehq/cage/pkg/runstore"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect and control crew runs directly, bypassing the MCP gateway",
	}
	cmd.AddCommand(newRunListCommand())
	cmd.AddCommand(newRunShowCommand())
	cmd.AddCommand(newRunCancelCommand())
	cmd.AddCommand(newRunWatchCommand())
	return cmd
}

func openRunStore() (*runstore.Store, error) {
	cfg, err := cageconfig.Load()
	if err != nil {
		return nil, err
	}
	return runstore.New(cfg.RepoPath), nil
}

func newRunListCommand() *cobra.Command {
	var taskID, status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List crew runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rs, err := openRunStore()
			if err != nil {
				return err
			}
			filter := runstore.Filter{TaskID: taskID}
			if status != "" {
				st := runstore.Status(status)
				filter.Status = &st
			}
			runs, err := rs.List(filter)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(runs)
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{r.RunID, r.TaskID, r.CrewID, string(r.Status)})
			}
			fmt.Println(console.RenderTable(console.TableConfig{
				Title:   "Runs",
				Headers: []string{"Run ID", "Task", "Crew", "Status"},
				Rows:    rows,
			}))
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "filter by task id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func newRunShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a single run's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := openRunStore()
			if err != nil {
				return err
			}
			run, err := rs.Get(args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(run)
			}
			fmt.Println(console.FormatSectionHeader(run.RunID))
			fmt.Printf("task: %s  crew: %s  status: %s\n", run.TaskID, run.CrewID, run.Status)
			if run.EndedAt != nil {
				fmt.Printf("ended: %s\n", run.EndedAt.Format(time.RFC3339))
			}
			if len(run.Artefacts) > 0 {
				fmt.Println("artefacts:", run.Artefacts)
			}
			return nil
		},
	}
}

func newRunCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a crew run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := openRunStore()
			if err != nil {
				return err
			}
			run, err := rs.RequestCancel(args[0])
			if err != nil {
				return err
			}
			return printJSONOrOK(run)
		},
	}
}

func printJSONOrOK(v any) error {
	if jsonFlag {
		return printJSON(v)
	}
	fmt.Println(console.FormatSuccessMessage("ok"))
	return nil
}

func newRunWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run's phase transitions live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := openRunStore()
			if err != nil {
				return err
			}
			p := tea.NewProgram(newRunWatchModel(rs, args[0]))
			_, err = p.Run()
			return err
		},
	}
}

// runWatchModel polls the Run Store's on-disk status and logs every tick.
// Polling the filesystem (rather than the orchestrator's in-process event
// channel) is what lets `cage run watch` attach from a separate process than
// the one running `cage serve`.
type runWatchModel struct {
	store *runstore.Store
	runID string

	status   runstore.Status
	messages []string
	err      error
}

func newRunWatchModel(store *runstore.Store, runID string) runWatchModel {
	return runWatchModel{store: store, runID: runID}
}

type runWatchTickMsg struct {
	run  *runstore.Run
	logs []runstore.LogEntry
	err  error
}

func (m runWatchModel) Init() tea.Cmd {
	return m.poll()
}

func (m runWatchModel) poll() tea.Cmd {
	return tea.Tick(300*time.Millisecond, func(time.Time) tea.Msg {
		run, err := m.store.Get(m.runID)
		if err != nil {
			return runWatchTickMsg{err: err}
		}
		logs, err := m.store.ReadLogs(m.runID)
		if err != nil {
			return runWatchTickMsg{err: err}
		}
		return runWatchTickMsg{run: run, logs: logs}
	})
}

func (m runWatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case runWatchTickMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.status = msg.run.Status
		m.messages = m.messages[:0]
		for _, l := range msg.logs {
			m.messages = append(m.messages, fmt.Sprintf("[%s] %s: %s", l.Timestamp.Format("15:04:05"), l.Phase, l.Message))
		}
		if msg.run.Status == runstore.StatusSucceeded || msg.run.Status == runstore.StatusFailed || msg.run.Status == runstore.StatusCancelled {
			return m, tea.Quit
		}
		return m, m.poll()
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m runWatchModel) View() string {
	if m.err != nil {
		return console.FormatErrorMessage(m.err.Error()) + "\n"
	}
	out := console.FormatSectionHeader(fmt.Sprintf("run %s: %s", m.runID, m.status)) + "\n"
	for _, line := range m.messages {
		out += line + "\n"
	}
	out += "\n(press q to quit)\n"
	return out
}
