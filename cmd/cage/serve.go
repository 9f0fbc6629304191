package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cagehq/cage/pkg/cageconfig"
	"github.com/cagehq/cage/pkg/constants"
	"github.com/cagehq/cage/pkg/editor"
	"github.com/cagehq/cage/pkg/gateway"
	"github.com/cagehq/cage/pkg/gitbridge"
	"github.com/cagehq/cage/pkg/lockmgr"
	"github.com/cagehq/cage/pkg/logger"
	"github.com/cagehq/cage/pkg/orchestrator"
	"github.com/cagehq/cage/pkg/registry"
	"github.com/cagehq/cage/pkg/runstore"
	"github.com/cagehq/cage/pkg/taskstore"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var serveLog = logger.New("cmd:serve")

func newServeCommand() *cobra.Command {
	var port int
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP JSON-RPC gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cageconfig.Load()
			if err != nil {
				return err
			}
			logger.SetVerbose(verboseFlag)

			orch, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}

			srv := gateway.New(orch, cfg.PodToken)

			httpServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           srv,
				ReadHeaderTimeout: 5 * time.Second,
			}

			if watch {
				stop, err := watchTaskDir(cfg.RepoPath, orch.Tasks())
				if err != nil {
					return err
				}
				defer stop()
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				serveLog.Printf("listening on %s (repo=%s)", httpServer.Addr, cfg.RepoPath)
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				serveLog.Printf("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 8088, "HTTP port for the MCP JSON-RPC endpoint")
	cmd.Flags().BoolVar(&watch, "watch", false, "rebuild the task status index when files under .cage/tasks change externally")
	return cmd
}

// buildOrchestrator wires the Task Store, Run Store, Editor, Git Bridge and
// Agent/Crew Registry into an Orchestrator, seeding the registry from
// .cage/crew.yaml when present.
func buildOrchestrator(cfg *cageconfig.Config) (*orchestrator.Orchestrator, error) {
	ts, err := taskstore.New(cfg.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}
	rs := runstore.New(cfg.RepoPath)
	ed := editor.New(cfg.RepoPath, lockmgr.New()).WithChangelog(ts)
	gb := gitbridge.New(cfg.RepoPath).WithProvenance(ts)
	reg := registry.New()

	if err := cageconfig.SeedRegistry(cfg.RepoPath, reg); err != nil {
		return nil, fmt.Errorf("seeding crew registry: %w", err)
	}

	return orchestrator.New(rs, ts, ed, gb, reg), nil
}

// watchTaskDir rebuilds the status index whenever a file under .cage/tasks
// changes outside the Task Store's own writes (an external editor, `git
// pull`, a teammate's commit). Returns a stop function.
func watchTaskDir(repoRoot string, ts *taskstore.Store) (func(), error) {
	dir := filepath.Join(repoRoot, constants.ControlDir, constants.TasksDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == filepath.Join(dir, constants.StatusIndexFile) {
					continue
				}
				if err := ts.RebuildStatusIndex(); err != nil {
					serveLog.Warnf("rebuilding status index after %s: %v", event.Name, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				serveLog.Warnf("watch error: %v", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
