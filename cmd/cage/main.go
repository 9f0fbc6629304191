// Command cage is the CLI wrapper around the Cage library: it starts the MCP
// gateway (`cage serve`) and gives operators direct Task Store / Run Store
// access for debugging (`cage task`, `cage run`) without going through the
// gateway's JSON-RPC surface.
package main

import (
	"fmt"
	"os"

	"github.com/cagehq/cage/pkg/console"
	"github.com/cagehq/cage/pkg/constants"
	"github.com/spf13/cobra"
)

var version = "dev"

var verboseFlag bool
var jsonFlag bool

var rootCmd = &cobra.Command{
	Use:     constants.CLICommandPrefix,
	Short:   "Cage: a repository-scoped orchestration service for multi-agent crews",
	Version: version,
	Long: `Cage coordinates planner, implementer, reviewer and committer agents
against a single git working tree through a small set of MCP tools.

Common tasks:
  cage serve                 # start the MCP gateway
  cage task new              # create a task record
  cage task list             # list tasks
  cage run list               # list crew runs
  cage run watch <run-id>     # follow a run's phase transitions`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&jsonFlag, "json", "j", false, "emit machine-readable JSON output")
	rootCmd.SetOut(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s version {{.Version}}\n", constants.CLICommandPrefix))

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newRunCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, console.FormatErrorMessage(err.Error()))
		os.Exit(exitCodeFor(err))
	}
}
