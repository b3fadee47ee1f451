package root

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/procpulse/procpulse/cmd/procpulse/run"
)

var rootCmd = &cobra.Command{
	Use:   "procpulse",
	Short: "Kernel activity monitoring with streaming pattern detection",
	Long: `procpulse - live OS activity diagnostics

procpulse subscribes to a privileged kernel tracing source, filters the
event stream, keeps a bounded in-memory history, and runs streaming
anomaly detection over it. High-severity findings can be escalated to an
AI analysis collaborator for a root-cause diagnosis.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(run.Cmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("procpulse version %s\n", rootCmd.Version))
}
