package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopTimeout int

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running HTTP server",
	Long: `Stop an Aleph server started with "aleph serve --transport http".
Sends SIGTERM, waits for the final memory pack save and shutdown, and
falls back to SIGKILL after --timeout seconds.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "seconds to wait for a graceful shutdown")
	rootCmd.AddCommand(stopCmd)
}

// waitForExit polls until the process in pidFile is gone or timeout passes
func waitForExit(pidFile string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !isRunning(pidFile) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pidFile := pidFilePath(cfg.DataDir)
	out := cmd.OutOrStdout()

	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Server is not running")
		return nil
	}

	if err := signalServer(pidFile, syscall.SIGTERM); err != nil {
		return err
	}
	if waitForExit(pidFile, time.Duration(stopTimeout)*time.Second) {
		os.Remove(pidFile)
		fmt.Fprintln(out, "Server stopped")
		return nil
	}

	fmt.Fprintln(out, "Server did not stop in time, sending SIGKILL")
	if err := signalServer(pidFile, syscall.SIGKILL); err != nil {
		return err
	}
	os.Remove(pidFile)
	fmt.Fprintln(out, "Server killed")
	return nil
}
