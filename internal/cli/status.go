package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/harun/aleph/pkg/transport"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long:  `Show whether an Aleph HTTP server started with "aleph serve --transport http" is running.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Running   bool   `json:"running"`
	PID       int    `json:"pid,omitempty"`
	Uptime    string `json:"uptime,omitempty"`
	URL       string `json:"url"`
	Listening bool   `json:"listening"`
}

func collectStatus(ctx context.Context, pidFile, host string, port int, path string) statusReport {
	report := statusReport{URL: transport.ConnectURL(host, port, path)}
	if !isRunning(pidFile) {
		return report
	}

	report.Running = true
	report.PID, _ = readPID(pidFile)
	// PID file modification time approximates the start time
	if info, err := os.Stat(pidFile); err == nil {
		report.Uptime = formatDuration(time.Since(info.ModTime()))
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	report.Listening = transport.DialProber{}.Probe(probeCtx, transport.ConnectAddr(host, port)) == nil
	return report
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	t := cfg.Transport
	report := collectStatus(cmd.Context(), pidFilePath(cfg.DataDir), t.Host, t.Port, t.Path)
	out := cmd.OutOrStdout()

	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if !report.Running {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", report.PID)
	if report.Uptime != "" {
		fmt.Fprintf(out, "Uptime: %s\n", report.Uptime)
	}
	fmt.Fprintf(out, "URL: %s\n", report.URL)
	if !report.Listening {
		fmt.Fprintln(out, "Warning: process is running but nothing is listening on the URL")
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
