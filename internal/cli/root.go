// Package cli implements the aleph command line: serve runs the tool
// server, the rest inspect or control it.
package cli

import (
	"github.com/harun/aleph/pkg/toolserver"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "aleph",
	Short: "Aleph - local tool server for context exploration",
	Long: `Aleph is a local tool server for exploring large contexts.
It keeps working sessions with tasks and evidence, proxies remote tool
servers, delegates focused sub-queries to an LLM backend and can expose
itself over HTTP.`,
	Version:       toolserver.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $HOME/.aleph/aleph.json)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate("{{.Name}} version {{.Version}}\n")
}

// Execute runs the command selected by os.Args
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the version reported by --version and the
// initialize handshake
func GetVersion() string {
	return toolserver.Version
}
