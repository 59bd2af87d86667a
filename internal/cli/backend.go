package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/aleph/pkg/subquery"
	"github.com/harun/aleph/pkg/toolserver"
	"github.com/spf13/cobra"
)

var backendJSON bool

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Show the sub-query backend that would be used",
	Long: `Resolve the sub-query backend from the environment and config and print
it with the rule that chose it.`,
	RunE: runBackend,
}

func init() {
	backendCmd.Flags().BoolVar(&backendJSON, "json", false, "print the decision as JSON")
	rootCmd.AddCommand(backendCmd)
}

func runBackend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sc := toolserver.SubQueryConfig(cfg.SubQuery)
	resolver := subquery.NewResolver(sc, nil)
	decision := resolver.Resolve()
	out := cmd.OutOrStdout()

	if backendJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	}

	fmt.Fprintf(out, "Backend: %s\n", decision.Backend)
	fmt.Fprintf(out, "Rule: %s\n", decision.Rule)
	if decision.Backend == subquery.BackendAPI {
		env := resolver.Environment()
		_, source := subquery.APIKey(sc, env)
		fmt.Fprintf(out, "API key: %s\n", source)
		fmt.Fprintf(out, "Base URL: %s\n", subquery.APIBaseURL(sc, env))
		if model := subquery.APIModel(sc, env); model != "" {
			fmt.Fprintf(out, "Model: %s\n", model)
		}
	}
	return nil
}
