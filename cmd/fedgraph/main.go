// Command fedgraph serves federated GraphQL operations from pre-computed
// query plans.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "fedgraph",
		Short: "Federated GraphQL gateway driven by pre-computed query plans",
		Long: `fedgraph executes pre-computed query plans against GraphQL subgraphs and
REST connectors, and streams subscriptions over graphql-transport-ws.

Examples:
	# Run the gateway
	fedgraph serve --config fedgraph.yaml

	# Check plan files before deploying them
	fedgraph validate-plan plans/

	# Check the configuration and connector schemas
	fedgraph check-config --config fedgraph.yaml`,
		Version:       fmt.Sprintf("%s (%s)", buildVersion, buildCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (YAML); FEDGRAPH_* variables override it")
	root.AddCommand(
		newServeCmd(&configPath),
		newValidatePlanCmd(),
		newCheckConfigCmd(&configPath),
	)
	return root
}
