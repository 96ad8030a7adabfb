// Command batchismo runs the agent platform runtime: the long-lived
// gateway, the hidden per-turn agent entry point, and a small set of
// operational commands for sessions, policies, and onboarding.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "batchismo",
		Short:         "Local AI agent runtime",
		Long:          "Batchismo runs a local AI agent: a gateway that owns sessions, policies, and workers, and short-lived agent processes that execute one turn each.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("data-root", "", "data directory (default $BATCHISMO_HOME or ~/.batchismo)")

	root.AddCommand(newGatewayCmd())
	root.AddCommand(newAgentCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newPolicyCmd())
	root.AddCommand(newOnboardCmd())
	return root
}
