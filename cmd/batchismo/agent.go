package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/batchismo/batchismo/internal/agent"
	"github.com/batchismo/batchismo/internal/logging"
)

// newAgentCmd is the hidden per-turn entry point: the gateway re-executes
// this binary with `agent --socket <path>` for every turn.
func newAgentCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:    "agent",
		Short:  "Run one agent turn (spawned by the gateway)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" {
				return fmt.Errorf("--socket is required")
			}
			logger := logging.New("agent", os.Getenv("BATCHISMO_AGENT_LOG"))
			code := agent.Run(socket, logger)
			_ = logger.Sync()
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "per-session socket path")
	return cmd
}
