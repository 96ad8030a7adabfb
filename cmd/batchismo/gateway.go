package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/batchismo/batchismo/internal/config"
	"github.com/batchismo/batchismo/internal/gateway"
	"github.com/batchismo/batchismo/internal/logging"
)

func dataRoot(cmd *cobra.Command) string {
	if root, _ := cmd.Flags().GetString("data-root"); root != "" {
		return root
	}
	return config.DataRoot()
}

func openGateway(cmd *cobra.Command) (*gateway.Gateway, *config.Config, error) {
	root := dataRoot(cmd)
	cfg, err := config.Load(root)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New("gateway", cfg.Gateway.LogLevel)
	g, err := gateway.New(root, cfg, nil, logger)
	if err != nil {
		return nil, nil, err
	}
	return g, cfg, nil
}

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := openGateway(cmd)
			if err != nil {
				return err
			}
			defer g.Close()

			color.Green("gateway running (data root: %s)", dataRoot(cmd))

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			<-sigs
			fmt.Println("shutting down…")
			return nil
		},
	}
}
