package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/batchismo/batchismo/internal/config"
	"github.com/batchismo/batchismo/internal/logging"
	"github.com/batchismo/batchismo/internal/policy"
	"github.com/batchismo/batchismo/internal/workspace"
)

func newOnboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Set up the agent: name, API key, and first path policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := dataRoot(cmd)
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}
			in := bufio.NewReader(os.Stdin)

			fmt.Printf("Agent name [%s]: ", cfg.Agent.Name)
			if name, _ := in.ReadString('\n'); strings.TrimSpace(name) != "" {
				cfg.Agent.Name = strings.TrimSpace(name)
			}

			fmt.Print("Anthropic API key (hidden, empty to keep env var): ")
			keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err == nil && len(keyBytes) > 0 {
				cfg.APIKeys.Anthropic = strings.TrimSpace(string(keyBytes))
			}

			fmt.Print("Grant read-write access to a folder (empty to skip): ")
			folder, _ := in.ReadString('\n')
			folder = strings.TrimSpace(folder)
			if folder != "" {
				cfg.Paths = append(cfg.Paths, policy.PathPolicy{
					Path: folder, Access: policy.ReadWrite, Recursive: true,
				})
			}

			if err := config.Save(root, cfg); err != nil {
				return err
			}

			ws, err := workspace.New(config.WorkspacePath(root), logging.Nop())
			if err != nil {
				return err
			}
			if err := ws.EnsureDefaults(cfg.Agent.Name); err != nil {
				return err
			}

			color.Green("done. start with: batchismo gateway")
			return nil
		},
	}
}
