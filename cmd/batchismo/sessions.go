package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/batchismo/batchismo/internal/policy"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions and workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := openGateway(cmd)
			if err != nil {
				return err
			}
			defer g.Close()
			ctx := context.Background()

			sessions, err := g.ListSessions(ctx)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%-20s %-10s %s  (in: %d, out: %d)\n",
					s.Key, s.Status, s.Model, s.TokenInput, s.TokenOutput)
			}

			workers, err := g.ListSubagents(ctx)
			if err != nil {
				return err
			}
			if len(workers) > 0 {
				color.New(color.Bold).Println("\nworkers:")
				for _, w := range workers {
					fmt.Printf("%-20s %-18s %s\n", w.SessionKey, w.State, w.Label)
				}
			}
			return nil
		},
	}
	return cmd
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage path policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List path policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := openGateway(cmd)
			if err != nil {
				return err
			}
			defer g.Close()

			rules, err := g.ListPolicies(context.Background())
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				fmt.Println("(no path policies - all file access is denied)")
				return nil
			}
			for _, r := range rules {
				scope := "top-level"
				if r.Recursive {
					scope = "recursive"
				}
				fmt.Printf("%4d  %-11s %-9s %s\n", r.ID, r.Access, scope, r.Path)
			}
			return nil
		},
	})

	addCmd := &cobra.Command{
		Use:   "add <path> <read-only|read-write|write-only>",
		Short: "Add a path policy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			recursive, _ := cmd.Flags().GetBool("recursive")
			g, _, err := openGateway(cmd)
			if err != nil {
				return err
			}
			defer g.Close()

			rule, err := g.AddPolicy(context.Background(), policy.PathPolicy{
				Path:      args[0],
				Access:    policy.AccessLevel(args[1]),
				Recursive: recursive,
			})
			if err != nil {
				return err
			}
			color.Green("added policy %d: %s [%s]", rule.ID, rule.Path, rule.Access)
			return nil
		},
	}
	addCmd.Flags().Bool("recursive", true, "apply to the whole subtree")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a path policy by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad policy id %q", args[0])
			}
			g, _, err := openGateway(cmd)
			if err != nil {
				return err
			}
			defer g.Close()
			return g.DeletePolicy(context.Background(), id)
		},
	})

	return cmd
}
