package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/batchismo/batchismo/internal/ipc"
)

func newSendCmd() *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "send <message…>",
		Short: "Send a message to a session and stream the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := openGateway(cmd)
			if err != nil {
				return err
			}
			defer g.Close()

			sub := g.Subscribe()
			content := strings.Join(args, " ")
			if err := g.SendMessage(context.Background(), sessionKey, content); err != nil {
				return err
			}

			toolColor := color.New(color.FgYellow)
			for ev := range sub.C() {
				switch m := ev.Message.(type) {
				case ipc.TextDelta:
					fmt.Print(m.Content)
				case ipc.ToolCallStart:
					toolColor.Printf("\n[tool %s]\n", m.ToolCall.Name)
				case ipc.ToolCallResult:
					if m.Result.IsError {
						toolColor.Printf("[tool error] %s\n", m.Result.Content)
					}
				case ipc.Question:
					color.Cyan("\n[worker question %s] %s\n", m.QuestionID, m.Question)
				case ipc.TurnComplete:
					fmt.Println()
					return nil
				case ipc.Error:
					fmt.Println()
					return fmt.Errorf("%s", m.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "main", "session key to send to")
	return cmd
}
