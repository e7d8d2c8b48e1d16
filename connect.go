package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/agentchat/internal/remote"
	"github.com/xiaot623/agentchat/internal/repl"
)

func newConnectCommand(a *app) *cobra.Command {
	var (
		addr      string
		apiKey    string
		sessionID string
		markdown  bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Chat through a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if apiKey == "" {
				apiKey = a.cfg.GatewayKey
			}

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			client, err := remote.Dial(dialCtx, addr)
			if err != nil {
				return err
			}
			defer client.Close()

			id, err := client.Hello(apiKey, sessionID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session established: %s\n", id)
			fmt.Fprintf(out, "Type a message and press Enter to send, %s to exit.\n", repl.QuitCommand)

			return repl.RunRemote(ctx, client, cmd.InOrStdin(), out, repl.Options{Markdown: markdown})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:8090/ws", "gateway WebSocket address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "gateway API key (defaults to API_KEY)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to join")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render finished replies as markdown")
	return cmd
}
