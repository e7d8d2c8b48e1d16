package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiaot623/agentchat/internal/agent"
	"github.com/xiaot623/agentchat/internal/chat"
	"github.com/xiaot623/agentchat/internal/repl"
)

func newChatCommand(a *app) *cobra.Command {
	var markdown bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session := chat.NewSession(agent.NewStreamer(a.cfg.Agent(), a.cfg.Mode))
			return repl.Run(ctx, session, cmd.InOrStdin(), cmd.OutOrStdout(), repl.Options{Markdown: markdown})
		},
	}
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render finished replies as markdown")
	return cmd
}
