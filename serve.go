package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xiaot623/agentchat/internal/agent"
	"github.com/xiaot623/agentchat/internal/chat"
	internalhttp "github.com/xiaot623/agentchat/internal/http"
	"github.com/xiaot623/agentchat/internal/hub"
	"github.com/xiaot623/agentchat/internal/ws"
)

func newServeCommand(a *app) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve chat sessions to WebSocket clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("port") {
				cfg.HTTPPort = port
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			streamer := agent.NewStreamer(cfg.Agent(), cfg.Mode)
			connectionHub := hub.NewHub(func(sessionID string) *chat.Session {
				return chat.NewSession(streamer, chat.WithLogger(
					log.Logger.With().Str("component", "chat").Str("session_id", sessionID).Logger(),
				))
			})
			go connectionHub.Run(ctx)

			wsServer := ws.NewServer(ctx, cfg, connectionHub)
			httpServer := internalhttp.NewServer(connectionHub, wsServer)

			addr := fmt.Sprintf(":%d", cfg.HTTPPort)
			errCh := make(chan error, 1)
			go func() {
				if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			log.Info().Str("addr", addr).Str("mode", cfg.Mode).Msg("gateway started")

			// Wait for interrupt signal
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case <-quit:
			case err := <-errCh:
				return errors.Wrap(err, "start http server")
			}

			log.Info().Msg("shutting down gateway")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("failed to shutdown http server gracefully")
			}

			log.Info().Msg("gateway stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 8090, "HTTP port (overrides HTTP_PORT)")
	return cmd
}
