package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/soypete/pedrochat/pkg/httpbridge"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API over HTTP",
		Long: `Serve the chat engine over HTTP.

Endpoints:
  GET  /api/health                   server and model status
  GET  /api/threads                  stored conversations
  POST /api/threads/{id}/messages    send a message (SSE with Accept: text/event-stream)
  POST /api/threads/{id}/abort       stop the running answer
  GET  /api/events                   SSE feed of every conversation
  GET  /ws                           websocket chat
  GET  /metrics                      Prometheus metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := httpbridge.NewServer(httpbridge.Config{
				Chatter:   a.manager,
				History:   a.history,
				Health:    a.client,
				Tools:     a.descriptors(),
				ModelPath: a.cfg.Server.ModelPath,
				Logger:    a.logger.Named("http"),
			})
			if err != nil {
				return err
			}

			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}
			a.logger.Info("pedrochat serving",
				zap.String("addr", addr),
				zap.String("llama_server", a.cfg.Server.BaseURL),
				zap.String("model", a.cfg.Server.ModelPath),
			)
			return srv.Run(ctx, addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default: http.addr from config)")

	return cmd
}
