package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soypete/pedrochat/pkg/repl"
)

func chatCmd() *cobra.Command {
	var (
		systemPrompt string
		resume       string
		historyFile  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat with the configured model.

Ctrl+C stops the answer being streamed; Ctrl+D or /quit exits.
Type /help inside the chat for the list of commands.

Examples:
  pedrochat chat -m ~/.pedrochat/models/mistral-7b-instruct-v0.2.Q4_K_M.gguf
  pedrochat chat --resume 6f1c2d3e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Server.ModelPath == "" && resume == "" {
				return errors.New("no model configured: pass --model or set server.model_path")
			}
			if a.cfg.Server.ModelPath != "" {
				if _, _, err := a.catalog.LookupFile(a.cfg.Server.ModelPath); err != nil {
					return fmt.Errorf("%w (see 'pedrochat models')", err)
				}
			}

			prompt := a.cfg.Chat.SystemPrompt
			if systemPrompt != "" {
				prompt = systemPrompt
			}
			sess := repl.NewSession(a.cfg.Server.ModelPath, prompt, a.defaultTools())

			input, err := repl.NewInputHandler(sess.Prompt(), historyFile)
			if err != nil {
				return fmt.Errorf("failed to create input handler: %w", err)
			}

			r, err := repl.NewREPL(repl.Config{
				Chatter: a.manager,
				Session: sess,
				History: a.history,
				Tools:   a.descriptors(),
				Input:   input,
				Output:  cmd.OutOrStdout(),
				Logger:  a.logger.Named("repl"),
			})
			if err != nil {
				return err
			}

			if resume != "" {
				if err := r.Resume(ctx, resume); err != nil {
					return err
				}
			}
			return r.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&systemPrompt, "system", "s", "", "System prompt (overrides config)")
	cmd.Flags().StringVarP(&resume, "resume", "r", "", "Thread id to continue")
	cmd.Flags().StringVar(&historyFile, "history-file", "", "Line history file (default: ~/.pedrochat_history)")

	return cmd
}
