package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/soypete/pedrochat/pkg/config"
	"github.com/soypete/pedrochat/pkg/llm"
	"github.com/soypete/pedrochat/pkg/models"
)

func modelsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models pedrochat knows how to prompt",
		Long: `List the catalog of supported models and their files.

Files found in the models directory are marked as installed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog := models.Default().All()

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(catalog)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tTEMPLATE\tFILE\tQUANT\tSIZE\tINSTALLED")
			for _, m := range catalog {
				for _, f := range m.Files {
					installed := ""
					if fileExists(filepath.Join(cfg.Server.ModelsDir, f.Name)) {
						installed = "yes"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						m.Name, m.PromptTemplate, f.Name, f.Quantization, formatSize(f.SizeBytes), installed)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the catalog as JSON")

	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the llama.cpp server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Server.BaseURL = serverURL
			}
			return checkServer(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func checkServer(ctx context.Context, cfg *config.Config, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := llm.NewServerClient(llm.ServerClientConfig{
		BaseURL:    cfg.Server.BaseURL,
		APIKey:     cfg.Server.APIKey,
		MaxRetries: -1,
	})
	defer client.Close()

	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("llama.cpp server at %s is not ready: %w", cfg.Server.BaseURL, err)
	}
	fmt.Fprintf(out, "✅ %s is up\n", cfg.Server.BaseURL)

	params, err := client.ModelParameters(ctx)
	if err != nil {
		fmt.Fprintf(out, "⚠️  could not read model parameters: %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "Model:   %s\n", params.ModelPath)
	fmt.Fprintf(out, "Context: %d tokens\n", params.ContextSize)
	if _, _, err := models.Default().LookupFile(params.ModelPath); err != nil {
		fmt.Fprintf(out, "⚠️  %v\n", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func formatSize(n int64) string {
	const gb = 1 << 30
	const mb = 1 << 20
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.0f MB", float64(n)/mb)
	case n <= 0:
		return "-"
	default:
		return fmt.Sprintf("%d B", n)
	}
}
