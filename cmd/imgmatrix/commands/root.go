package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shouni/image-matrix-kit/pkg/config"
)

var (
	// Global flags
	cfgFile     string
	projectID   string
	publishFile string
	metricsAddr string
	outputJSON  bool
	verbose     bool

	globalConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "imgmatrix",
	Short: "Deterministic image generation across providers",
	Long: `imgmatrix turns a structured generation request into images through a
prioritized list of providers, and records every result with its full request
so it can be refined or used as inspiration later.

Examples:
  # 3x3 matrix of camera angle x lighting
  imgmatrix generate "red sneaker" --seed 12345 \
    --row angle=front,side,top --col lighting=studio,neon,sunlight

  # Change only the lighting of an asset
  imgmatrix refine <asset-id> --set lighting=dramatic

  # Five variations of a new subject in the style of an asset
  imgmatrix inspire <asset-id> --subject "blue backpack" -n 5
`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Command returns the root cobra command.
func Command() *cobra.Command {
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&projectID, "project", "p", "", "project id (overrides config)")
	rootCmd.PersistentFlags().StringVar(&publishFile, "publish", "", "append recorded assets as JSON lines to this file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output as JSON (for piping)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(refineCmd)
	rootCmd.AddCommand(inspireCmd)
	rootCmd.AddCommand(lineageCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(schemaCmd)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if projectID != "" {
		cfg.Project = projectID
	}
	globalConfig = cfg
	return nil
}

// serveMetrics は reg を metricsAddr で公開します。返り値の関数でサーバーを停止します。
func serveMetrics(ctx context.Context, reg *prometheus.Registry) func() {
	if metricsAddr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "メトリクスサーバーが停止しました", "addr", metricsAddr, "error", err)
		}
	}()
	slog.InfoContext(ctx, "メトリクスを公開します", "addr", metricsAddr)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
