// Package cmd defines and implements the CLI commands for the seriesfetch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/config"
	"github.com/JakeFAU/seriesfetch/internal/dispatcher"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
	"github.com/JakeFAU/seriesfetch/internal/server"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// App is the slice of the built application that commands drive.
// Tests replace the factory with a fake.
type App interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context, req dispatcher.Request) ([]scraper.Job, error)
	Close() error
	Logger() *zap.Logger
}

var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "seriesfetch",
		Short: "Scrapes serialized content from themed sites into local storage.",
		Long: `seriesfetch pulls series and episode metadata plus image sets from sites built on
known themes, normalizes them, caches images locally or in GCS, and persists the
results. Sources are rescanned on per-source schedules through a prioritized queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Config is loaded once here; subcommands build the application from it.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd(), newScrapeCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
