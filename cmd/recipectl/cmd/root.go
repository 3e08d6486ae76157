// Package cmd provides the recipectl subcommands.
package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/app"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/logger"
)

// openIndexes connects the query commands to the index store. The returned
// func releases the connection.
var openIndexes = func(cfg *config.Config) (*app.Indexes, func(), error) {
	client, st, err := app.OpenRedis(cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	x, err := app.NewIndexes(st, app.IndexOptions(cfg.Indexer, nil))
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return x, func() { client.Close() }, nil
}

type rootOptions struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "recipectl",
		Short: "Publish entity changes and query the recipe index",
		Long: `recipectl talks to the same Kafka topic, Redis index store and
dead-letter database as the indexer and searcher services.

Examples:
  recipectl publish upsert recipes R1 --file r1.json
  recipectl publish delete ingredients I7
  recipectl filter --vegan --region asia --names
  recipectl search recipes "spicy tofu"
  recipectl deadletters list --limit 20`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			logger.SetupWriter(cmd.ErrOrStderr(), cfg.Logging.Level, "text")
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (defaults plus RI_* environment when empty)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	cmd.AddCommand(newPublishCmd(opts))
	cmd.AddCommand(newFilterCmd(opts))
	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newDeadLettersCmd(opts))

	return cmd
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
