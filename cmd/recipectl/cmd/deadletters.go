package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion/deadletter"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/postgres"
)

type ledgerLister interface {
	List(ctx context.Context, limit int) ([]deadletter.Entry, error)
}

var openLedger = func(cfg config.PostgresConfig) (ledgerLister, func(), error) {
	if !postgres.Enabled(cfg) {
		return nil, nil, fmt.Errorf("postgres.host is not configured, the dead-letter ledger is disabled")
	}
	pg, err := postgres.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return deadletter.NewLedger(pg.DB), func() { pg.Close() }, nil
}

func newDeadLettersCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect change messages the indexer could not apply",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, closeFn, err := openLedger(root.cfg.Postgres)
			if err != nil {
				return err
			}
			defer closeFn()
			entries, err := ledger.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := make([]map[string]any, 0, len(entries))
			for _, e := range entries {
				out = append(out, map[string]any{
					"message_id":  e.MessageID,
					"source":      e.Source,
					"entity_type": e.EntityType,
					"reason":      e.Reason,
					"body":        string(e.Body),
					"created_at":  e.CreatedAt,
				})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries")

	cmd.AddCommand(list)
	return cmd
}
