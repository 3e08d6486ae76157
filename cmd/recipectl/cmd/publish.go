package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/kafka"
)

type publisher interface {
	Publish(ctx context.Context, events ...kafka.Event) error
	Close() error
}

var newPublisher = func(cfg config.KafkaConfig) publisher {
	return kafka.NewProducer(cfg)
}

func newPublishCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a change message to the change topic",
	}

	var file string
	upsert := &cobra.Command{
		Use:   "upsert <entity-type> <id>",
		Short: "Publish an upsert; the entity JSON is read from --file or stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("opening entity file: %w", err)
				}
				defer f.Close()
				src = f
			}
			raw, err := io.ReadAll(src)
			if err != nil {
				return fmt.Errorf("reading entity: %w", err)
			}
			if !json.Valid(raw) {
				return fmt.Errorf("entity is not valid JSON")
			}
			return publish(cmd, root.cfg, ingestion.ChangeMessage{
				EntityType: args[0],
				Operation:  ingestion.OpUpsert,
				EntityID:   args[1],
				Entity:     raw,
			})
		},
	}
	upsert.Flags().StringVarP(&file, "file", "f", "-", "entity JSON file, - for stdin")

	del := &cobra.Command{
		Use:   "delete <entity-type> <id>",
		Short: "Publish a delete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, root.cfg, ingestion.ChangeMessage{
				EntityType: args[0],
				Operation:  ingestion.OpDelete,
				EntityID:   args[1],
			})
		},
	}

	cmd.AddCommand(upsert, del)
	return cmd
}

func publish(cmd *cobra.Command, cfg *config.Config, msg ingestion.ChangeMessage) error {
	msg.PublishedAt = time.Now().UTC()
	if err := validator.ValidateChange(&msg); err != nil {
		return err
	}
	p := newPublisher(cfg.Kafka)
	defer p.Close()
	if err := p.Publish(cmd.Context(), kafka.Event{Key: msg.GroupKey(), Value: msg}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s %s/%s to %s\n", msg.Operation, msg.EntityType, msg.EntityID, cfg.Kafka.Topic)
	return nil
}
