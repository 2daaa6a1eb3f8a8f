package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxparse/internal/infrastructure/redpanda"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the parser topics that do not exist yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			brokers, _ := cmd.Flags().GetString("brokers")
			replication, _ := cmd.Flags().GetInt16("replication")
			if replication < 1 {
				return fmt.Errorf("replication must be at least 1, got %d", replication)
			}

			admin, err := redpanda.NewAdmin(strings.Split(brokers, ","), zap.NewNop())
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			configs := redpanda.WithReplication(redpanda.DefaultTopicConfigs(), replication)
			created, err := admin.CreateTopics(ctx, configs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range configs {
				status := "exists"
				for _, name := range created {
					if name == c.Name {
						status = "created"
					}
				}
				fmt.Fprintf(out, "%-28s %s\n", c.Name, status)
			}
			return nil
		},
	}
	ensureCmd.Flags().String("brokers", "localhost:19092", "Comma separated broker addresses")
	ensureCmd.Flags().Int16("replication", 1, "Replication factor for new topics")
	cmd.AddCommand(ensureCmd)

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			brokers, _ := cmd.Flags().GetString("brokers")
			group, _ := cmd.Flags().GetString("group")

			admin, err := redpanda.NewAdmin(strings.Split(brokers, ","), zap.NewNop())
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			lag, err := admin.ConsumerGroupLag(ctx, group)
			if err != nil {
				return err
			}
			topics := make([]string, 0, len(lag))
			for topic := range lag {
				topics = append(topics, topic)
			}
			sort.Strings(topics)
			for _, topic := range topics {
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s %d\n", topic, lag[topic])
			}
			return nil
		},
	}
	lagCmd.Flags().String("brokers", "localhost:19092", "Comma separated broker addresses")
	lagCmd.Flags().String("group", "rxparse-worker", "Consumer group")
	cmd.AddCommand(lagCmd)

	return cmd
}
