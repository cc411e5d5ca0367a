package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/merchantdesk/teamchat"
	"github.com/merchantdesk/teamchat/pgstore"
)

var (
	historyLimit  int
	historyTarget string
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of most recent messages to show")
	historyCmd.Flags().StringVar(&historyTarget, "target", targetREST, "Message store to read: rest or postgres")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Print the latest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var msgs []teamchat.MessageRecord
		switch historyTarget {
		case targetREST:
			client, err := storeClient(cfg)
			if err != nil {
				return err
			}
			msgs, err = client.ListMessages(ctx, args[0], historyLimit)
			if err != nil {
				return err
			}
		case targetPostgres:
			if cfg.Postgres.DSN == "" {
				return fmt.Errorf("postgres.dsn is not configured")
			}
			store, err := pgstore.New(pgstore.Option{ConnString: cfg.Postgres.DSN, Table: cfg.Default.Table})
			if err != nil {
				return err
			}
			defer store.Close()
			msgs, err = store.List(ctx, args[0], historyLimit)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown target %q (valid: rest, postgres)", historyTarget)
		}

		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(os.Stdout, m)
		}
		return nil
	},
}

// printMessage writes one message as "[15:04:05] name: content".
func printMessage(w io.Writer, m teamchat.MessageRecord) {
	sender := valueOrDefault(m.SenderName, m.SenderID)
	ts := m.CreatedAt.Local().Format("15:04:05")
	if m.ReplyToID != "" {
		fmt.Fprintf(w, "[%s] %s (reply to %s): %s\n", ts, sender, m.ReplyToID, m.Content)
		return
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", ts, sender, m.Content)
}
