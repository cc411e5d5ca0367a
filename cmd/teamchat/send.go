package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/merchantdesk/teamchat"
)

var (
	sendReplyTo string
	sendTarget  string
	sendDryRun  bool
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Id of the message being replied to")
	sendCmd.Flags().StringVar(&sendTarget, "target", "", "Message store: rest, postgres or kafka (default: rest when configured)")
	sendCmd.Flags().BoolVar(&sendDryRun, "dry-run", false, "Deliver to an in-memory store instead of a configured one")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", time.Minute, "How long to wait for the message to be confirmed")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <message>",
	Short: "Send a message to a conversation",
	Long:  "Send a message and wait until it is stored. Transient store failures are retried with backoff before giving up.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversation, content := args[0], args[1]

		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		self, err := identity(cfg)
		if err != nil {
			return err
		}

		var sink teamchat.Sink
		target := sendTarget
		if sendDryRun {
			sink = teamchat.NewMemoryStore()
			target = ""
		} else {
			fanout, closeRedis := redisTransport(cfg)
			defer closeRedis()
			set, err := openSinks(cfg, fanout)
			if err != nil {
				return err
			}
			defer set.Close()

			if target, err = chooseTarget(set, target); err != nil {
				return err
			}
			sink = set.router
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()

		session, err := teamchat.OpenSession(ctx, teamchat.SessionConfig{
			Conversation: conversation,
			Target:       target,
			Self:         self,
			Sink:         sink,
			Table:        cfg.Default.Table,
			Metrics:      deliveryMetrics(),
		})
		if err != nil {
			return err
		}
		defer session.Close()

		events, unsubscribe := session.Events()
		defer unsubscribe()

		res := session.SendMessage(ctx, content, sendReplyTo)
		id, err := awaitDelivery(ctx, res, events)
		if err != nil {
			return err
		}
		if sendDryRun {
			fmt.Printf("Dry run: message %s accepted (%d chars)\n", id, len([]rune(content)))
			return nil
		}
		fmt.Printf("Sent %s to %s\n", id, conversation)
		return nil
	},
}

// awaitDelivery resolves a send to its stored id, following retries of a
// transiently failed first attempt until a terminal event or ctx expiry.
func awaitDelivery(ctx context.Context, res teamchat.SendResult, events <-chan teamchat.DeliveryEvent) (string, error) {
	if res.Success {
		return res.ID, nil
	}
	if res.ClientID == "" {
		return "", res.Err
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return "", teamchat.ErrSessionClosed
			}
			if ev.ID != res.ClientID {
				continue
			}
			switch ev.Kind {
			case teamchat.EventRetrying:
				fmt.Printf("Store unavailable, retrying (attempt %d)\n", ev.Attempts)
			case teamchat.EventConfirmed:
				if ev.Record != nil && ev.Record.ID != "" {
					return ev.Record.ID, nil
				}
				return ev.ID, nil
			case teamchat.EventFailed:
				return "", fmt.Errorf("message %s failed after %d attempts: %w", ev.ID, ev.Attempts, ev.Err)
			case teamchat.EventCancelled:
				return "", fmt.Errorf("message %s was cancelled", ev.ID)
			}
		case <-ctx.Done():
			return "", errors.Join(fmt.Errorf("message %s was not confirmed", res.ClientID), ctx.Err())
		}
	}
}
