package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/merchantdesk/teamchat"
	"github.com/merchantdesk/teamchat/internal/observability"
	"github.com/merchantdesk/teamchat/redisrt"
)

var (
	watchTransport     string
	watchTarget        string
	watchWebhookAddr   string
	watchWebhookSecret string
)

func init() {
	watchCmd.Flags().StringVar(&watchTransport, "transport", "", "Realtime transport: realtime or redis (default: redis when configured)")
	watchCmd.Flags().StringVar(&watchTarget, "target", "", "Message store for lines typed on stdin")
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook-addr", "", "Also accept signed change-feed webhooks on this address")
	watchCmd.Flags().StringVar(&watchWebhookSecret, "webhook-secret", os.Getenv("TEAMCHAT_WEBHOOK_SECRET"), "Shared secret for change-feed signatures")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation>",
	Short: "Follow a conversation and send lines typed on stdin",
	Long: "Subscribe to a conversation, print incoming messages and typing participants, and send each\n" +
		"line read from stdin. Failed sends are retried while the connection recovers.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversation := args[0]
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		self, err := identity(cfg)
		if err != nil {
			return err
		}

		fanout, closeRedis := redisTransport(cfg)
		defer closeRedis()
		transport, closeTransport, err := selectTransport(cfg, fanout, watchTransport)
		if err != nil {
			return err
		}
		defer closeTransport()

		set, err := openSinks(cfg, fanout)
		if err != nil {
			return err
		}
		defer set.Close()
		target, err := chooseTarget(set, watchTarget)
		if err != nil {
			return err
		}

		session, err := teamchat.OpenSession(ctx, teamchat.SessionConfig{
			Conversation: conversation,
			Target:       target,
			Self:         self,
			Sink:         set.router,
			Transport:    transport,
			Table:        cfg.Default.Table,
			Logger:       observability.GetLogger(),
			Metrics:      deliveryMetrics(),
		})
		if err != nil {
			return err
		}
		defer session.Close()

		session.OnMessage(func(rec teamchat.MessageRecord) { printMessage(os.Stdout, rec) })
		session.OnConnectionLost(func(st teamchat.ConnectionState) {
			fmt.Fprintf(os.Stderr, "Connection lost after %d attempts; unsent messages will retry.\n", st.AttemptCount)
		})

		if watchWebhookAddr != "" {
			feed, err := teamchat.NewChangeFeed(watchWebhookSecret, valueOrDefault(cfg.Default.Table, teamchat.DefaultTable), session.HandleChange)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: watchWebhookAddr, Handler: feed.HTTPHandler(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					observability.GetLogger().WithError(err).Error("change feed listener stopped")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		events, unsubscribe := session.Events()
		defer unsubscribe()

		fmt.Printf("Watching %s as %s. Type a message and press enter; Ctrl-C to quit.\n", conversation, self.DisplayName)
		return watchLoop(ctx, session, events, readLines(os.Stdin))
	},
}

// selectTransport picks the realtime transport by name.
func selectTransport(cfg *Config, fanout *redisrt.Transport, name string) (teamchat.Transport, func() error, error) {
	noop := func() error { return nil }
	if name == "redis" || (name == "" && fanout != nil) {
		if fanout == nil {
			return nil, noop, errors.New("redis.addr is not configured")
		}
		return fanout, noop, nil
	}
	if name != "" && name != "realtime" {
		return nil, noop, fmt.Errorf("unknown transport %q (valid: realtime, redis)", name)
	}

	endpoint := realtimeEndpoint(cfg)
	if endpoint == "" {
		return nil, noop, errors.New("no realtime endpoint; set default.realtime_url or default.base_url")
	}
	rc := teamchat.NewRealtimeClient(endpoint, &teamchat.RealtimeConfig{
		APIKey:        cfg.Default.APIKey,
		AutoReconnect: true,
		Logger:        observability.GetLogger(),
	})
	return rc, rc.Disconnect, nil
}

// readLines streams trimmed non-empty lines from r until EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lines <- line
			}
		}
	}()
	return lines
}

func watchLoop(ctx context.Context, session *teamchat.Session, events <-chan teamchat.DeliveryEvent, lines <-chan string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var typing string

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if res := session.SendMessage(ctx, line, ""); res.Err != nil && res.ClientID == "" {
				fmt.Fprintf(os.Stderr, "Not sent: %v\n", res.Err)
			}

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case teamchat.EventRetrying:
				fmt.Fprintf(os.Stderr, "Sending %s (attempt %d)...\n", ev.ID, ev.Attempts+1)
			case teamchat.EventFailed:
				fmt.Fprintf(os.Stderr, "Failed to send %q: %v\n", ev.Payload.Content, ev.Err)
			}

		case <-ticker.C:
			if now := describeTyping(session.Snapshot().TypingUsers); now != typing {
				typing = now
				if now != "" {
					fmt.Println(now)
				}
			}
		}
	}
}

// describeTyping renders the typing indicator line, empty when nobody types.
func describeTyping(users []teamchat.TypingUser) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0].Name + " is typing..."
	}
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.Name
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1] + " are typing..."
}
