package main

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/merchantdesk/teamchat"
	"github.com/merchantdesk/teamchat/internal/observability"
	"github.com/merchantdesk/teamchat/kafkasink"
	"github.com/merchantdesk/teamchat/pgstore"
	"github.com/merchantdesk/teamchat/redisrt"
)

// Send targets selectable with --target.
const (
	targetREST     = "rest"
	targetPostgres = "postgres"
	targetKafka    = "kafka"
)

// storeClient creates the REST store client.
func storeClient(cfg *Config) (*teamchat.Client, error) {
	if cfg.Default.BaseURL == "" {
		return nil, errors.New("no base URL; run 'teamchat init <api-key> --url <url>' first")
	}
	if cfg.Default.APIKey == "" {
		return nil, errors.New("no API key; run 'teamchat init <api-key>' first")
	}
	var opts []teamchat.ClientOption
	if cfg.Default.Table != "" {
		opts = append(opts, teamchat.WithTable(cfg.Default.Table))
	}
	return teamchat.NewClient(cfg.Default.BaseURL, cfg.Default.APIKey, opts...), nil
}

// realtimeEndpoint returns the configured websocket endpoint, or the one
// served next to the REST store.
func realtimeEndpoint(cfg *Config) string {
	if cfg.Default.RealtimeURL != "" {
		return cfg.Default.RealtimeURL
	}
	if cfg.Default.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(cfg.Default.BaseURL, "/") + "/realtime/v1/websocket"
}

// identity returns the participant the CLI acts as.
func identity(cfg *Config) (teamchat.Identity, error) {
	if cfg.Identity.UserID == "" {
		return teamchat.Identity{}, errors.New("no user id; run 'teamchat config set identity.user_id <id>'")
	}
	return teamchat.Identity{
		UserID:      cfg.Identity.UserID,
		DisplayName: valueOrDefault(cfg.Identity.DisplayName, cfg.Identity.UserID),
	}, nil
}

// deliveryMetrics reports delivery counters through the global OpenTelemetry
// meter provider.
func deliveryMetrics() teamchat.MetricsCollector {
	m, err := observability.NewOTelMetrics(nil)
	if err != nil {
		observability.GetLogger().WithError(err).Warn("otel metrics unavailable, counting in memory")
		return observability.NewInMemoryMetrics()
	}
	return m
}

// redisTransport connects the redis transport when one is configured.
func redisTransport(cfg *Config) (*redisrt.Transport, func() error) {
	if cfg.Redis.Addr == "" {
		return nil, func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	return redisrt.New(client), client.Close
}

// sinks is the set of persistence targets opened for one command.
type sinks struct {
	router  *teamchat.SinkRouter
	closers []func() error
}

// openSinks registers every configured target. The REST store is the default
// when configured. With fanout set every target also publishes what it stores.
func openSinks(cfg *Config, fanout *redisrt.Transport) (*sinks, error) {
	s := &sinks{}
	wrap := func(sink teamchat.Sink) teamchat.Sink {
		if fanout != nil {
			return fanout.Sink(sink)
		}
		return sink
	}

	var fallback teamchat.Sink
	registered := map[string]teamchat.Sink{}

	if cfg.Default.BaseURL != "" && cfg.Default.APIKey != "" {
		client, err := storeClient(cfg)
		if err != nil {
			return nil, err
		}
		fallback = wrap(client)
		registered[targetREST] = fallback
	}

	if cfg.Postgres.DSN != "" {
		store, err := pgstore.New(pgstore.Option{ConnString: cfg.Postgres.DSN, Table: cfg.Default.Table})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		registered[targetPostgres] = wrap(store)
	}

	if cfg.Kafka.Brokers != "" {
		sink, err := kafkasink.New(kafkasink.Config{
			Brokers: splitList(cfg.Kafka.Brokers),
			Topic:   valueOrDefault(cfg.Kafka.Topic, "teamchat.messages"),
			Logger:  observability.GetLogger(),
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open kafka: %w", err)
		}
		s.closers = append(s.closers, sink.Close)
		registered[targetKafka] = wrap(sink)
	}

	if len(registered) == 0 {
		return nil, errors.New("no message store configured; set default.base_url, postgres.dsn or kafka.brokers")
	}

	s.router = teamchat.NewSinkRouter(fallback)
	for name, sink := range registered {
		s.router.Register(name, sink)
	}
	return s, nil
}

// chooseTarget validates want against the registered targets. Without a
// preference it uses the REST store, or the first target when REST is absent.
func chooseTarget(s *sinks, want string) (string, error) {
	names := s.targets()
	if want == "" {
		if slices.Contains(names, targetREST) {
			return "", nil
		}
		return names[0], nil
	}
	if !slices.Contains(names, want) {
		return "", fmt.Errorf("target %q is not configured (available: %s)", want, strings.Join(names, ", "))
	}
	return want, nil
}

// targets lists the registered target names in order.
func (s *sinks) targets() []string {
	names := s.router.Targets()
	sort.Strings(names)
	return names
}

// Close closes every opened target.
func (s *sinks) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
