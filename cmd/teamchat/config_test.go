package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantdesk/teamchat"
	"github.com/merchantdesk/teamchat/internal/observability"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.api_key", "sk-test"))
	require.NoError(t, setConfigValue(cfg, "identity.user_id", "agent-1"))
	require.NoError(t, setConfigValue(cfg, "postgres.dsn", "postgres://x"))
	require.NoError(t, setConfigValue(cfg, "kafka.brokers", "a:9092,b:9092"))
	require.NoError(t, setConfigValue(cfg, "redis.addr", "localhost:6379"))

	assert.Equal(t, "sk-test", cfg.Default.APIKey)
	assert.Equal(t, "agent-1", cfg.Identity.UserID)
	assert.Equal(t, "postgres://x", cfg.Postgres.DSN)
	assert.Equal(t, "a:9092,b:9092", cfg.Kafka.Brokers)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	assert.Error(t, setConfigValue(cfg, "api_key", "x"))
	assert.Error(t, setConfigValue(cfg, "nope.api_key", "x"))
	assert.Error(t, setConfigValue(cfg, "default.nope", "x"))
	assert.Error(t, setConfigValue(cfg, "postgres.host", "x"))
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{Default: ConfigDefault{APIKey: "from-file", BaseURL: "https://file"}}
	env := map[string]string{
		"TEAMCHAT_API_KEY":    "from-env",
		"TEAMCHAT_USER_ID":    "agent-9",
		"TEAMCHAT_REDIS_ADDR": "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	require.NoError(t, applyEnv(cfg, lookup))
	assert.Equal(t, "from-env", cfg.Default.APIKey)
	assert.Equal(t, "https://file", cfg.Default.BaseURL)
	assert.Equal(t, "agent-9", cfg.Identity.UserID)
	assert.Empty(t, cfg.Redis.Addr)

	for _, key := range envOverrides {
		assert.NoError(t, setConfigValue(&Config{}, key, "v"), key)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)

	cfg.Default.APIKey = "sk-test"
	cfg.Identity = ConfigIdentity{UserID: "agent-1", DisplayName: "Dana"}
	cfg.Kafka.Topic = "support.messages"
	require.NoError(t, saveConfig(cfg))

	path := filepath.Join(home, ".teamchat", "config.toml")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[identity]")
	assert.Contains(t, string(data), "agent-1")

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	t.Setenv("TEAMCHAT_DISPLAY_NAME", "Dana K")
	effective, err := loadEffectiveConfig()
	require.NoError(t, err)
	assert.Equal(t, "Dana K", effective.Identity.DisplayName)

	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o600))
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestShowConfigMasksSecrets(t *testing.T) {
	cfg := &Config{
		Default:  ConfigDefault{APIKey: "sk-live-1234567890wxyz", BaseURL: "https://chat.example.com"},
		Identity: ConfigIdentity{UserID: "agent-1"},
		Postgres: ConfigPostgres{DSN: "postgres://chat:s3cret-pw@db:5432/support?sslmode=disable"},
		Redis:    ConfigRedis{Addr: "localhost:6379", Password: "redis-pass-123456789"},
	}

	var buf bytes.Buffer
	require.NoError(t, showConfig(&buf, "/home/dana/.teamchat/config.toml", cfg, []string{"default.api_key"}))
	out := buf.String()

	assert.Contains(t, out, "# /home/dana/.teamchat/config.toml\n# default.api_key is set from the environment\n")
	assert.Contains(t, out, "sk-live-1234...wxyz")
	assert.Contains(t, out, "postgres://chat:xxxxx@db:5432/support")
	assert.Contains(t, out, "redis-pass-1...6789")
	assert.Contains(t, out, "https://chat.example.com")
	for _, secret := range []string{"sk-live-1234567890wxyz", "s3cret-pw", "redis-pass-123456789"} {
		assert.NotContains(t, out, secret)
	}
	// The caller's config is untouched.
	assert.Equal(t, "sk-live-1234567890wxyz", cfg.Default.APIKey)
}

func TestMaskSecret(t *testing.T) {
	assert.Empty(t, maskSecret("default.api_key", ""))
	assert.Equal(t, "host=db user=chat password=xxxxx dbname=support",
		maskSecret("postgres.dsn", "host=db user=chat password=s3cret dbname=support"))
	assert.Equal(t, "postgres://db:5432/support", maskSecret("postgres.dsn", "postgres://db:5432/support"))
	assert.Equal(t, "******", maskSecret("redis.password", "abcdef"))
}

func TestOverriddenKeys(t *testing.T) {
	env := map[string]string{"TEAMCHAT_USER_ID": "agent-9", "TEAMCHAT_API_KEY": "k", "TEAMCHAT_TABLE": ""}
	keys := overriddenKeys(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, []string{"default.api_key", "identity.user_id"}, keys)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "******", maskKey("abcdef"))
	assert.Equal(t, "abcd...mnop", maskKey("abcdefghijklmnop"))
	assert.Equal(t, "sk-live-1234...wxyz", maskKey("sk-live-1234567890wxyz"))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitList(" a:9092, ,b:9092 "))
	assert.Nil(t, splitList(""))
}

func TestIdentity(t *testing.T) {
	_, err := identity(&Config{})
	assert.Error(t, err)

	self, err := identity(&Config{Identity: ConfigIdentity{UserID: "agent-1"}})
	require.NoError(t, err)
	assert.Equal(t, teamchat.Identity{UserID: "agent-1", DisplayName: "agent-1"}, self)
}

func TestRealtimeEndpoint(t *testing.T) {
	assert.Empty(t, realtimeEndpoint(&Config{}))
	assert.Equal(t, "https://chat.example.com/realtime/v1/websocket",
		realtimeEndpoint(&Config{Default: ConfigDefault{BaseURL: "https://chat.example.com/"}}))
	assert.Equal(t, "wss://rt.example.com/socket",
		realtimeEndpoint(&Config{Default: ConfigDefault{BaseURL: "https://chat.example.com", RealtimeURL: "wss://rt.example.com/socket"}}))
}

func TestOpenSinks(t *testing.T) {
	_, err := openSinks(&Config{}, nil)
	assert.Error(t, err)

	cfg := &Config{
		Default: ConfigDefault{BaseURL: "https://chat.example.com", APIKey: "sk-test"},
		Kafka:   ConfigKafka{Brokers: "localhost:9092"},
	}
	set, err := openSinks(cfg, nil)
	require.NoError(t, err)
	defer set.Close()
	assert.Equal(t, []string{"kafka", "rest"}, set.targets())

	target, err := chooseTarget(set, "")
	require.NoError(t, err)
	assert.Empty(t, target)
	target, err = chooseTarget(set, "kafka")
	require.NoError(t, err)
	assert.Equal(t, "kafka", target)
	_, err = chooseTarget(set, "postgres")
	assert.Error(t, err)

	kafkaOnly, err := openSinks(&Config{Kafka: ConfigKafka{Brokers: "localhost:9092"}}, nil)
	require.NoError(t, err)
	defer kafkaOnly.Close()
	target, err = chooseTarget(kafkaOnly, "")
	require.NoError(t, err)
	assert.Equal(t, "kafka", target)
}

func TestDeliveryMetrics(t *testing.T) {
	m := deliveryMetrics()
	assert.IsType(t, &observability.OTelMetrics{}, m)
	assert.NotPanics(t, m.IncSent)
}

func TestSelectTransport(t *testing.T) {
	_, _, err := selectTransport(&Config{}, nil, "redis")
	assert.Error(t, err)
	_, _, err = selectTransport(&Config{}, nil, "carrier-pigeon")
	assert.Error(t, err)
	_, _, err = selectTransport(&Config{}, nil, "")
	assert.Error(t, err)

	tr, closeFn, err := selectTransport(&Config{Default: ConfigDefault{BaseURL: "http://localhost:4000"}}, nil, "")
	require.NoError(t, err)
	assert.IsType(t, &teamchat.RealtimeClient{}, tr)
	assert.NoError(t, closeFn())
}

func TestAwaitDelivery(t *testing.T) {
	ctx := context.Background()

	id, err := awaitDelivery(ctx, teamchat.SendResult{Success: true, ID: "srv-1", ClientID: "local-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", id)

	_, err = awaitDelivery(ctx, teamchat.SendResult{Err: teamchat.ErrEmptyContent}, nil)
	assert.ErrorIs(t, err, teamchat.ErrEmptyContent)

	events := make(chan teamchat.DeliveryEvent, 4)
	events <- teamchat.DeliveryEvent{Kind: teamchat.EventConfirmed, ID: "other"}
	events <- teamchat.DeliveryEvent{Kind: teamchat.EventRetrying, ID: "local-2", Attempts: 1}
	events <- teamchat.DeliveryEvent{Kind: teamchat.EventConfirmed, ID: "local-2", Record: &teamchat.MessageRecord{ID: "srv-2"}}
	id, err = awaitDelivery(ctx, teamchat.SendResult{ID: "local-2", ClientID: "local-2", Err: errors.New("503")}, events)
	require.NoError(t, err)
	assert.Equal(t, "srv-2", id)

	events <- teamchat.DeliveryEvent{Kind: teamchat.EventFailed, ID: "local-3", Attempts: 3, Err: errors.New("503")}
	_, err = awaitDelivery(ctx, teamchat.SendResult{ID: "local-3", ClientID: "local-3", Err: errors.New("503")}, events)
	assert.ErrorContains(t, err, "failed after 3 attempts")

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = awaitDelivery(short, teamchat.SendResult{ID: "local-4", ClientID: "local-4", Err: errors.New("503")}, events)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitDelivery_DryRunSession(t *testing.T) {
	store := teamchat.NewMemoryStore()
	store.FailNext(1, errors.New("temporarily unavailable"))

	session, err := teamchat.OpenSession(context.Background(), teamchat.SessionConfig{
		Conversation: "conv-1",
		Self:         teamchat.Identity{UserID: "agent-1"},
		Sink:         store,
		Retry: teamchat.RetryConfig{
			Backoff:    teamchat.Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond},
			MinSpacing: time.Millisecond,
		},
	})
	require.NoError(t, err)
	defer session.Close()

	events, unsubscribe := session.Events()
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res := session.SendMessage(ctx, "hello", "")
	require.Error(t, res.Err)

	id, err := awaitDelivery(ctx, res, events)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestDescribeTyping(t *testing.T) {
	assert.Empty(t, describeTyping(nil))
	assert.Equal(t, "Ava is typing...", describeTyping([]teamchat.TypingUser{{ID: "a", Name: "Ava"}}))
	assert.Equal(t, "Ava, Bo and Zoe are typing...", describeTyping([]teamchat.TypingUser{
		{ID: "a", Name: "Ava"}, {ID: "b", Name: "Bo"}, {ID: "z", Name: "Zoe"},
	}))
}

func TestPrintMessage(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	ts := created.Local().Format("15:04:05")

	var buf bytes.Buffer
	printMessage(&buf, teamchat.MessageRecord{SenderID: "agent-1", SenderName: "Dana", Content: "hi", CreatedAt: created})
	printMessage(&buf, teamchat.MessageRecord{SenderID: "cust-1", Content: "thanks", ReplyToID: "m-1", CreatedAt: created})

	assert.Equal(t, "["+ts+"] Dana: hi\n["+ts+"] cust-1 (reply to m-1): thanks\n", buf.String())
}

func TestReadLines(t *testing.T) {
	var got []string
	for line := range readLines(bytes.NewBufferString("hello\n\n  there  \n")) {
		got = append(got, line)
	}
	assert.Equal(t, []string{"hello", "there"}, got)
}
