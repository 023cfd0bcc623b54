package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tevoinea/onefuzz/internal/queue"
	"github.com/tevoinea/onefuzz/internal/registry"
	"github.com/tevoinea/onefuzz/internal/storage"
	"github.com/tevoinea/onefuzz/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// writeTestConfig writes a config whose state lives under dir and whose
// storage endpoint is never contacted.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	content := `
service:
  instance_url: https://onefuzz.example.com
  corpus_accounts: [corpus]
  dispatch_concurrency: 2
transport:
  workers: 2
  visibility_timeout: 5s
  journal_path: ` + filepath.Join(dir, "data", "transport.journal") + `
  dead_letter_path: ` + filepath.Join(dir, "data", "dead-letter.log") + `
storage:
  endpoint: localhost:9000
  region: us-east-1
registry:
  path: ` + filepath.Join(dir, "data", "registry.json") + `
queue:
  dir: ` + filepath.Join(dir, "data", "queues") + `
events:
  path: ` + filepath.Join(dir, "data", "events.log") + `
log:
  level: warn
`
	return writeFile(t, dir, "config.yaml", content)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// ============================================================================
// Command Structure Tests
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "onefuzz-events", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "enqueue", "status", "notification", "task", "queue"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildEnqueueCommand(t *testing.T) {
	cmd := buildEnqueueCommand()

	assert.Equal(t, "enqueue", cmd.Use)

	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand)
	assert.NotNil(t, cmd.Flags().Lookup("server"))
	assert.NotNil(t, cmd.Flags().Lookup("wait"))
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use)
	assert.Contains(t, cmd.Short, "status")
	assert.NotNil(t, cmd.Flags().Lookup("server"))
}

// ============================================================================
// Configuration Tests
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
service:
  grpc_port: 6000
  corpus_accounts: [a, b]
  route_timeout: 90s
transport:
  workers: 8
  visibility_timeout: 2m
storage:
  endpoint: minio:9000
  access_key: env://MINIO_ACCESS_KEY
  url_expiry: 48h
metrics:
  enabled: true
  port: 9100
log:
  level: debug
  format: json
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Service.GRPCPort)
	assert.Equal(t, []string{"a", "b"}, cfg.Service.CorpusAccounts)
	assert.Equal(t, 90*time.Second, cfg.Service.RouteTimeout)
	assert.Equal(t, 8, cfg.Transport.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Transport.VisibilityTimeout)
	assert.Equal(t, "env://MINIO_ACCESS_KEY", cfg.Storage.AccessKey)
	assert.Equal(t, 48*time.Hour, cfg.Storage.URLExpiry)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "service:\n  instance_url: https://x\n")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 50051, cfg.Service.GRPCPort)
	assert.Equal(t, 4, cfg.Service.DispatchConcurrency)
	assert.Equal(t, 4, cfg.Transport.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Transport.VisibilityTimeout)
	assert.Equal(t, storage.MaxURLExpiry, cfg.Storage.URLExpiry)
	assert.Equal(t, "data/registry.json", cfg.Registry.Path)
	assert.Equal(t, "data/queues", cfg.Queue.Dir)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "service: [unclosed")

	_, err := loadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_URLExpiryTooLong(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "storage:\n  url_expiry: 720h\n")

	_, err := loadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.url_expiry")
}

// The shipped configuration must produce a store that can sign URLs.
func TestLoadConfig_DefaultFileSigns(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 168*time.Hour, cfg.Storage.URLExpiry)

	store, err := storage.New(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: "access",
		SecretKey: "secret",
		Region:    cfg.Storage.Region,
		UseSSL:    cfg.Storage.UseSSL,
		URLExpiry: cfg.Storage.URLExpiry,
	})
	require.NoError(t, err)

	signed, err := store.FileURL(context.Background(), "mycontainer", "crashes/001.json")
	require.NoError(t, err)
	assert.Contains(t, signed, "X-Amz-Expires=604800")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		slog.SetLogLoggerLevel(slog.LevelInfo)
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags)
	})

	var buf bytes.Buffer
	cfg := &Config{}
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"
	require.NoError(t, setupLogging(cfg, &buf))

	slog.Info("hidden")
	slog.Warn("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])

	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"bad level", "loud", "text"},
		{"bad format", "info", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Log.Level = tt.level
			cfg.Log.Format = tt.format
			assert.Error(t, setupLogging(cfg, &buf))
		})
	}
}

// ============================================================================
// enqueue Tests
// ============================================================================

func TestReadMessages(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "messages.json", `[
  {"eventType": "Microsoft.Storage.BlobCreated", "topic": "corpus"},
  "{\"eventType\":\"Other\"}"
]`)

	messages, err := readMessages(path)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.JSONEq(t, `{"eventType": "Microsoft.Storage.BlobCreated", "topic": "corpus"}`, string(messages[0]))
	assert.Equal(t, `{"eventType":"Other"}`, string(messages[1]))

	bad := writeFile(t, dir, "bad.json", `[42]`)
	_, err = readMessages(bad)
	assert.Error(t, err)

	notArray := writeFile(t, dir, "object.json", `{"eventType":"x"}`)
	_, err = readMessages(notArray)
	assert.Error(t, err)
}

func TestEnqueueLocal(t *testing.T) {
	dir := t.TempDir()
	config := writeTestConfig(t, dir)

	blobCreated := map[string]string{
		"eventType": "Microsoft.Storage.BlobCreated",
		"topic":     "corpus",
		"data":      `{"url":"https://corpus.blob.core.windows.net/crashes/input.bin"}`,
	}
	created, err := json.Marshal(blobCreated)
	require.NoError(t, err)
	messages, err := json.Marshal([]json.RawMessage{
		created,
		json.RawMessage(`{"eventType":"Microsoft.Storage.BlobDeleted","topic":"corpus"}`),
	})
	require.NoError(t, err)
	file := writeFile(t, dir, "messages.json", string(messages))

	out, err := execute(t, "-c", config, "enqueue", "-f", file, "--wait", "10s")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "Enqueued message"))
	assert.Contains(t, out, "Processed 2/2 messages (completed: 2, dead: 0)")
	assert.FileExists(t, filepath.Join(dir, "data", "events.log"))
}

func TestEnqueueRequiresFile(t *testing.T) {
	config := writeTestConfig(t, t.TempDir())
	_, err := execute(t, "-c", config, "enqueue")
	assert.Error(t, err)
}

// ============================================================================
// Registry Command Tests
// ============================================================================

func TestNotificationAndTaskCommands(t *testing.T) {
	dir := t.TempDir()
	config := writeTestConfig(t, dir)

	notification := writeFile(t, dir, "notification.json", `{
  "container": "crashes",
  "config": {"teams_template": {"url": "env://TEAMS_WEBHOOK"}}
}`)
	out, err := execute(t, "-c", config, "notification", "add", "-f", notification)
	require.NoError(t, err)
	assert.Contains(t, out, "Added notification")

	taskID := uuid.New()
	task := writeFile(t, dir, "task.json", `{
  "job_id": "`+uuid.NewString()+`",
  "task_id": "`+taskID.String()+`",
  "state": "running",
  "config": {"task": {"type": "libfuzzer_crash_report", "duration": 1},
             "containers": [{"type": "crashes", "name": "crashes"}]}
}`)
	out, err = execute(t, "-c", config, "task", "put", "-f", task)
	require.NoError(t, err)
	assert.Contains(t, out, "Stored task "+taskID.String())

	_, err = execute(t, "-c", config, "task", "set-state", taskID.String(), string(types.TaskStopped))
	require.NoError(t, err)

	reg, err := registry.Open(filepath.Join(dir, "data", "registry.json"))
	require.NoError(t, err)
	notifications, tasks := reg.Counts()
	assert.Equal(t, 1, notifications)
	assert.Equal(t, 1, tasks)

	stored, err := reg.GetByTaskID(context.Background(), taskID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, types.TaskStopped, stored.State)

	list, err := reg.ListByContainer(context.Background(), "crashes")
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = execute(t, "-c", config, "notification", "remove", list[0].NotificationID.String())
	require.NoError(t, err)

	_, err = execute(t, "-c", config, "notification", "remove", "not-a-uuid")
	assert.Error(t, err)

	out, err = execute(t, "-c", config, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "(0 notifications, 1 tasks)")
}

// ============================================================================
// Queue Command Tests
// ============================================================================

func TestQueueCommands(t *testing.T) {
	dir := t.TempDir()
	config := writeTestConfig(t, dir)

	taskID := uuid.New()
	publisher, err := queue.NewPublisher(filepath.Join(dir, "data", "queues"), false)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, publisher.Publish(ctx, taskID.String(), []byte("https://storage/c/one")))
	require.NoError(t, publisher.Publish(ctx, taskID.String(), []byte("https://storage/c/two")))
	require.NoError(t, publisher.Close())

	out, err := execute(t, "-c", config, "queue", "list")
	require.NoError(t, err)
	assert.Equal(t, taskID.String()+"\t2\n", out)

	out, err = execute(t, "-c", config, "queue", "read", taskID.String())
	require.NoError(t, err)
	assert.Equal(t, "https://storage/c/one\nhttps://storage/c/two\n", out)

	_, err = execute(t, "-c", config, "queue", "read", "not-a-uuid")
	assert.Error(t, err)

	out, err = execute(t, "-c", config, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Input queues:    1 (2 inputs)")
}
