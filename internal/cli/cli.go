// ============================================================================
// onefuzz-events CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that run and operate the file-change service
//
// Command Structure:
//   onefuzz-events                  # Root command
//   ├── run                         # Start the service
//   ├── enqueue                     # Submit raw change messages
//   │   ├── --file, -f              # JSON array of messages
//   │   └── --server                # Remote service address
//   ├── status                      # Show configuration and counters
//   ├── notification add|remove     # Manage container subscriptions
//   ├── task put|set-state          # Manage the task directory
//   ├── queue list|read             # Inspect task input queues
//   ├── --config, -c                # Config file (default configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config file and set up logging
//   2. Build the pipeline (registry, storage, secrets, notifiers, queues)
//   3. Start the transport and the gRPC FileChanges server
//   4. Start Metrics HTTP server (if enabled)
//   5. Wait for SIGINT / SIGTERM, then stop gracefully
//
// enqueue Command:
//   Messages file is a JSON array. Each element is either a change
//   message object or a string holding one:
//   [
//     {"eventType": "Microsoft.Storage.BlobCreated", "topic": "...", "data": "{...}"}
//   ]
//   Without --server the messages are processed in-process and the command
//   waits until the transport is idle.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/tevoinea/onefuzz/internal/metrics"
	"github.com/tevoinea/onefuzz/internal/queue"
	"github.com/tevoinea/onefuzz/internal/registry"
	"github.com/tevoinea/onefuzz/internal/server"
	"github.com/tevoinea/onefuzz/pkg/types"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "onefuzz-events",
		Short: "onefuzz-events: routes new fuzzing artifacts to notifications and task queues",
		Long: `onefuzz-events consumes storage change messages and, for every new file:
- notifies the subscriptions registered for its container
- queues it as input for tasks monitoring the container
- emits telemetry for crash and regression reports`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildNotificationCommand())
	rootCmd.AddCommand(buildTaskCommand())
	rootCmd.AddCommand(buildQueueCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the file-change service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := setupLogging(cfg, os.Stderr); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg)
		},
	}
}

func runService(ctx context.Context, cfg *Config) error {
	log.Printf("Starting onefuzz-events with config: %s\n", configFile)

	collector := metrics.NewCollector()
	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	a, err := newApp(ctx, cfg, collector)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Printf("Shutdown error: %v\n", err)
		}
	}()

	if err := a.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Service.GRPCPort, err)
	}

	grpcServer := grpc.NewServer()
	server.NewServer(a.transport).Register(grpcServer)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(lis)
	}()
	log.Printf("gRPC server listening on :%d\n", cfg.Service.GRPCPort)

	select {
	case <-ctx.Done():
		log.Println("Received shutdown signal, stopping gracefully...")
	case err := <-serveErr:
		return fmt.Errorf("gRPC server failed: %w", err)
	}

	grpcServer.GracefulStop()
	log.Println("Service stopped. Goodbye!")
	return nil
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var (
		messagesFile string
		serverAddr   string
		wait         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue change messages from a JSON file",
		Long:  "Read raw change messages from a JSON file and enqueue them. Use --server to submit to a running service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if messagesFile == "" {
				return fmt.Errorf("messages file is required (use --file or -f)")
			}
			messages, err := readMessages(messagesFile)
			if err != nil {
				return err
			}
			if serverAddr != "" {
				return enqueueRemote(cmd.Context(), cmd.OutOrStdout(), serverAddr, messages)
			}
			return enqueueLocal(cmd.Context(), cmd.OutOrStdout(), messages, wait)
		},
	}

	cmd.Flags().StringVarP(&messagesFile, "file", "f", "", "JSON file containing change messages")
	cmd.Flags().StringVar(&serverAddr, "server", "", "service address (e.g. localhost:50051) for remote submission")
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for local processing")
	cmd.MarkFlagRequired("file")

	return cmd
}

// readMessages decodes a JSON array whose elements are message objects or
// strings containing one.
func readMessages(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}

	messages := make([][]byte, 0, len(raw))
	for i, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			messages = append(messages, []byte(s))
			continue
		}
		if len(r) == 0 || r[0] != '{' {
			return nil, fmt.Errorf("message %d: expected an object or a string", i)
		}
		messages = append(messages, []byte(r))
	}
	return messages, nil
}

type enqueuer interface {
	Enqueue(ctx context.Context, body []byte) (string, error)
}

func submitAll(ctx context.Context, out io.Writer, target enqueuer, messages [][]byte) int {
	submitted := 0
	for i, body := range messages {
		id, err := target.Enqueue(ctx, body)
		if err != nil {
			log.Printf("Failed to submit message %d: %v\n", i, err)
			continue
		}
		fmt.Fprintf(out, "Enqueued message %s\n", id)
		submitted++
	}
	return submitted
}

func enqueueRemote(ctx context.Context, out io.Writer, addr string, messages [][]byte) error {
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	n := submitAll(ctx, out, client, messages)
	fmt.Fprintf(out, "Successfully submitted %d/%d messages to %s\n", n, len(messages), addr)
	return nil
}

func enqueueLocal(ctx context.Context, out io.Writer, messages [][]byte, wait time.Duration) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogging(cfg, os.Stderr); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	n := submitAll(ctx, out, a.transport, messages)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := a.transport.WaitIdle(waitCtx); err != nil {
		return fmt.Errorf("messages still pending after %s: %w", wait, err)
	}

	stats := a.transport.Stats()
	fmt.Fprintf(out, "Processed %d/%d messages (completed: %d, dead: %d)\n",
		n, len(messages), stats.Completed, stats.Dead)
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), serverAddr)
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "", "query a running service for transport counters")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, serverAddr string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	fmt.Fprintln(out, "  onefuzz-events status")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	fmt.Fprintf(out, "  Config:          %s\n", configFile)
	fmt.Fprintf(out, "  gRPC port:       %d\n", cfg.Service.GRPCPort)
	fmt.Fprintf(out, "  Corpus accounts: %v\n", cfg.Service.CorpusAccounts)
	fmt.Fprintf(out, "  Workers:         %d\n", cfg.Transport.Workers)
	fmt.Fprintf(out, "  Storage:         %s\n", cfg.Storage.Endpoint)
	fmt.Fprintf(out, "  Queue dir:       %s\n", cfg.Queue.Dir)

	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		fmt.Fprintf(out, "  Registry:        unavailable (%v)\n", err)
	} else {
		notifications, tasks := reg.Counts()
		fmt.Fprintf(out, "  Registry:        %s (%d notifications, %d tasks)\n", reg.Path(), notifications, tasks)
	}

	depths, err := queueDepths(cfg)
	if err != nil {
		fmt.Fprintf(out, "  Input queues:    unavailable (%v)\n", err)
	} else {
		total := 0
		for _, d := range depths {
			total += d.length
		}
		fmt.Fprintf(out, "  Input queues:    %d (%d inputs)\n", len(depths), total)
	}

	if serverAddr != "" {
		client, err := server.Dial(serverAddr)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		status, err := client.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", serverAddr, err)
		}
		fmt.Fprintln(out, "  Transport:")
		for _, key := range []string{"uptime", "workers", "pending", "in_flight", "completed", "dead"} {
			fmt.Fprintf(out, "    %-10s %v\n", key+":", status[key])
		}
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// notification / task
// ============================================================================

func openRegistry() (*registry.Registry, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return registry.Open(cfg.Registry.Path)
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func buildNotificationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notification",
		Short: "Manage container notifications",
	}

	var file string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a notification from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var n types.Notification
			if err := readJSONFile(file, &n); err != nil {
				return err
			}
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			added, err := reg.AddNotification(n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added notification %s for %s\n", added.NotificationID, added.Container)
			return nil
		},
	}
	add.Flags().StringVarP(&file, "file", "f", "", "notification JSON file")
	add.MarkFlagRequired("file")

	remove := &cobra.Command{
		Use:   "remove <notification-id>",
		Short: "Remove a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid notification id: %w", err)
			}
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			if err := reg.RemoveNotification(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed notification %s\n", id)
			return nil
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func buildTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the task directory",
	}

	var file string
	put := &cobra.Command{
		Use:   "put",
		Short: "Insert or replace a task from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var task types.Task
			if err := readJSONFile(file, &task); err != nil {
				return err
			}
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			if err := reg.PutTask(task); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored task %s (%s)\n", task.TaskID, task.State)
			return nil
		},
	}
	put.Flags().StringVarP(&file, "file", "f", "", "task JSON file")
	put.MarkFlagRequired("file")

	setState := &cobra.Command{
		Use:   "set-state <task-id> <state>",
		Short: "Change a task's state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id: %w", err)
			}
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			state := types.TaskState(args[1])
			if err := reg.SetTaskState(id, state); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s\n", id, state)
			return nil
		},
	}

	cmd.AddCommand(put, setState)
	return cmd
}

// ============================================================================
// queue
// ============================================================================

type queueDepth struct {
	name   string
	length int
}

func queueDepths(cfg *Config) ([]queueDepth, error) {
	publisher, err := queue.NewPublisher(cfg.Queue.Dir, false)
	if err != nil {
		return nil, err
	}
	defer publisher.Close()

	names, err := publisher.Queues()
	if err != nil {
		return nil, err
	}
	depths := make([]queueDepth, 0, len(names))
	for _, name := range names {
		n, err := publisher.Len(name)
		if err != nil {
			return nil, err
		}
		depths = append(depths, queueDepth{name: name, length: n})
	}
	return depths, nil
}

func buildQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect task input queues",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List input queues and their lengths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			depths, err := queueDepths(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range depths {
				fmt.Fprintf(out, "%s\t%d\n", d.name, d.length)
			}
			return nil
		},
	}

	read := &cobra.Command{
		Use:   "read <task-id>",
		Short: "Print the inputs queued for a task, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id: %w", err)
			}
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			publisher, err := queue.NewPublisher(cfg.Queue.Dir, false)
			if err != nil {
				return err
			}
			defer publisher.Close()

			payloads, err := publisher.Read(id.String())
			if err != nil {
				return err
			}
			for _, p := range payloads {
				fmt.Fprintln(cmd.OutOrStdout(), string(p))
			}
			return nil
		},
	}

	cmd.AddCommand(list, read)
	return cmd
}
