package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/warren/pkg/adapter"
	"github.com/cuemby/warren/pkg/broker"
	"github.com/cuemby/warren/pkg/core"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/orchestrator"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/stream"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskrunner",
	Short: "Taskrunner - multi-tenant task execution and event streaming",
	Long: `Taskrunner executes adapter-defined tasks on behalf of many tenants,
streaming an ordered, hash-chained event log for each task to any number of
concurrent viewers, durably and at low latency.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"taskrunner version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Durable Store data directory")
	rootCmd.PersistentFlags().String("redis-addr", "127.0.0.1:6379", "Stream Broker (Redis) address")
	rootCmd.PersistentFlags().String("redis-password", "", "Stream Broker (Redis) password")
	rootCmd.PersistentFlags().Int("redis-db", 0, "Stream Broker (Redis) database index")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(streamCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// openStore and openBroker are shared by every subcommand: each process
// invocation is a short-lived CLI call or a long-running worker, never
// both, so there is no need to share a single connection across commands.
func openStore(cmd *cobra.Command) (*store.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return store.NewBoltStore(dataDir)
}

func openBroker(cmd *cobra.Command) *broker.Broker {
	addr, _ := cmd.Flags().GetString("redis-addr")
	password, _ := cmd.Flags().GetString("redis-password")
	db, _ := cmd.Flags().GetInt("redis-db")
	return broker.New(broker.Config{Addr: addr, Password: password, DB: db})
}

func newCore(s *store.BoltStore, b *broker.Broker) *core.Core {
	streamCfg := stream.DefaultConfig()
	streamCfg.BackfillBatchSize = int64(envInt("STREAM_READ_BATCH", int(streamCfg.BackfillBatchSize)))
	streamCfg.LiveBlockTimeout = envDuration("LIVE_BLOCK_MS", streamCfg.LiveBlockTimeout, time.Millisecond)
	streamCfg.KeepaliveInterval = envDuration("KEEPALIVE_INTERVAL_SECS", streamCfg.KeepaliveInterval, time.Second)
	reader := stream.New(s, b, log.WithComponent("stream"), streamCfg)

	coreCfg := core.DefaultConfig()
	coreCfg.DefaultTimeoutSeconds = envInt("DEFAULT_TIMEOUT_SECS", coreCfg.DefaultTimeoutSeconds)
	return core.New(s, b, reader, log.WithComponent("core"), coreCfg)
}

// envInt reads an integer environment variable, falling back to def when
// unset or unparsable.
func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(name string, def time.Duration, unit time.Duration) time.Duration {
	return time.Duration(envInt(name, int(def/unit))) * unit
}

// runCmd starts the Worker Orchestrator's main claim/dispatch loop.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Worker Orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		workerID, _ := cmd.Flags().GetString("worker-id")
		if workerID == "" {
			hostname, _ := os.Hostname()
			workerID = hostname
		}

		s, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		b := openBroker(cmd)
		defer b.Close()

		registry := adapter.NewRegistry(adapter.NewMockAdapter())

		cfg := orchestrator.DefaultConfig(workerID)
		cfg.PollInterval = envDuration("POLL_INTERVAL_SECS", cfg.PollInterval, time.Second)
		cfg.MaxConcurrentTasks = envInt("MAX_CONCURRENT_TASKS", cfg.MaxConcurrentTasks)
		cfg.ClaimBatchSize = envInt("CLAIM_BATCH_SIZE", cfg.ClaimBatchSize)
		cfg.HeartbeatInterval = envDuration("HEARTBEAT_INTERVAL_SECS", cfg.HeartbeatInterval, time.Second)
		cfg.HeartbeatTTL = envDuration("HEARTBEAT_TTL_SECS", cfg.HeartbeatTTL, time.Second)
		cfg.TimeoutGrace = envDuration("TIMEOUT_GRACE_SECS", cfg.TimeoutGrace, time.Second)

		orch := orchestrator.New(s, orchestrator.NewBrokerAdapter(b), registry, cfg)

		collector := metrics.NewCollector(s)
		collector.Start()
		defer collector.Stop()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "open")
		metrics.RegisterComponent("broker", true, "dialed")
		metrics.RegisterComponent("orchestrator", false, "starting")

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		fmt.Printf("worker %s listening for metrics/health on %s\n", workerID, metricsAddr)

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nshutting down...")
			cancel()
		}()

		metrics.RegisterComponent("orchestrator", true, "running")

		err = orch.Run(ctx)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)

		return err
	},
}

func init() {
	runCmd.Flags().String("worker-id", "", "Worker identity (defaults to hostname)")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		adapterName, _ := cmd.Flags().GetString("adapter")
		argsJSON, _ := cmd.Flags().GetString("args")
		timeout, _ := cmd.Flags().GetInt("timeout")

		var taskArgs map[string]any
		if argsJSON != "" {
			if err := json.Unmarshal([]byte(argsJSON), &taskArgs); err != nil {
				return fmt.Errorf("parse --args: %w", err)
			}
		}

		s, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()
		b := openBroker(cmd)
		defer b.Close()

		c := newCore(s, b)
		taskID, err := c.Submit(tenant, adapterName, taskArgs, timeout)
		if err != nil {
			return err
		}
		fmt.Println(taskID)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("tenant", "", "Tenant identifier")
	submitCmd.Flags().String("adapter", "mock", "Adapter name")
	submitCmd.Flags().String("args", "{}", "Task arguments, as a JSON object")
	submitCmd.Flags().Int("timeout", 0, "Task timeout in seconds (0 uses the default)")
	_ = submitCmd.MarkFlagRequired("tenant")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a task's current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		taskID, _ := cmd.Flags().GetString("task-id")

		s, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()
		b := openBroker(cmd)
		defer b.Close()

		c := newCore(s, b)
		task, err := c.Status(tenant, taskID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}

func init() {
	statusCmd.Flags().String("tenant", "", "Tenant identifier")
	statusCmd.Flags().String("task-id", "", "Task ID")
	_ = statusCmd.MarkFlagRequired("tenant")
	_ = statusCmd.MarkFlagRequired("task-id")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		taskID, _ := cmd.Flags().GetString("task-id")
		reason, _ := cmd.Flags().GetString("reason")

		s, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()
		b := openBroker(cmd)
		defer b.Close()

		c := newCore(s, b)
		if err := c.Cancel(tenant, taskID, reason); err != nil {
			return err
		}
		fmt.Println("cancel requested")
		return nil
	},
}

func init() {
	cancelCmd.Flags().String("tenant", "", "Tenant identifier")
	cancelCmd.Flags().String("task-id", "", "Task ID")
	cancelCmd.Flags().String("reason", "", "Why the task is being cancelled (defaults to \"client-requested\")")
	_ = cancelCmd.MarkFlagRequired("tenant")
	_ = cancelCmd.MarkFlagRequired("task-id")
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream a task's event log until it reaches a terminal state",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		taskID, _ := cmd.Flags().GetString("task-id")
		sinceSeq, _ := cmd.Flags().GetInt64("since-seq")

		s, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()
		b := openBroker(cmd)
		defer b.Close()

		c := newCore(s, b)

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		enc := json.NewEncoder(os.Stdout)
		return c.Stream(ctx, tenant, taskID, sinceSeq, func(item stream.Item) error {
			if item.Heartbeat {
				return nil
			}
			return enc.Encode(item.Event)
		})
	},
}

func init() {
	streamCmd.Flags().String("tenant", "", "Tenant identifier")
	streamCmd.Flags().String("task-id", "", "Task ID")
	streamCmd.Flags().Int64("since-seq", 0, "Resume from this sequence number (stream.SkipBackfill to tail only)")
	_ = streamCmd.MarkFlagRequired("tenant")
	_ = streamCmd.MarkFlagRequired("task-id")
}
