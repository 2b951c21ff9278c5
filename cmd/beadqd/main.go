// Command beadqd operates a beadqueue engine standalone: push/pop/complete/
// release one job at a time, run the janitor, or print queue stats. It is
// not the production RPC surface (that is explicitly out of scope, §1) —
// it is the operator's toolbox for a single KV-backed instance, following
// cmd/bd/main.go's cobra command-tree style.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/beadqueue/engine/internal/config"
	"github.com/beadqueue/engine/internal/kv"
	"github.com/beadqueue/engine/internal/queue"
	"github.com/beadqueue/engine/internal/telemetry"
)

var (
	cfgPath  string
	dbPath   string
	jsonOut  bool
	rootCtx  context.Context
	rootStop context.CancelFunc
)

func main() {
	rootCtx, rootStop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootStop()

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, "beadqd:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "beadqd",
	Short: "Operate a beadqueue job queue engine",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "beadqueue.toml", "path to the project config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path override (default: config's db_path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON instead of human-readable text")

	rootCmd.AddCommand(pushCmd, popCmd, completeCmd, releaseCmd, janitorCmd, statsCmd, healthCmd)
}

func loadEngine() (*queue.Engine, config.Config, telemetry.Shutdown, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	shutdown, err := telemetry.Setup(cfg.OTelEnabled)
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("setup telemetry: %w", err)
	}

	store, err := kv.OpenSQLite(cfg.DBPath, cfg.BusyTimeoutMillis)
	if err != nil {
		shutdown(context.Background())
		return nil, config.Config{}, nil, fmt.Errorf("open store: %w", err)
	}

	logLevel := slog.LevelInfo
	if jsonOut {
		logLevel = slog.LevelWarn
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	engine := queue.NewEngine(store, log, cfg.JanitorBatchSize)
	return engine, cfg, shutdown, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

var (
	pushTeam     string
	pushJobID    string
	pushData     string
	pushPriority int32
	pushTimeout  int64
	pushCrawlID  string
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Enqueue a job for a team",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, shutdown, err := loadEngine()
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		if pushJobID == "" {
			pushJobID = uuid.NewString()
		}

		opts := queue.PushOptions{}
		if pushTimeout > 0 {
			opts.TimeoutMillis = &pushTimeout
		}
		if pushCrawlID != "" {
			opts.CrawlID = &pushCrawlID
		}

		if err := engine.PushJob(cmd.Context(), nowMillis(), pushTeam, pushJobID, json.RawMessage(pushData), pushPriority, opts); err != nil {
			return err
		}
		fmt.Println(pushJobID)
		return nil
	},
}

var (
	popTeam          string
	popWorkerID      string
	popBlockedCrawls []string
)

var popCmd = &cobra.Command{
	Use:   "pop",
	Short: "Claim the next eligible job for a team",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, shutdown, err := loadEngine()
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		if popWorkerID == "" {
			popWorkerID = uuid.NewString()
		}

		blocked := make(map[string]struct{}, len(popBlockedCrawls))
		for _, c := range popBlockedCrawls {
			blocked[c] = struct{}{}
		}

		popped, ok, err := engine.PopNextJob(cmd.Context(), nowMillis(), popTeam, popWorkerID, blocked)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(no job available)")
			return nil
		}
		out, err := json.Marshal(struct {
			Job            queue.Job `json:"job"`
			QueueKeyHandle string    `json:"queueKeyHandle"`
		}{popped.Job, popped.QueueKeyHandle})
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var completeHandle string

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Complete a claimed job by its queue key handle",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, shutdown, err := loadEngine()
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		ok, err := engine.CompleteJob(cmd.Context(), completeHandle)
		if err != nil {
			return err
		}
		if ok {
			fmt.Println("completed")
		} else {
			fmt.Println("already gone")
		}
		return nil
	},
}

var releaseJobID string

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release a claim without completing the job",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, shutdown, err := loadEngine()
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		return engine.ReleaseJob(cmd.Context(), releaseJobID)
	},
}

var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Run janitor maintenance routines",
}

var janitorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single janitor pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, shutdown, err := loadEngine()
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		engine.RunJanitorPass(cmd.Context(), nowMillis())
		return nil
	},
}

var janitorLoopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Run janitor passes on the configured interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cfg, shutdown, err := loadEngine()
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		interval := cfg.JanitorInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			engine.RunJanitorPass(cmd.Context(), nowMillis())
			select {
			case <-cmd.Context().Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	janitorCmd.AddCommand(janitorRunCmd, janitorLoopCmd)
}

var statsTeam string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue and active-job counts for a team",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, shutdown, err := loadEngine()
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		queued, err := engine.GetTeamQueueCount(cmd.Context(), statsTeam)
		if err != nil {
			return err
		}
		active, err := engine.GetActiveJobCount(cmd.Context(), statsTeam)
		if err != nil {
			return err
		}
		fmt.Printf("team=%s queued=%d active=%d\n", statsTeam, queued, active)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the KV substrate is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, shutdown, err := loadEngine()
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		if err := engine.HealthCheck(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

func init() {
	pushCmd.Flags().StringVar(&pushTeam, "team", "", "team id (required)")
	pushCmd.Flags().StringVar(&pushJobID, "job-id", "", "job id (default: random uuid)")
	pushCmd.Flags().StringVar(&pushData, "data", "{}", "job payload as a JSON string")
	pushCmd.Flags().Int32Var(&pushPriority, "priority", 0, "job priority, higher pops first")
	pushCmd.Flags().Int64Var(&pushTimeout, "timeout-ms", 0, "time-to-live in milliseconds (0 = no TTL)")
	pushCmd.Flags().StringVar(&pushCrawlID, "crawl-id", "", "crawl group id, if any")
	_ = pushCmd.MarkFlagRequired("team")

	popCmd.Flags().StringVar(&popTeam, "team", "", "team id (required)")
	popCmd.Flags().StringVar(&popWorkerID, "worker-id", "", "worker id (default: random uuid)")
	popCmd.Flags().StringSliceVar(&popBlockedCrawls, "blocked-crawl", nil, "crawl ids to skip, may repeat")
	_ = popCmd.MarkFlagRequired("team")

	completeCmd.Flags().StringVar(&completeHandle, "handle", "", "queue key handle returned by pop (required)")
	_ = completeCmd.MarkFlagRequired("handle")

	releaseCmd.Flags().StringVar(&releaseJobID, "job-id", "", "job id to release (required)")
	_ = releaseCmd.MarkFlagRequired("job-id")

	statsCmd.Flags().StringVar(&statsTeam, "team", "", "team id (required)")
	_ = statsCmd.MarkFlagRequired("team")
}
