package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/repobox/runner/internal/admission"
	"github.com/repobox/runner/internal/agent"
	"github.com/repobox/runner/internal/common/config"
	"github.com/repobox/runner/internal/common/logger"
	"github.com/repobox/runner/internal/crypto"
	"github.com/repobox/runner/internal/dispatcher"
	"github.com/repobox/runner/internal/executor"
	"github.com/repobox/runner/internal/git"
	"github.com/repobox/runner/internal/janitor"
	"github.com/repobox/runner/internal/job"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/provider"
	"github.com/repobox/runner/internal/server"
	"github.com/repobox/runner/internal/session"
	"github.com/repobox/runner/internal/stream"
	"github.com/repobox/runner/internal/worker"
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitSigint = 130
)

const (
	sessionOutputTTL = 7 * 24 * time.Hour
	jobOutputTTL     = 24 * time.Hour
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitFatal
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitFatal
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting runner...", zap.String("runner_id", cfg.Runner.ID))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to Redis
	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error("Invalid Redis URL", zap.Error(err))
		return exitFatal
	}
	rdb := goredis.NewClient(redisOpts)
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Error("Failed to connect to Redis", zap.Error(err))
		return exitFatal
	}
	log.Info("Connected to Redis")

	// 5. Credential decryption (validated at config load, so this cannot
	// fail with a key that passed validation)
	decryptor, err := crypto.NewDecryptor(cfg.EncryptionKey)
	if err != nil {
		log.Error("Failed to initialize decryptor", zap.Error(err))
		return exitFatal
	}

	// 6. Stores and sinks
	sessions := session.NewRedisStore(rdb)
	jobs := job.NewRedisStore(rdb)
	providers := provider.NewRedisStore(rdb, decryptor)
	sessionSink := output.NewRedisSink(rdb, sessionOutputTTL, log)
	jobSink := output.NewRedisSink(rdb, jobOutputTTL, log)
	streams := stream.NewRedisClient(rdb)
	adm := admission.NewRedisController(rdb, log)

	// 7. AI agent adapter
	aiAgent := agent.NewClaudeAgent(&agent.Config{
		Enabled:        cfg.AI.Enabled,
		Provider:       cfg.AI.Provider,
		CLIPath:        cfg.AI.CLIPath,
		APIKey:         cfg.AI.APIKey,
		Timeout:        cfg.AI.Timeout,
		MaxOutputLines: cfg.AI.MaxOutputLines,
	}, log)
	if !cfg.AI.Enabled || cfg.AI.APIKey == "" {
		log.Warn("AI agent in mock mode")
	}

	// 8. Executors
	gitAuthor := git.Options{
		AuthorName:  cfg.Git.AuthorName,
		AuthorEmail: cfg.Git.AuthorEmail,
	}
	execs := dispatcher.Executors{
		Init:   session.NewInitExecutor(sessions, providers, sessionSink, cfg.Runner.TempDir, gitAuthor, log),
		Prompt: session.NewPromptExecutor(sessions, jobs, aiAgent, sessionSink, cfg.Runner.TempDir, log),
		Push:   session.NewPushExecutor(sessions, providers, sessionSink, cfg.Runner.TempDir, gitAuthor, log),
		Legacy: executor.NewLegacyExecutor(jobs, providers, aiAgent, jobSink, cfg.Runner.TempDir, gitAuthor, log),
	}

	// 9. Worker pool and dispatcher
	pool := worker.NewPool(cfg.Runner.MaxConcurrentJobs, streams, adm.Release, log)
	pool.Start(ctx)

	disp := dispatcher.New(streams, pool, adm, sessions, jobs, execs, dispatcher.Options{
		Consumer:       cfg.Runner.ID,
		MaxJobsPerUser: cfg.Runner.MaxJobsPerUser,
		JobTimeout:     cfg.Runner.JobTimeoutDuration(),
	}, log)

	dispDone := make(chan error, 1)
	go func() { dispDone <- disp.Run(ctx) }()

	// 10. Janitor
	jan := janitor.New(sessions, cfg.Runner.TempDir, janitor.Config{
		Interval:  cfg.Cleanup.IntervalDuration(),
		MaxAge:    cfg.Cleanup.MaxAgeDuration(),
		MaxDiskMB: cfg.Cleanup.MaxDiskMB,
		OnStartup: cfg.Cleanup.OnStartup,
	}, log)
	go jan.Run(ctx)

	// 11. Operational HTTP surface
	startedAt := time.Now()
	srv := server.New(cfg.Server.Port, func() map[string]interface{} {
		return map[string]interface{}{
			"runner_id":      cfg.Runner.ID,
			"workers":        cfg.Runner.MaxConcurrentJobs,
			"uptime_seconds": int(time.Since(startedAt).Seconds()),
			"ai_enabled":     cfg.AI.Enabled && cfg.AI.APIKey != "",
		}
	}, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("Runner started",
		zap.Int("workers", cfg.Runner.MaxConcurrentJobs),
		zap.Int("max_jobs_per_user", cfg.Runner.MaxJobsPerUser))

	// 12. Wait for shutdown signal or dispatcher failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-quit:
		log.Info("Shutting down...", zap.String("signal", sig.String()))
		if sig == syscall.SIGINT {
			code = exitSigint
		}
		// Graceful drain: dispatchers stop reading, in-flight executors
		// finish, unacked messages return to the group for another runner.
		cancel()
		<-dispDone
	case err := <-dispDone:
		if err != nil {
			log.Error("Dispatcher failed", zap.Error(err))
			code = exitFatal
		}
		cancel()
	}
	pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Runner stopped")
	return code
}
