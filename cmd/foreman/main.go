package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/term"

	"foreman/pkg/coder"
	"foreman/pkg/config"
	"foreman/pkg/exec"
	"foreman/pkg/llm"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/persistence"
	"foreman/pkg/queue"
	"foreman/pkg/scheduler"
	"foreman/pkg/sessions"
	"foreman/pkg/stages"
	"foreman/pkg/tracker"
	"foreman/pkg/version"
	"foreman/pkg/webhook"
	"foreman/pkg/workers"
	"foreman/pkg/workspace"
)

// How long shutdown waits for the processor, the pool, and any running
// cycle to drain before giving up.
const stopTimeout = 30 * time.Second

func main() {
	var (
		dir         = flag.String("dir", ".", "Project directory holding .foreman/")
		configPath  = flag.String("config", "", "Config file path (default: <dir>/.foreman/config.yaml)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("foreman %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	os.Exit(run(*dir, *configPath))
}

// run contains the daemon logic and returns an exit code, so defers here
// execute before os.Exit is called.
func run(dir, configPath string) int {
	logger := logx.NewLogger("foreman")

	if configPath == "" {
		configPath = filepath.Join(dir, ".foreman", "config.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	logx.SetDebug(cfg.Debug)

	// Credentials must be in memory before anything resolves a secret:
	// the tracker token, the webhook secret, and the stage API keys all
	// go through config.GetSecret.
	if err := loadSecrets(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load secrets: %v\n", err)
		return 1
	}

	store, err := persistence.Open(resolvePath(dir, cfg.Storage.DBPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	rec := metrics.NewPrometheusRecorder()
	trk := tracker.New(cfg.Tracker, rec)
	coordQueue := queue.NewCoordination(store, cfg.Queues, rec)
	execQueue := queue.NewExecution(store, cfg.Queues, rec)

	llmClient, err := llm.NewFromConfig(cfg.Stages)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build stage LLM client: %v\n", err)
		return 1
	}
	pipeline := stages.New(llmClient, cfg.Stages, rec)

	sched := scheduler.New(trk, coordQueue, execQueue, cfg.Scheduler)
	proc := scheduler.NewProcessor(store, coordQueue, execQueue, trk, pipeline, sched)

	spaces := workspace.NewManager(resolvePath(dir, cfg.Storage.WorkRoot), cfg.Agent)
	runner := coder.NewRunner(exec.NewLocalExec(), cfg.Agent)
	pool := workers.New(execQueue, store, runner, spaces, trk, rec)
	sessMgr := sessions.NewManager(store, execQueue, spaces)

	websrv, err := webhook.NewServer(store, coordQueue, trk.Limits(), cfg.Webhook, rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build webhook server: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Crash recovery before anything new starts: sessions left active by a
	// dead process become resumable, and stuck rows go back to pending.
	if n, err := sessMgr.StartupSweep(); err != nil {
		logger.Error("Startup session sweep failed: %v", err)
	} else if n > 0 {
		logger.Info("Startup sweep flagged %d session(s) for resume", n)
	}
	if n, err := coordQueue.ResetStuck(); err != nil {
		logger.Error("Coordination stuck reset failed: %v", err)
	} else if n > 0 {
		logger.Info("Requeued %d stuck coordination task(s)", n)
	}
	if n, err := execQueue.ResetStuck(); err != nil {
		logger.Error("Execution stuck reset failed: %v", err)
	} else if n > 0 {
		logger.Info("Requeued %d stuck execution task(s)", n)
	}

	// Best-effort: learn the quota window before the first poll spends it.
	trk.CheckQuota(ctx)

	cycles := cron.New()
	schedule(cycles, logger, "poll", cfg.Scheduler.PollInterval(), func() error {
		return sched.PollOnce(ctx)
	})
	schedule(cycles, logger, "response-check", cfg.Scheduler.ResponseCheckInterval(), func() error {
		return sched.CheckResponsesOnce(ctx)
	})
	schedule(cycles, logger, "stuck-reset", time.Duration(cfg.Queues.StuckSweepMinutes)*time.Minute, func() error {
		if _, err := coordQueue.ResetStuck(); err != nil {
			return err
		}
		_, err := execQueue.ResetStuck()
		return err
	})
	schedule(cycles, logger, "session-sweep", time.Duration(cfg.Queues.StuckSweepMinutes)*time.Minute, func() error {
		_, err := sessMgr.SweepStale(cfg.Queues.SessionStale())
		return err
	})
	schedule(cycles, logger, "ledger-purge", time.Duration(cfg.Webhook.PurgeIntervalHours)*time.Hour, func() error {
		_, err := websrv.PurgeLedger()
		return err
	})
	schedule(cycles, logger, "task-cleanup", 24*time.Hour, func() error {
		_, err := store.CleanupTasks(cfg.Queues.Retention())
		return err
	})
	cycles.Start()

	if err := websrv.StartServer(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start webhook server: %v\n", err)
		return 1
	}
	if err := pool.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start worker pool: %v\n", err)
		return 1
	}
	if err := proc.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start coordination processor: %v\n", err)
		return 1
	}

	logger.Info("Foreman %s is up: webhook on %s, %d execution worker(s), polling every %s",
		version.Version, cfg.Webhook.Addr, cfg.Queues.ExecutionConcurrency, cfg.Scheduler.PollInterval())

	<-ctx.Done()
	logger.Info("Shutdown signal received; draining")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()

	cronDone := cycles.Stop()
	if err := proc.Stop(stopCtx); err != nil {
		logger.Error("Processor stop: %v", err)
	}
	if err := pool.Stop(stopCtx); err != nil {
		logger.Error("Worker pool stop: %v", err)
	}
	select {
	case <-cronDone.Done():
	case <-stopCtx.Done():
		logger.Warn("Timed out waiting for scheduled cycles to finish")
	}

	logger.Info("Shutdown complete")
	return 0
}

// schedule registers one recurring cycle. A failing cycle logs and waits
// for its next tick; nothing here retries early.
func schedule(c *cron.Cron, logger *logx.Logger, name string, every time.Duration, fn func() error) {
	spec := "@every " + every.String()
	_, err := c.AddFunc(spec, func() {
		if err := fn(); err != nil {
			logger.Error("%s cycle failed: %v", name, err)
		}
	})
	if err != nil {
		logger.Error("Failed to schedule %s cycle (%s): %v", name, spec, err)
	}
}

// loadSecrets decrypts the secrets file into memory when one exists. The
// passphrase comes from FOREMAN_PASSPHRASE or an interactive prompt. With
// no file, every secret falls through to the environment.
func loadSecrets(dir string) error {
	if !config.SecretsFileExists(dir) {
		logx.Infof("No secrets file found; credentials come from the environment")
		return nil
	}

	passphrase := os.Getenv("FOREMAN_PASSPHRASE")
	if passphrase == "" {
		fmt.Print("Secrets passphrase: ")
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read passphrase: %w", err)
		}
		passphrase = string(raw)
	}

	secrets, err := config.DecryptSecretsFile(dir, passphrase)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	logx.Infof("Loaded %d secret(s) from encrypted file", len(secrets))
	return nil
}

// resolvePath anchors a relative config path at the project directory.
func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
