package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia/depositd/pkg/deposit"
	"github.com/custodia/depositd/pkg/events"
	"github.com/custodia/depositd/pkg/log"
	"github.com/custodia/depositd/pkg/metrics"
	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/pool"
	"github.com/custodia/depositd/pkg/registry"
	"github.com/custodia/depositd/pkg/store"
	"github.com/custodia/depositd/pkg/transport"
)

var version = "0.3.0"

var (
	dataDir            string
	repoConfigPath     string
	logLevel           string
	logJSON            bool
	workers            int
	retries            int
	depositInterval    time.Duration
	submissionInterval time.Duration
	httpTimeout        time.Duration
	shutdownGrace      time.Duration
	metricsAddr        string
	userAgent          string
	rewritePrefix      string
	rewriteReplacement string

	resetDirty bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "depositd",
		Short:   "Deposit orchestration service",
		Long:    "depositd transfers custody of submitted manuscript packages\nfrom the metadata repository to external archives and tracks the\noutcome of every transfer.",
		Version: version,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dataDir, "data-dir", envOr("DEPOSITD_DATA_DIR", "./data"), "directory holding the embedded metadata store")
	pf.StringVar(&repoConfigPath, "repositories", envOr("DEPOSITD_REPOSITORIES", "repositories.yml"), "path to the repository configuration document")
	pf.StringVar(&logLevel, "log-level", envOr("DEPOSITD_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	pf.BoolVar(&logJSON, "log-json", os.Getenv("DEPOSITD_LOG_JSON") == "true", "emit JSON logs")
	pf.IntVar(&workers, "workers", 4, "deposit worker count")
	pf.IntVar(&retries, "retries", 3, "optimistic-concurrency retry budget per update")
	pf.DurationVar(&httpTimeout, "http-timeout", 60*time.Second, "timeout for outbound HTTP calls")
	pf.StringVar(&userAgent, "user-agent", "depositd/"+version, "User-Agent for outbound HTTP calls")
	pf.StringVar(&rewritePrefix, "rewrite-prefix", os.Getenv("DEPOSITD_REWRITE_PREFIX"), "statement URL prefix to rewrite")
	pf.StringVar(&rewriteReplacement, "rewrite-replacement", os.Getenv("DEPOSITD_REWRITE_REPLACEMENT"), "replacement for the rewritten statement URL prefix")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the deposit service",
		RunE:  runService,
	}
	runCmd.Flags().DurationVar(&depositInterval, "deposit-interval", 10*time.Minute, "interval between deposit reconciliation passes")
	runCmd.Flags().DurationVar(&submissionInterval, "submission-interval", 10*time.Minute, "interval between submission aggregation passes")
	runCmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 30*time.Second, "grace period for in-flight deposits on shutdown")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", envOr("DEPOSITD_METRICS_ADDR", ":9090"), "metrics and health listen address")

	processCmd := &cobra.Command{
		Use:   "process [submission-id...]",
		Short: "Process submissions once and exit",
		Long:  "Processes the named submissions, or every eligible submitted\nsubmission when none are named, then waits for the resulting\ndeposit tasks to drain.",
		RunE:  runProcess,
	}
	processCmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 10*time.Minute, "time allowed for deposit tasks to drain")

	updateDepositsCmd := &cobra.Command{
		Use:   "update-deposits [deposit-id...]",
		Short: "Reconcile deposit statuses once and exit",
		RunE:  runUpdateDeposits,
	}
	updateDepositsCmd.Flags().BoolVar(&resetDirty, "dirty", false, "reset FAILED deposits to dirty instead of reconciling")

	updateSubmissionsCmd := &cobra.Command{
		Use:   "update-submissions [submission-id...]",
		Short: "Recompute submission aggregated statuses once and exit",
		RunE:  runUpdateSubmissions,
	}

	rootCmd.AddCommand(runCmd, processCmd, updateDepositsCmd, updateSubmissionsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// services bundles the wiring shared by every command
type services struct {
	store     store.Store
	registry  *registry.Registry
	taskCfg   deposit.TaskConfig
	failures  *deposit.FailureHandler
	pool      *pool.Pool
	processor *deposit.Processor
	updater   *deposit.Updater
	subUpd    *deposit.SubmissionUpdater
}

func wire() (*services, error) {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	metrics.SetVersion(version)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// A service that cannot read its target configuration must not start
	reg, err := registry.Load(repoConfigPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	taskCfg := deposit.TaskConfig{
		Retries:            retries,
		RewritePrefix:      rewritePrefix,
		RewriteReplacement: rewriteReplacement,
		HTTPTimeout:        httpTimeout,
		UserAgent:          userAgent,
	}

	fh := deposit.NewFailureHandler(st)
	fh.Retries = retries

	wp := pool.New(workers, fh.Deposit)
	pf := deposit.NewPackagerFactory(reg, transport.HTTPOptions{
		Timeout:   httpTimeout,
		UserAgent: userAgent,
	})
	proc := deposit.NewProcessor(st, pf, wp, fh, taskCfg)

	upd := deposit.NewUpdater(st, reg, taskCfg, depositInterval)
	upd.Redispatch = proc.Redispatch

	return &services{
		store:     st,
		registry:  reg,
		taskCfg:   taskCfg,
		failures:  fh,
		pool:      wp,
		processor: proc,
		updater:   upd,
		subUpd:    deposit.NewSubmissionUpdater(st, retries, submissionInterval),
	}, nil
}

func runService(cmd *cobra.Command, args []string) error {
	svc, err := wire()
	if err != nil {
		return err
	}
	defer svc.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.WithComponent("main")
	logger.Info().Str("version", version).
		Strs("repositories", svc.registry.Keys()).
		Int("workers", workers).
		Msg("starting depositd")

	svc.pool.Start()

	broker := events.NewBroker()
	broker.Start()
	intakeDone := make(chan struct{})
	go intake(ctx, broker, svc, intakeDone)

	svc.updater.Start(ctx)
	svc.subUpd.Start(ctx)

	go func() {
		if err := metrics.Serve(metricsAddr); err != nil {
			logger.Error().Err(err).Msg("metrics endpoint failed")
			metrics.UpdateComponent("metrics", false, err.Error())
		}
	}()

	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("pool", true, "")
	metrics.RegisterComponent("broker", true, "")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	svc.updater.Stop()
	svc.subUpd.Stop()
	broker.Stop()
	cancel()
	<-intakeDone

	graceCtx, graceCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer graceCancel()
	if err := svc.pool.Shutdown(graceCtx); err != nil {
		logger.Warn().Err(err).Msg("pool drain exceeded grace period")
	}

	logger.Info().Msg("depositd stopped")
	return nil
}

// intake consumes trigger messages and routes them to the processor or
// the deposit reconciler. Every message is acknowledged after handling.
func intake(ctx context.Context, broker *events.Broker, svc *services, done chan<- struct{}) {
	defer close(done)
	logger := log.WithComponent("intake")
	sub := broker.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			switch msg.ResourceType {
			case events.ResourceSubmission:
				if err := svc.processor.Accept(ctx, msg.ResourceID); err != nil {
					logger.Error().Err(err).Str("submission_id", msg.ResourceID).Msg("failed to process submission")
				}
			case events.ResourceDeposit:
				if err := svc.updater.RunOnce(ctx, msg.ResourceID); err != nil {
					logger.Error().Err(err).Str("deposit_id", msg.ResourceID).Msg("failed to reconcile deposit")
				}
			default:
				logger.Warn().Str("resource_type", string(msg.ResourceType)).Msg("unknown trigger resource type")
			}
			msg.Ack()
		}
	}
}

func runProcess(cmd *cobra.Command, args []string) error {
	svc, err := wire()
	if err != nil {
		return err
	}
	defer svc.store.Close()

	ctx := context.Background()
	svc.pool.Start()

	ids := args
	if len(ids) == 0 {
		ids, err = svc.store.FindByAttribute(ctx, model.KindSubmission, "submitted", "true")
		if err != nil {
			return fmt.Errorf("finding submitted submissions: %w", err)
		}
	}

	logger := log.WithComponent("process")
	logger.Info().Int("submissions", len(ids)).Msg("processing submissions")
	for _, id := range ids {
		if err := svc.processor.Accept(ctx, id); err != nil {
			logger.Error().Err(err).Str("submission_id", id).Msg("failed to process submission")
		}
	}

	graceCtx, graceCancel := context.WithTimeout(ctx, shutdownGrace)
	defer graceCancel()
	return svc.pool.Shutdown(graceCtx)
}

func runUpdateDeposits(cmd *cobra.Command, args []string) error {
	svc, err := wire()
	if err != nil {
		return err
	}
	defer svc.store.Close()

	ctx := context.Background()
	if resetDirty {
		reset, err := svc.updater.ResetFailed(ctx, args...)
		if err != nil {
			return err
		}
		logger := log.WithComponent("update-deposits")
		logger.Info().Int("reset", len(reset)).Msg("failed deposits reset to dirty")
		return nil
	}
	return svc.updater.RunOnce(ctx, args...)
}

func runUpdateSubmissions(cmd *cobra.Command, args []string) error {
	svc, err := wire()
	if err != nil {
		return err
	}
	defer svc.store.Close()

	return svc.subUpd.RunOnce(context.Background(), args...)
}
