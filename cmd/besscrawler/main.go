// Package main wires together the crawler service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/api"
	"github.com/netzspeicher/bess-crawler/internal/clock/system"
	"github.com/netzspeicher/bess-crawler/internal/config"
	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/discover"
	"github.com/netzspeicher/bess-crawler/internal/dispatcher"
	"github.com/netzspeicher/bess-crawler/internal/fetch"
	"github.com/netzspeicher/bess-crawler/internal/hash/sha256"
	"github.com/netzspeicher/bess-crawler/internal/headless"
	"github.com/netzspeicher/bess-crawler/internal/id/uuid"
	"github.com/netzspeicher/bess-crawler/internal/logging"
	"github.com/netzspeicher/bess-crawler/internal/metrics"
	"github.com/netzspeicher/bess-crawler/internal/pdf"
	"github.com/netzspeicher/bess-crawler/internal/progress"
	"github.com/netzspeicher/bess-crawler/internal/progress/sinks"
	memorypublisher "github.com/netzspeicher/bess-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/netzspeicher/bess-crawler/internal/publisher/pubsub"
	"github.com/netzspeicher/bess-crawler/internal/queue"
	queuememory "github.com/netzspeicher/bess-crawler/internal/queue/memory"
	"github.com/netzspeicher/bess-crawler/internal/resolve"
	"github.com/netzspeicher/bess-crawler/internal/store"
	storagegcs "github.com/netzspeicher/bess-crawler/internal/storage/gcs"
	storagelocal "github.com/netzspeicher/bess-crawler/internal/storage/local"
	storagememory "github.com/netzspeicher/bess-crawler/internal/storage/memory"
	"github.com/netzspeicher/bess-crawler/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "path to config file")
	modeFlag := flag.String("mode", "", "run mode override (fast|deep)")
	muniFlag := flag.String("municipalities", "", "municipality seed CSV override")
	oneshot := flag.Bool("oneshot", false, "crawl the seed list, drain the queue and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}
	if *modeFlag != "" {
		cfg.Mode = *modeFlag
		if _, err := crawler.ParseRunMode(cfg.Mode); err != nil {
			fmt.Fprintf(os.Stderr, "invalid mode: %v\n", err)
			return 1
		}
	}
	if *muniFlag != "" {
		cfg.Municipalities = *muniFlag
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runService(ctx, cfg, *oneshot, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		return 1
	}
	return 0
}

func runService(ctx context.Context, cfg config.Config, oneshot bool, logger *zap.Logger) error {
	clock := system.New()
	ids := uuid.New()
	hasher := sha256.New()

	// Persistence: Postgres when configured, in-memory otherwise (dev and
	// smoke runs).
	var (
		st  crawler.Store
		dir resolve.Directory
	)
	if cfg.DB.URL != "" {
		pg, err := store.New(ctx, store.Config{
			DSN:      cfg.DB.URL,
			MaxConns: int32(cfg.DB.MaxConns),
		}, logger.Named("store"))
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pg.Close()
		st, dir = pg, pg
	} else {
		logger.Warn("no database configured, results are kept in memory")
		mem := store.NewMemory()
		st, dir = mem, mem
	}

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	jobQueue, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = jobQueue.Close() }()

	var publisher crawler.Publisher
	topic := cfg.PubSub.Topic
	if topic == "" {
		topic = "procedures"
	}
	if cfg.PubSub.Enabled {
		client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("connect pubsub: %w", err)
		}
		p := pubsubpublisher.New(client)
		defer p.Close()
		publisher = p
	} else {
		// Without Pub/Sub the last procedure events stay inspectable in
		// process.
		publisher = memorypublisher.New(0)
	}

	fetcher, err := fetch.New(fetch.Config{
		UserAgent:          cfg.UserAgent,
		Timeout:            cfg.Timeout(),
		Retries:            cfg.Retries,
		GlobalConcurrency:  cfg.GlobalConcurrency,
		PerHostConcurrency: cfg.PerDomainConcurrency,
		CacheBase:          cfg.CacheBase,
		SSLAllowlist:       cfg.SSLAllowlist(),
		BlockedHosts:       cfg.BlockedHostList(),
		HostDelays:         hostDelays(cfg),
		AllowHTTPFallback:  cfg.AllowHTTPFallback,
	}, logger.Named("fetch"))
	if err != nil {
		return fmt.Errorf("build fetcher: %w", err)
	}

	var pdfx crawler.PDFTextExtractor
	if ex, err := pdf.New(pdf.Config{
		Bin:      cfg.PDFToTextBin,
		CacheDir: cfg.TextCacheBase,
	}, logger.Named("pdf")); err != nil {
		logger.Warn("pdf extraction unavailable, continuing with HTML only", zap.Error(err))
	} else {
		pdfx = ex
	}

	discoverer := discover.New(fetcher, ids, clock, logger.Named("discover"))
	if cfg.Headless.Enabled {
		browser, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			discoverer = discoverer.WithHeadless(headless.NewHeuristic(0), browser)
		}
	}

	resolver := resolve.New(dir, ids, clock, logger.Named("resolve"))

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      logger.Named("progress"),
	}, sinks.NewLogSink(logger.Named("progress")), promSink)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()

	shared := worker.NewSummaryTracker()
	workerCfg := worker.Config{
		Topic:       topic,
		MaxPDFBytes: int64(cfg.PDFMaxSizeMB) << 20,
	}
	deps := worker.Deps{
		Queue:      jobQueue,
		Store:      st,
		Discoverer: discoverer,
		Resolver:   resolver,
		Fetcher:    fetcher,
		PDF:        pdfx,
		Blobs:      blobs,
		Publisher:  publisher,
		Hasher:     hasher,
		Clock:      clock,
		IDs:        ids,
		Emitter:    hub,
	}
	workers := make([]*worker.Worker, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		w := worker.New(deps, workerCfg, logger.Named("worker").With(zap.Int("index", i)))
		workers = append(workers, w.SharedSummary(shared))
	}
	dispatch := dispatcher.New(jobQueue, workers, logger.Named("dispatcher"))

	apiServer := api.NewServer(st, jobQueue, dispatch, ids, clock, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", zap.Error(err))
		}
	}()

	runID, seeded, err := seedRun(ctx, cfg, dispatch, ids, clock, hub, logger)
	if err != nil {
		return err
	}

	if oneshot {
		if seeded == 0 {
			return errors.New("oneshot run needs a municipalities file (config or -municipalities)")
		}
		if err := dispatch.RunUntilDrained(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher: %w", err)
		}
		hub.Emit(progress.Event{
			RunID: runID,
			TS:    clock.Now().UTC(),
			Stage: progress.StageRunDone,
		})
		logger.Info("run complete", zap.String("run_id", runID))
		return nil
	}

	dispatch.Run(ctx)
	logger.Info("shutdown complete")
	return nil
}

// seedRun enqueues one municipality job per seed entry, if a seed file is
// configured. Serving without a seed is fine: runs then start via the API.
func seedRun(
	ctx context.Context,
	cfg config.Config,
	dispatch *dispatcher.Dispatcher,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	hub *progress.Hub,
	logger *zap.Logger,
) (string, int, error) {
	if cfg.Municipalities == "" {
		return "", 0, nil
	}
	munis, err := loadMunicipalities(cfg.Municipalities)
	if err != nil {
		return "", 0, err
	}
	runID, err := ids.NewID()
	if err != nil {
		return "", 0, fmt.Errorf("create run id: %w", err)
	}
	mode := cfg.RunMode()

	hub.Emit(progress.Event{
		RunID: runID,
		TS:    clock.Now().UTC(),
		Stage: progress.StageRunStart,
		Note:  string(mode),
	})
	for _, m := range munis {
		job := crawler.JobPayload{
			Type:             crawler.JobMunicipality,
			RunID:            runID,
			MunicipalityKey:  m.Key,
			MunicipalityName: m.Name,
			Entrypoint:       m.Entrypoint,
			Mode:             mode,
		}
		if err := dispatch.Enqueue(ctx, job); err != nil {
			return runID, 0, fmt.Errorf("seed municipality %s: %w", m.Key, err)
		}
	}
	logger.Info("run seeded",
		zap.String("run_id", runID),
		zap.String("mode", string(mode)),
		zap.Int("municipalities", len(munis)),
	)
	return runID, len(munis), nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (crawler.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "local":
		bs, err := storagelocal.New(storagelocal.Config{BaseDir: cfg.Storage.BasePath})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return bs, nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		bs, err := storagegcs.New(client, storagegcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return bs, nil
	case "memory":
		return storagememory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queuememory.NewQueue(cfg.QueueDepth), nil
	case "pubsub":
		q, err := queue.NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.Queue.Topic, cfg.Queue.Subscription, logger.Named("queue"))
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func hostDelays(cfg config.Config) map[string]time.Duration {
	if len(cfg.HostDelaySeconds) == 0 {
		return nil
	}
	delays := make(map[string]time.Duration, len(cfg.HostDelaySeconds))
	for host, secs := range cfg.HostDelaySeconds {
		delays[host] = time.Duration(secs) * time.Second
	}
	return delays
}
