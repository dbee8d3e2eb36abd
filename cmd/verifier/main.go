package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/spaceai-verifier/internal/audit"
	"github.com/xela07ax/spaceai-verifier/internal/autonomy"
	"github.com/xela07ax/spaceai-verifier/internal/catalog"
	"github.com/xela07ax/spaceai-verifier/internal/connectors"
	"github.com/xela07ax/spaceai-verifier/internal/console/handler"
	"github.com/xela07ax/spaceai-verifier/internal/console/server"
	"github.com/xela07ax/spaceai-verifier/internal/dispatch"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"github.com/xela07ax/spaceai-verifier/internal/infra/auth"
	"github.com/xela07ax/spaceai-verifier/internal/repository/memory"
	"github.com/xela07ax/spaceai-verifier/internal/repository/postgres"
	"github.com/xela07ax/spaceai-verifier/internal/scheduler"
	"github.com/xela07ax/spaceai-verifier/internal/spotcheck"
	"github.com/xela07ax/spaceai-verifier/internal/tier"
	"github.com/xela07ax/spaceai-verifier/internal/validator"
)

// Интерфейсы коллабораторов, собранные в одном месте: реальные или моки
type collaborators struct {
	directory interface {
		engine.Directory
		tier.Directory
		spotcheck.Directory
	}
	fingerprinter engine.Fingerprinter
	detector      engine.ModelDetector
	closer        func()
}

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("verifier terminated", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизненного цикла фоновых горутин: отменяется по SIGINT/SIGTERM
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Durable store (опционально)
	var (
		storage   audit.Storage = audit.NewLogStorage(logger)
		snapshots *postgres.SnapshotRepo
		state     *postgres.StateRepo
	)
	if cfg.Database.URL != "" {
		initCtx, initCancel := context.WithTimeout(appCtx, 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.Database.URL, postgres.PoolOptions{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err == nil {
			err = postgres.Migrate(initCtx, pool)
		}
		initCancel()
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		storage = postgres.NewEventRepo(pool)
		snapshots = postgres.NewSnapshotRepo(pool)
		state = postgres.NewStateRepo(pool)
		logger.Info("durable store connected")
	} else {
		logger.Warn("database.url is empty: verification state lives in memory only")
	}

	journal := audit.NewJournal(storage, audit.Options{
		BufferSize:    cfg.Engine.JournalBufferSize,
		BatchSize:     cfg.Engine.JournalBatchSize,
		FlushInterval: cfg.Engine.JournalFlushInterval,
	}, logger)
	journal.Start()
	defer journal.Stop()
	metrics.WatchJournal(journal)

	// 3. Redis: локи и сигналы между инстансами (опционально)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	// 4. Внешние коллабораторы
	collab, err := buildCollaborators(cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer collab.closer()

	// 5. Ядро
	store := memory.NewStore()
	if state != nil {
		store.WithPersister(state, logger)
	}
	dispatcher := dispatch.New(nil, validator.New(validator.DefaultParams()), cfg.Verification.DispatchParams(), metrics, logger)

	tierDeps := tier.Deps{Store: store, Directory: collab.directory, Journal: journal, Metrics: metrics}
	monitorDeps := spotcheck.Deps{
		Generator: catalog.NewGenerator(catalog.DefaultTemplates(), nil),
		Sender:    dispatcher,
		Store:     store,
		Directory: collab.directory,
		Journal:   journal,
		Metrics:   metrics,
	}
	verifierDeps := engine.Deps{
		Store:         store,
		Generator:     catalog.NewGenerator(catalog.DefaultTemplates(), nil),
		Planner:       scheduler.New(cfg.Verification.SchedulerParams(), nil),
		Runner:        dispatcher,
		Analyzer:      autonomy.NewAnalyzer(cfg.Autonomy.Params(), logger),
		Directory:     collab.directory,
		Fingerprinter: collab.fingerprinter,
		ModelDetector: collab.detector,
		Journal:       journal,
		Metrics:       metrics,
	}
	if snapshots != nil {
		tierDeps.Snapshots = snapshots
		monitorDeps.Snapshots = snapshots
	}
	if state != nil {
		monitorDeps.History = state
		verifierDeps.Sessions = state
	}
	if rdb != nil {
		signals := infra.NewSignalPublisher(rdb, logger)
		tierDeps.Notifier = signals
		monitorDeps.Notifier = signals
		verifierDeps.Notifier = signals
		verifierDeps.Locker = infra.NewAgentLocker(rdb, cfg.Engine.AgentLockTTL, logger)
	}

	tiers := tier.NewMachine(cfg.Verification.TierParams(), tierDeps, logger)
	monitorDeps.Tiers = tiers
	verifierDeps.Tiers = tiers
	monitor := spotcheck.NewMonitor(cfg.SpotCheck.Params(), monitorDeps, logger)
	verifier := engine.NewVerifier(engine.ParamsFromConfig(cfg.Verification), verifierDeps, logger)

	// 6. Прогрев рабочего состояния и подписка на соседей
	var loader engine.SnapshotLoader
	if snapshots != nil {
		loader = snapshots
	}
	cluster := engine.NewClusterSync(rdb, loader, store, logger)
	if state != nil {
		cluster.WithState(state, store)
	}
	if err := cluster.Init(appCtx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	if rdb != nil {
		go cluster.StartListener(appCtx)
	}

	// 7. Admin API: HTTP + gRPC
	var validatorAuth auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validatorAuth = auth.NewOperatorValidator(pub, auth.ValidatorOptions{
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   cfg.Auth.Leeway,
		})
	}

	console := server.NewConsoleServer(logger, validatorAuth, cfg.Auth.RequiredScope,
		handler.NewSessionHandler(verifier, logger),
		handler.NewSpotCheckHandler(monitor),
		handler.NewDashboardHandler(store),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var grpcOpts []grpc.ServerOption
	if validatorAuth != nil {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(auth.UnaryInterceptor(
			validatorAuth, cfg.Auth.RequiredScope, logger, "/grpc.health.v1.Health/Check",
		)))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	server.RegisterAdminService(grpcSrv, server.NewAdminService(verifier, monitor, logger))
	healthSrv.SetServingStatus(server.AdminServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen gRPC: %w", err)
	}
	go func() {
		logger.Info("admin gRPC server started", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("admin HTTP server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", zap.Error(err))
			cancel()
		}
	}()

	// 8. Встроенный триггер "process due"
	if cfg.Engine.TickInterval > 0 {
		go tick(appCtx, cfg.Engine.TickInterval, verifier, monitor, logger)
	}

	<-appCtx.Done()
	logger.Info("verifier stopping...")
	healthSrv.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	logger.Info("verifier exited properly")
	return nil
}

func buildCollaborators(cfg *infra.Config, metrics *engine.Metrics, logger *zap.Logger) (collaborators, error) {
	cc := cfg.Connectors
	if cc.UseMocks {
		logger.Warn("connectors.use_mocks is on: directory and collaborators are in-memory stubs")
		return collaborators{
			directory:     connectors.NewMockDirectory(),
			fingerprinter: &connectors.MockFingerprinter{},
			detector:      connectors.MockModelDetector{},
			closer:        func() {},
		}, nil
	}

	conn, err := grpc.NewClient(cc.CollaboratorsAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return collaborators{}, fmt.Errorf("failed to connect to collaborators: %w", err)
	}
	return collaborators{
		directory: connectors.NewHTTPDirectory(cc.DirectoryURL, cc.DirectoryAPIKey, nil,
			connectors.NewReliabilityWrapper(cc.Reliability("directory"), metrics), logger),
		fingerprinter: connectors.NewGRPCFingerprinter(conn, connectors.NewReliabilityWrapper(cc.Reliability("fingerprint"), metrics)),
		detector:      connectors.NewGRPCModelDetector(conn, connectors.NewReliabilityWrapper(cc.Reliability("model-detector"), metrics)),
		closer:        func() { _ = conn.Close() },
	}, nil
}

// tick - последовательный проход по наступившим всплескам и спот-чекам
func tick(ctx context.Context, every time.Duration, v *engine.Verifier, m *spotcheck.Monitor, logger *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		rep, err := v.ProcessDueChallenges(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("process due challenges failed", zap.Error(err))
		}
		if rep.Dispatched > 0 || len(rep.Finalized) > 0 {
			logger.Info("due challenges processed",
				zap.Int("bursts", rep.Bursts),
				zap.Int("dispatched", rep.Dispatched),
				zap.Strings("finalized", rep.Finalized),
				zap.Int("busy", rep.Busy),
			)
		}

		if _, err := m.ScheduleAll(ctx); err != nil && ctx.Err() == nil {
			logger.Error("spot check scheduling failed", zap.Error(err))
		}
		if _, err := m.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			logger.Error("spot check processing failed", zap.Error(err))
		}
	}
}
