package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/aegis-agents/chatbot/internal/actions"
	"github.com/aegis-agents/chatbot/internal/checkpoint"
	"github.com/aegis-agents/chatbot/internal/circuitbreaker"
	"github.com/aegis-agents/chatbot/internal/config"
	"github.com/aegis-agents/chatbot/internal/db"
	"github.com/aegis-agents/chatbot/internal/engine"
	"github.com/aegis-agents/chatbot/internal/evaluator"
	"github.com/aegis-agents/chatbot/internal/health"
	"github.com/aegis-agents/chatbot/internal/helper"
	"github.com/aegis-agents/chatbot/internal/history"
	"github.com/aegis-agents/chatbot/internal/interceptors"
	"github.com/aegis-agents/chatbot/internal/llm"
	_ "github.com/aegis-agents/chatbot/internal/metrics" // registers collectors
	"github.com/aegis-agents/chatbot/internal/notify"
	"github.com/aegis-agents/chatbot/internal/rag"
	"github.com/aegis-agents/chatbot/internal/ratecontrol"
	"github.com/aegis-agents/chatbot/internal/server"
	"github.com/aegis-agents/chatbot/internal/supervisor"
	"github.com/aegis-agents/chatbot/internal/teams"
	"github.com/aegis-agents/chatbot/internal/tools"
	"github.com/aegis-agents/chatbot/internal/tracing"
	"github.com/aegis-agents/chatbot/internal/vectordb"
)

const (
	rateLimitSweepEvery = 5 * time.Minute
	rateLimitIdle       = 30 * time.Minute
	shutdownTimeout     = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := newLogger(cfg.Service.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}
	circuitbreaker.StartMetricsCollection(ctx)

	// Runtime limits hot-reload from runtime.yaml next to the static config.
	var cm *config.ConfigManager
	if cfg.Service.ConfigDir != "" {
		if cm, err = config.NewConfigManager(cfg.Service.ConfigDir, logger); err != nil {
			logger.Warn("Config manager init failed", zap.Error(err))
		}
	}
	rt := config.NewRuntimeManager(cm, config.RuntimeFromConfig(cfg), logger)
	if cm != nil {
		cm.EnablePolling(30 * time.Second)
		if err := cm.Start(ctx); err != nil {
			logger.Warn("Config manager start failed", zap.Error(err))
		}
	}

	// Storage
	store, err := checkpoint.Dial(cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect checkpoint store", zap.Error(err))
	}
	dbClient, err := db.NewClient(cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}

	// Helper transport
	transport, err := helper.DialAMQP(cfg.AMQP, logger)
	if err != nil {
		logger.Fatal("Failed to connect to helper broker", zap.Error(err))
	}
	helperClient := helper.NewClient(transport, logger).WithTimeouts(cfg.Helper)

	// Capabilities
	chain, err := tools.DialChain(ctx, cfg.Chain.RPCURL)
	if err != nil {
		logger.Fatal("Failed to dial chain RPC", zap.Error(err))
	}
	onchain, err := tools.NewOnChain(chain, cfg.Chain.Network)
	if err != nil {
		logger.Fatal("Failed to build on-chain tools", zap.Error(err))
	}
	var all []tools.Tool
	all = append(all, tools.NewAccount(helperClient).Tools()...)
	all = append(all, tools.NewAutoFi(helperClient).Tools()...)
	all = append(all, onchain.Tools()...)
	registry, err := tools.NewRegistry(logger, all...)
	if err != nil {
		logger.Fatal("Failed to build tool registry", zap.Error(err))
	}

	catalog, err := teams.DefaultCatalog(registry)
	if err != nil {
		logger.Fatal("Failed to load team catalog", zap.Error(err))
	}

	model := llm.NewOpenAIClient(cfg.LLM, logger)

	var answerer teams.Answerer
	var vector *vectordb.Client
	if cfg.Vector.Enabled {
		vector = vectordb.New(cfg.Vector, logger)
		vctx, vcancel := context.WithTimeout(ctx, cfg.Vector.Timeout)
		if err := vector.ValidateEmbeddingDimensions(vctx); err != nil {
			logger.Fatal("Vector collection mismatch", zap.Error(err))
		}
		vcancel()
		answerer = rag.New(model, model, vector, rag.Config{
			Model:  cfg.LLM.Model,
			Budget: cfg.Engine.RAGBudget,
			TopK:   cfg.Vector.TopK,
		}, logger)
	} else {
		logger.Info("Vector store disabled; knowledge worker will report failures")
	}

	runner := teams.NewRunner(model, registry, cfg.LLM.Model, rt.WorkerMaxIterations, logger)
	dispatcher := teams.NewDispatcher(catalog, runner, answerer, logger)

	eng := engine.New(engine.Deps{
		Store:       store,
		Router:      supervisor.New(model, catalog, cfg.LLM.Model, logger),
		Dispatcher:  dispatcher,
		Actions:     actions.NewHandler(helperClient, logger),
		LLM:         model,
		Catalog:     catalog,
		Model:       cfg.LLM.Model,
		Limits:      rt.EngineLimits,
		SaveTimeout: cfg.Engine.SaveTimeout,
		Logger:      logger,
	})

	eval, err := evaluator.New(model, catalog, dbClient, cfg.Evaluator, logger)
	if err != nil {
		logger.Fatal("Failed to create evaluator", zap.Error(err))
	}
	recorder := history.NewRecorder(dbClient, logger)

	limiter := ratecontrol.New(rt.RateLimit())
	rt.OnChange(func(old, updated config.Runtime) {
		if old.RateLimit != updated.RateLimit {
			limiter.SetLimit(updated.RateLimit)
		}
	})
	go func() {
		t := time.NewTicker(rateLimitSweepEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := limiter.Sweep(rateLimitIdle); n > 0 {
					logger.Debug("Rate limiter buckets swept", zap.Int("removed", n))
				}
			}
		}
	}()

	// Position-change notifications
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	consumer := notify.NewConsumer(transport, store, eng.Locks(), cfg.Engine.NotifyLockTimeout, logger)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(consumerCtx); err != nil {
			logger.Error("Notification consumer stopped", zap.Error(err))
		}
	}()

	// Admin HTTP: health, metrics, history
	hm := health.NewManager(cfg.Health.CheckInterval, logger)
	if cfg.Health.Enabled {
		checkers := []health.Checker{
			health.NewRedisChecker(store.RedisWrapper(), cfg.Health.Timeout),
			health.NewPostgresChecker(dbClient.Wrapper(), cfg.Health.Timeout),
			health.NewAMQPChecker(transport),
		}
		if vector != nil {
			checkers = append(checkers, health.NewQdrantChecker(func(ctx context.Context) error {
				_, err := vector.CollectionInfo(ctx)
				return err
			}, vector.BreakerOpen, cfg.Health.Timeout))
		}
		for _, c := range checkers {
			if err := hm.Register(c); err != nil {
				logger.Warn("Failed to register health checker", zap.Error(err))
			}
		}
		hm.Start(ctx)
	}
	mux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/history", server.HistoryHandler(recorder, logger))
	admin := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.AdminPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Service.AdminPort))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	// gRPC
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Service.GRPCPort))
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}
	grpcServer := grpc.NewServer(
		grpc.ChainStreamInterceptor(
			interceptors.StreamRecovery(logger),
			interceptors.StreamObserver(logger),
		),
	)
	server.RegisterChatbotServiceServer(grpcServer, server.NewChatbotService(eng, server.Options{
		History:     recorder,
		Evaluator:   eval,
		Limiter:     limiter,
		TurnTimeout: cfg.Service.TurnTimeout,
	}, logger))
	go func() {
		logger.Info("Chatbot service listening", zap.Int("port", cfg.Service.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("Failed to serve", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	// Stop taking notifications first so no checkpoint write races the drain.
	stopConsumer()
	<-consumerDone
	grpcServer.GracefulStop()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := eval.Wait(sctx); err != nil {
		logger.Warn("Evaluations still running at shutdown", zap.Error(err))
	}
	if err := admin.Shutdown(sctx); err != nil {
		logger.Warn("Admin HTTP shutdown failed", zap.Error(err))
	}
	hm.Stop()
	if cm != nil {
		_ = cm.Stop()
	}
	if err := transport.Close(); err != nil {
		logger.Warn("Failed to close helper transport", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Warn("Failed to close checkpoint store", zap.Error(err))
	}
	if err := dbClient.Close(); err != nil {
		logger.Warn("Failed to close database client", zap.Error(err))
	}
	chain.Close()
	if err := shutdownTracing(sctx); err != nil {
		logger.Warn("Failed to flush traces", zap.Error(err))
	}
	cancel()
	logger.Info("Shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}
