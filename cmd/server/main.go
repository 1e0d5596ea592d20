package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/cache"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/fetch"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/lifecycle"
	certmetrics "github.com/midoo12345/soulbound-nft-sub001/internal/certificate/metrics"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/reconcile"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/search"
	jwttoken "github.com/midoo12345/soulbound-nft-sub001/internal/jwt_token"
	"github.com/midoo12345/soulbound-nft-sub001/internal/ledger"
	"github.com/midoo12345/soulbound-nft-sub001/internal/metadata"
	"github.com/midoo12345/soulbound-nft-sub001/internal/platform/config"
	"github.com/midoo12345/soulbound-nft-sub001/internal/platform/httpserver"
	"github.com/midoo12345/soulbound-nft-sub001/internal/platform/logger"
	"github.com/midoo12345/soulbound-nft-sub001/internal/platform/metrics"
	platformredis "github.com/midoo12345/soulbound-nft-sub001/internal/platform/redis"
	httptransport "github.com/midoo12345/soulbound-nft-sub001/internal/transport/http"
)

// main wires the sync engine behind the HTTP router and keeps the server
// lifecycle small. Business logic lives in the internal feature packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Cache store: Redis when configured, process-local otherwise.
	var store cache.Store
	redisClient, err := platformredis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("redis unavailable, falling back to in-memory cache", "error", err)
	}
	if redisClient != nil {
		store = cache.NewRedisStore(redisClient.Client, "certdash:", log)
		defer redisClient.Close()
		log.Info("using redis cache store")
	} else {
		store = cache.NewMemoryStore(cfg.RecordTTL, cfg.RecordTTL)
	}

	// Dev ledger with a simulated block producer. A real deployment swaps
	// this for a node-backed ledger.Client.
	chain := ledger.NewMemoryLedger(cfg.BurnTimelock)
	chain.GrantRole(ledger.RoleAdmin, cfg.AdminAddress)
	chain.GrantRole(ledger.RoleInstitution, cfg.InstitutionAddress)

	blockTicker := time.NewTicker(cfg.BlockInterval)
	defer blockTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-blockTicker.C:
				chain.AdvanceBlock()
			}
		}
	}()

	engineMetrics := certmetrics.New()
	httpMetrics := metrics.New()

	resolver := metadata.NewGatewayResolver(cfg.MetadataGateways, log)
	orch := fetch.NewOrchestrator(chain, resolver, store, log, engineMetrics, fetch.Config{
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.Concurrency,
		FallbackWindow: cfg.FallbackWindow,
		ReadsPerSecond: rate.Limit(cfg.ReadsPerSecond),
		Burst:          cfg.ReadBurst,
		RecordTTL:      cfg.RecordTTL,
		ListTTL:        cfg.ListTTL,
	})
	searchEngine := search.NewEngine(orch, store, log)
	coord := lifecycle.NewCoordinator(chain, orch, store, log, engineMetrics, lifecycle.Config{
		BurnGrace: cfg.BurnGrace,
		RecordTTL: cfg.RecordTTL,
	})
	rec := reconcile.NewReconciler(chain, orch, store, log, engineMetrics, reconcile.Config{
		UnknownIssuanceThreshold: cfg.UnknownIssuanceThreshold,
		SampleSize:               cfg.BlockSampleSize,
		RecordTTL:                cfg.RecordTTL,
		BurnGrace:                cfg.BurnGrace,
	})
	rec.Start()

	jwtService := jwttoken.NewJWTService(cfg.JWTSigningKey, cfg.JWTIssuer)
	handler := httptransport.NewHandler(log, orch, searchEngine, coord, rec)
	router := httptransport.NewRouter(handler, jwttoken.NewJWTServiceAdapter(jwtService), httpMetrics)

	srv := httpserver.New(cfg.Addr, router)

	go func() {
		log.Info("certdash listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	rec.Close()
	coord.Close()
}
