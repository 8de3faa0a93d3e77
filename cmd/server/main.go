package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loantocard/internal/chain"
	"loantocard/internal/config"
	"loantocard/internal/idempotency"
	"loantocard/internal/journal"
	"loantocard/internal/pipeline"
	"loantocard/internal/rates"
	"loantocard/internal/registry"
	"loantocard/internal/server"
	"loantocard/internal/topup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	reg, err := registry.New(cfg.Seed.Chains)
	if err != nil {
		log.Fatalf("registry error: %v", err)
	}

	var idemStore idempotency.Store
	if cfg.Service.JournalDSN != "" {
		pg, err := idempotency.NewPostgresStore(context.Background(), cfg.Service.JournalDSN)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		defer pg.Close()
		idemStore = pg
	} else {
		fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		idemStore = fs
	}

	var runStore journal.Store = journal.NewMemoryStore()
	if cfg.Service.JournalDSN != "" {
		pg, err := journal.NewPostgresStore(context.Background(), cfg.Service.JournalDSN)
		if err != nil {
			log.Fatalf("journal store error: %v", err)
		}
		defer pg.Close()
		runStore = pg
	}

	var chainClient chain.Client = chain.NewFakeClient()
	if cfg.Chain.PrivateKey != "" {
		ethClient, err := chain.NewEthClient(context.Background(), chain.EthClientConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
		})
		if err != nil {
			log.Fatalf("chain client error: %v", err)
		}
		chainClient = ethClient
	} else {
		logger.Warn("no signing key configured, using fake chain client")
	}

	var rateSource rates.Source = rates.StaticSource{}
	if cfg.Seed.RateFeed.BaseURL != "" {
		rateSource = rates.NewHTTPSource(cfg.Seed.RateFeed.BaseURL, time.Duration(cfg.Seed.RateFeed.TimeoutMs)*time.Millisecond)
	}
	resolver := rates.NewResolver(rateSource, reg, logger)

	var provider topup.Provider = topup.NewFakeProvider()
	if cfg.Seed.Provider.BaseURL != "" {
		provider = topup.NewHTTPProvider(topup.HTTPProviderConfig{
			BaseURL: cfg.Seed.Provider.BaseURL,
			Secret:  cfg.Seed.Provider.Secret,
			Timeout: time.Duration(cfg.Seed.Provider.TimeoutMs) * time.Millisecond,
		})
	} else {
		logger.Warn("no provider endpoint configured, using fake top-up provider")
	}

	depositGrace, mintGrace, pollInterval := cfg.PipelineDurations()
	pipeMetrics := pipeline.NewMetrics()
	orch := pipeline.New(chainClient, reg, provider, runStore, pipeMetrics, logger,
		func(e pipeline.Event) {
			logger.Info("pipeline step", "runId", e.RunID, "step", string(e.Step), "txHash", e.TxHash)
		},
		pipeline.Config{
			DepositGrace: depositGrace,
			MintGrace:    mintGrace,
			PollInterval: pollInterval,
		})

	apiServer := server.NewServer(cfg, server.Deps{
		Orchestrator: orch,
		Resolver:     resolver,
		Registry:     reg,
		Runs:         runStore,
		Idempotency:  idemStore,
		Chain:        chainClient,
		Pipeline:     pipeMetrics,
		Log:          logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("server stopped", "err", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(ctx)
}
