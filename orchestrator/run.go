// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quorum/config"
	"quorum/orchestrator/inference"
	"quorum/orchestrator/model"
	"quorum/orchestrator/retrieval"
	"quorum/shared/logger"
)

// Run wires the whole service from configuration and serves until
// SIGINT/SIGTERM. The config path comes from QUORUM_CONFIG; empty
// means defaults plus env overrides.
func Run() {
	log := logger.New("quorumd")

	cfg, err := config.Load(os.Getenv("QUORUM_CONFIG"))
	if err != nil {
		log.ErrorWithErr("", "configuration invalid", err, nil)
		os.Exit(1)
	}

	registry := model.NewRegistry(
		model.WithDegradedPolicy(model.DegradedPolicy{
			DegradeAfterTimeouts:  cfg.DegradeAfterTimeouts,
			RecoverAfterSuccesses: cfg.RecoverAfterSuccesses,
		}),
		model.WithLatencyDecay(cfg.LatencyDecay),
	)
	for _, mc := range cfg.Models {
		tier, _ := model.ParseTier(mc.Tier)
		if err := registry.Register(model.Model{
			ID:            mc.ID,
			Tier:          tier,
			Status:        model.StatusStopped,
			Endpoint:      mc.Endpoint,
			ContextWindow: mc.ContextWindow,
		}); err != nil {
			log.ErrorWithErr("", "model registration failed", err, map[string]interface{}{
				"model": mc.ID,
			})
			os.Exit(1)
		}
	}
	log.Info("", "registry seeded", map[string]interface{}{"models": registry.Count()})

	execOpts := []ExecutorOption{}

	if cfg.Retrieval.Endpoint != "" {
		var retriever retrieval.Client = retrieval.NewHTTPClient(cfg.Retrieval.Endpoint)
		if cfg.Retrieval.CacheAddr != "" {
			retriever = retrieval.NewCachingClient(retriever, cfg.Retrieval.CacheAddr, cfg.Retrieval.CacheTTL)
			log.Info("", "retrieval cache enabled", map[string]interface{}{
				"addr": cfg.Retrieval.CacheAddr,
			})
		}
		execOpts = append(execOpts, WithRetriever(retriever))
	}

	var audit *AuditLog
	if cfg.Audit.DatabaseURL != "" {
		audit = NewAuditLog(cfg.Audit.DatabaseURL)
		defer audit.Close()
		execOpts = append(execOpts, WithAuditLog(audit))
	}

	executor := NewExecutor(ExecutorConfig{
		DefaultMode:                  Mode(cfg.DefaultMode),
		ContextTokenBudget:           cfg.ContextTokenBudget,
		PerRequestDeadline:           cfg.PerRequestDeadline,
		DebateRounds:                 cfg.DebateRounds,
		ConsensusSimilarityThreshold: cfg.ConsensusSimilarityThreshold,
		SynthesisTier:                model.Tier(cfg.SynthesisTier),
		StageSafetyMargin:            cfg.StageSafetyMargin,
	}, registry, inference.NewHTTPClient(), execOpts...)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: NewServer(executor, registry, audit).Handler(),
	}

	go func() {
		log.Info("", "listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorWithErr("", "server exited", err, nil)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("", "shutting down", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.ErrorWithErr("", "shutdown incomplete", err, nil)
	}
}
