package main

import (
	"github.com/fieldstack/simsync/internal/config"
	"github.com/fieldstack/simsync/internal/reconcile"
	"github.com/fieldstack/simsync/internal/task"
)

func managerConfig(e config.EngineConfig) task.ManagerConfig {
	return task.ManagerConfig{
		MaxExecutionTime:       e.MaxExecutionTime,
		BufferTime:             e.BufferTime,
		ContinuationDelay:      e.ContinuationDelay,
		DependencyPollInterval: e.DependencyPollInterval,
		DependencyTimeout:      e.DependencyTimeout,
		DefaultStrategy:        reconcile.StrategyName,
	}
}

func reconcileConfig(e config.EngineConfig) reconcile.Config {
	return reconcile.Config{
		FetchBatchSize:   e.FetchBatchSize,
		ProcessChunkSize: e.ProcessChunkSize,
		MaxConcurrency:   e.MaxConcurrency,
		ChunkDelay:       e.ChunkDelay,
		BatchDelay:       e.BatchDelay,
		RetryAttempts:    e.RetryAttempts,
		RetryBaseDelay:   e.RetryBaseDelay,
	}
}
