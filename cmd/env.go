package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence/internal/config"
	"github.com/sells-group/diligence/internal/orchestrator"
	"github.com/sells-group/diligence/internal/queue"
	"github.com/sells-group/diligence/internal/status"
	"github.com/sells-group/diligence/internal/store"
)

// pipelineEnv bundles the shared process resources: the record store,
// the queue fabric, and the components built on them.
type pipelineEnv struct {
	store      store.Store
	fabric     *queue.Fabric
	orch       *orchestrator.Orchestrator
	aggregator *status.Aggregator
}

func initEnv(ctx context.Context) (*pipelineEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	settings := queueSettings()
	perQueue, err := perQueueSettings(settings)
	if err != nil {
		st.Close()
		return nil, err
	}
	fabric := queue.NewFabric(ctx, newBroker(settings, perQueue), settings)
	if fabric.Mode() == queue.ModeDisabled {
		zap.L().Warn("queue fabric is disabled; scans will receive sentinel handles")
	}

	return &pipelineEnv{
		store:      st,
		fabric:     fabric,
		orch:       orchestrator.New(st, fabric),
		aggregator: status.New(st, fabric),
	}, nil
}

func (e *pipelineEnv) Close() {
	if err := e.fabric.Shutdown(context.Background()); err != nil {
		zap.L().Warn("queue shutdown", zap.Error(err))
	}
	if err := e.store.Close(); err != nil {
		zap.L().Warn("store close", zap.Error(err))
	}
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite", "":
		path := cfg.Store.Path
		if path == "" {
			path = "diligence.db"
		}
		return store.NewSQLite(path)
	}
	return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func newBroker(settings queue.Settings, perQueue map[string]queue.Settings) queue.Broker {
	if cfg.Queue.Broker == "postgres" {
		connString := cfg.Queue.DatabaseURL
		if connString == "" {
			connString = cfg.Store.DatabaseURL
		}
		return queue.NewPostgres(connString, settings, perQueue)
	}
	return queue.NewMemory(settings, perQueue)
}

func queueSettings() queue.Settings {
	settings := queue.DefaultSettings()
	if cfg.Queue.MaxAttempts > 0 {
		settings.MaxAttempts = cfg.Queue.MaxAttempts
	}
	if cfg.Queue.BackoffBaseSecs > 0 {
		settings.BackoffBase = time.Duration(cfg.Queue.BackoffBaseSecs) * time.Second
	}
	if cfg.Queue.CompletedRetentionCount > 0 {
		settings.CompletedRetentionCount = cfg.Queue.CompletedRetentionCount
	}
	if cfg.Queue.CompletedRetentionAgeHours > 0 {
		settings.CompletedRetentionAge = time.Duration(cfg.Queue.CompletedRetentionAgeHours) * time.Hour
	}
	if cfg.Queue.FailedRetentionAgeHours > 0 {
		settings.FailedRetentionAge = time.Duration(cfg.Queue.FailedRetentionAgeHours) * time.Hour
	}
	if cfg.Queue.ActiveLeaseSecs > 0 {
		settings.ActiveLease = time.Duration(cfg.Queue.ActiveLeaseSecs) * time.Second
	}
	return settings
}

func perQueueSettings(base queue.Settings) (map[string]queue.Settings, error) {
	if cfg.Queue.OverridesPath == "" {
		return nil, nil
	}
	overrides, err := config.LoadQueueOverrides(cfg.Queue.OverridesPath)
	if err != nil {
		return nil, err
	}

	perQueue := make(map[string]queue.Settings, len(overrides))
	for name, o := range overrides {
		s := base
		if o.MaxAttempts > 0 {
			s.MaxAttempts = o.MaxAttempts
		}
		if o.BackoffBaseSecs > 0 {
			s.BackoffBase = time.Duration(o.BackoffBaseSecs) * time.Second
		}
		if o.CompletedRetentionCount > 0 {
			s.CompletedRetentionCount = o.CompletedRetentionCount
		}
		if o.CompletedRetentionAgeHours > 0 {
			s.CompletedRetentionAge = time.Duration(o.CompletedRetentionAgeHours) * time.Hour
		}
		if o.FailedRetentionAgeHours > 0 {
			s.FailedRetentionAge = time.Duration(o.FailedRetentionAgeHours) * time.Hour
		}
		if o.ActiveLeaseSecs > 0 {
			s.ActiveLease = time.Duration(o.ActiveLeaseSecs) * time.Second
		}
		perQueue[name] = s
	}
	return perQueue, nil
}
