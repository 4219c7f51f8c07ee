package main

import (
	"fmt"

	"organon/internal/config"
	"organon/internal/engine"
	"organon/internal/organ"
	"organon/internal/store"

	"go.uber.org/zap"
)

// runtime is an opened engine plus the stores it owns.
type runtime struct {
	engine  *engine.Engine
	history *store.History
	report  engine.LoadReport
}

// buildRegistry registers one synthetic organ per configured spec.
func buildRegistry(c *config.Config, seed uint64) (*organ.Registry, error) {
	reg := organ.NewRegistry()
	for _, spec := range c.Organs {
		o := &organ.Synthetic{
			ID:        spec.Name,
			Base:      spec.Base,
			Jitter:    spec.Jitter,
			Threshold: spec.Threshold,
			Tags:      spec.Tags,
			Seed:      seed,
		}
		if err := reg.Register(o, spec.Category); err != nil {
			return nil, fmt.Errorf("failed to register organ %s: %w", spec.Name, err)
		}
	}
	return reg, nil
}

// openRuntime opens the state directory and history database and restores
// persisted state.
func openRuntime(c *config.Config, seed uint64) (*runtime, error) {
	reg, err := buildRegistry(c, seed)
	if err != nil {
		return nil, err
	}
	docs, err := store.NewDocuments(c.StatePath())
	if err != nil {
		return nil, err
	}
	hist, err := store.NewHistory(c.HistoryFile())
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(c, reg, docs, hist)
	if err != nil {
		hist.Close()
		return nil, err
	}
	report, err := eng.Load()
	if err != nil {
		eng.Close()
		hist.Close()
		return nil, err
	}
	for kind, dst := range report.Quarantined {
		logger.Warn("corrupt state document quarantined", zap.String("kind", string(kind)), zap.String("path", dst))
	}
	return &runtime{engine: eng, history: hist, report: report}, nil
}

// Close flushes state and closes the history database.
func (r *runtime) Close() error {
	err := r.engine.Close()
	if herr := r.history.Close(); err == nil {
		err = herr
	}
	return err
}
