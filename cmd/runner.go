package main

import (
	"context"
	"fmt"
	"sync"

	"smartcontroller/internal/config"
	"smartcontroller/internal/engine"
	"smartcontroller/internal/ha"

	"go.uber.org/zap"
)

// runner owns the current engine and swaps it on reload
type runner struct {
	ctx    context.Context
	deps   engine.Deps
	client ha.HAClient
	logger *zap.Logger

	mu      sync.Mutex
	current *engine.Engine
}

func newRunner(ctx context.Context, deps engine.Deps, client ha.HAClient, logger *zap.Logger) *runner {
	return &runner{ctx: ctx, deps: deps, client: client, logger: logger}
}

// start replaces the running engine with one built from file
func (r *runner) start(file *config.File) error {
	if err := r.deps.Store.Track(r.client, file.Entities()); err != nil {
		return fmt.Errorf("failed to track entities: %w", err)
	}

	deps := r.deps
	deps.Unit = file.Unit()
	next, err := engine.New(deps, file)
	if err != nil {
		return fmt.Errorf("failed to build automations: %w", err)
	}

	r.mu.Lock()
	previous := r.current
	r.current = next
	r.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}
	next.Start(r.ctx)

	for _, info := range next.Instances() {
		r.logger.Info("Automation running",
			zap.String("automation", info.Name),
			zap.String("type", info.Type),
			zap.Int("inputs", len(info.Inputs)))
	}
	return nil
}

func (r *runner) stop() {
	r.mu.Lock()
	current := r.current
	r.current = nil
	r.mu.Unlock()

	if current != nil {
		current.Stop()
	}
}

// Instances lists the automations of the running engine
func (r *runner) Instances() []engine.Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil
	}
	return r.current.Instances()
}
