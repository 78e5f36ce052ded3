// Package poller runs a task on a fixed interval for as long as its owner is mounted, and
// immediately whenever a push-based invalidation triggers it.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingTask     = errors.New("poller: task required")
	errInvalidInterval = errors.New("poller: interval must be positive")
)

// Task is one poll. Its error is logged and kept; polling continues.
type Task func(ctx context.Context) error

// Config describes a Poller.
type Config struct {
	Name     string
	Interval time.Duration
	Task     Task
	Logger   *zap.Logger
}

// Poller is a scheduled-interval task bound to a lifetime.
type Poller struct {
	name     string
	interval time.Duration
	task     Task
	logger   *zap.Logger
	trigger  chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
	runs    int
}

func New(cfg Config) (*Poller, error) {
	if cfg.Task == nil {
		return nil, errMissingTask
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		name:     cfg.Name,
		interval: cfg.Interval,
		task:     cfg.Task,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Start runs the task once right away and then every interval until Stop or ctx ends.
// Starting a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(loopCtx)
}

// Stop cancels the loop and waits for an in-flight run to finish. It is safe to call
// repeatedly; a stopped poller can be started again.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// Trigger requests an immediate run. Requests made while a run is pending coalesce.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Runs counts completed runs.
func (p *Poller) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

// LastError is the error of the latest run.
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		case <-p.trigger:
			p.run(ctx)
			ticker.Reset(p.interval)
		}
	}
}

func (p *Poller) run(ctx context.Context) {
	err := p.task(ctx)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("poll failed", zap.String("poller", p.name), zap.Error(err))
	}
	p.mu.Lock()
	p.runs++
	p.lastErr = err
	p.mu.Unlock()
}
