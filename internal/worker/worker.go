// Package worker runs the bounded pool that pulls jobs off the queue,
// keeps their leases alive while they execute, and periodically reconciles
// runs whose worker died.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/model"
)

// Orchestrator is the slice of the run orchestrator the pool drives.
type Orchestrator interface {
	Lease(owner string, lease time.Duration) (*model.Job, error)
	ProcessJob(ctx context.Context, job *model.Job) error
	RenewLease(jobID, owner string, lease time.Duration) bool
	Reconcile() error
}

// Canceller lets the pool stop all child processes on shutdown.
type Canceller interface {
	CancelAll()
}

// Config tunes the pool. Zero values take the defaults below.
type Config struct {
	MaxConcurrent     int           // 3
	PollInterval      time.Duration // 750ms
	LeaseDuration     time.Duration // 30s
	RenewInterval     time.Duration // 15s
	ReconcileInterval time.Duration // 1h
	DrainTimeout      time.Duration // 5s
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 3
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 750 * time.Millisecond
	}
	if out.LeaseDuration <= 0 {
		out.LeaseDuration = 30 * time.Second
	}
	if out.RenewInterval <= 0 {
		out.RenewInterval = 15 * time.Second
	}
	if out.ReconcileInterval <= 0 {
		out.ReconcileInterval = time.Hour
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = 5 * time.Second
	}
	return out
}

// Pool is the run worker pool. One Pool serves the whole process.
type Pool struct {
	orch      Orchestrator
	canceller Canceller
	logger    *zap.Logger
	cfg       Config
	owner     string

	wg     sync.WaitGroup
	sem    chan struct{}
	active atomic.Int64

	processed atomic.Int64
	failed    atomic.Int64
}

func New(orch Orchestrator, canceller Canceller, cfg Config, logger *zap.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		orch:      orch,
		canceller: canceller,
		logger:    logger,
		cfg:       cfg,
		owner:     "agentdeck-" + uuid.New().String()[:8],
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Active returns how many jobs are executing right now.
func (p *Pool) Active() int64 { return p.active.Load() }

// Processed returns the total number of jobs finished by this pool.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Failed returns how many of those jobs returned an error.
func (p *Pool) Failed() int64 { return p.failed.Load() }

// Run polls the queue until ctx is cancelled, then drains: child processes
// get a cancel request and up to DrainTimeout to finish.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool started",
		zap.String("owner", p.owner),
		zap.Int("max_concurrent", p.cfg.MaxConcurrent))

	lastReconcile := time.Time{}
loop:
	for {
		if ctx.Err() != nil {
			break
		}

		if time.Since(lastReconcile) >= p.cfg.ReconcileInterval {
			if err := p.orch.Reconcile(); err != nil {
				p.logger.Error("reconcile failed", zap.Error(err))
			}
			lastReconcile = time.Now()
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}

		job, err := p.orch.Lease(p.owner, p.cfg.LeaseDuration)
		if err != nil {
			<-p.sem
			if !errors.Is(err, store.ErrNotFound) {
				p.logger.Error("leasing job", zap.Error(err))
			}
			select {
			case <-time.After(p.cfg.PollInterval):
			case <-ctx.Done():
			}
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.handle(ctx, job)
		}()
	}

	p.drain()
}

func (p *Pool) handle(ctx context.Context, job *model.Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	stopRenew := make(chan struct{})
	var renewWG sync.WaitGroup
	renewWG.Add(1)
	go func() {
		defer renewWG.Done()
		ticker := time.NewTicker(p.cfg.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopRenew:
				return
			case <-ticker.C:
				if !p.orch.RenewLease(job.ID, p.owner, p.cfg.LeaseDuration) {
					p.logger.Warn("lease lost", zap.String("job_id", job.ID))
					return
				}
			}
		}
	}()

	err := p.orch.ProcessJob(ctx, job)
	close(stopRenew)
	renewWG.Wait()

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("run_id", job.RunID),
			zap.Error(err))
	}
}

func (p *Pool) drain() {
	p.logger.Info("worker pool draining", zap.Int64("active", p.Active()))
	if p.canceller != nil {
		p.canceller.CancelAll()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warn("drain timeout, abandoning in-flight jobs",
			zap.Int64("active", p.Active()))
	}
}
