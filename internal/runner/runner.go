// Package runner implements C4: the long-lived supervisor loop that keeps
// the worker registered, drives the poll and heartbeat timers, enforces
// the concurrency cap, and shuts down cleanly. It is the only component
// holding timers and mutable fleet-visible state.
//
// The two-independent-timer shape generalizes a single heartbeat ticker
// into a poll/heartbeat pair, with a bounded per-job task pool in place of
// a synchronous heartbeat-only loop.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clearreel/transcode-worker/internal/capability"
	"github.com/clearreel/transcode-worker/internal/coordinator"
	"github.com/clearreel/transcode-worker/internal/pipeline"
	"github.com/clearreel/transcode-worker/internal/subprocess"
	"github.com/clearreel/transcode-worker/pkg/models"
)

// Config holds the timing and capacity knobs, plus the register retry
// cadence and the shutdown grace period (the latter an open-question
// addition recorded in DESIGN.md).
type Config struct {
	PollInterval          time.Duration
	HeartbeatInterval     time.Duration
	MaxConcurrent         int
	RegisterRetryInterval time.Duration
	ShutdownGrace         time.Duration
	ReportHostStats       bool
}

// Runner is the supervisor. It owns the Active Job Table exclusively.
type Runner struct {
	cfg          Config
	coordinator  *coordinator.Client
	identity     models.Identity
	capabilities models.CapabilitySet
	pipelineCfg  pipeline.Config
	pipelineDeps pipeline.Deps
	logger       *slog.Logger

	mu           sync.Mutex
	active       map[string]*subprocess.Process
	activeJobs   int // reserved at claim time, released when the pipeline returns
	shuttingDown bool
	wg           sync.WaitGroup

	reregistering int32 // guards against launching a second concurrent re-register
}

// New builds a Runner.
func New(cfg Config, coord *coordinator.Client, identity models.Identity, caps models.CapabilitySet, pipelineCfg pipeline.Config, pipelineDeps pipeline.Deps, logger *slog.Logger) *Runner {
	if cfg.RegisterRetryInterval <= 0 {
		cfg.RegisterRetryInterval = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:          cfg,
		coordinator:  coord,
		identity:     identity,
		capabilities: caps,
		pipelineCfg:  pipelineCfg,
		pipelineDeps: pipelineDeps,
		logger:       logger,
		active:       make(map[string]*subprocess.Process),
	}
}

// Run executes the full startup, serve, shutdown sequence. It
// blocks until ctx is cancelled, then performs shutdown and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.registerLoop(ctx); err != nil {
		// registerLoop only gives up when ctx is cancelled: nothing has
		// been claimed yet, so this is an ordinary shutdown.
		r.shutdown()
		return nil
	}

	pollTicker := time.NewTicker(r.cfg.PollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	// Fire an immediate first poll so cold starts aren't gated on the
	// first tick.
	r.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-pollTicker.C:
			r.poll(ctx)
		case <-heartbeatTicker.C:
			r.heartbeat(ctx)
		}
	}
}

// registerLoop calls register until it succeeds, waiting
// RegisterRetryInterval between attempts, indefinitely.
func (r *Runner) registerLoop(ctx context.Context) error {
	for {
		err := r.coordinator.Register(ctx, r.identity, r.capabilities)
		if err == nil {
			r.logger.Info("registered with coordinator", slog.String("worker_id", r.identity.WorkerID))
			return nil
		}
		r.logger.Warn("registration failed, retrying", slog.Any("error", err),
			slog.Duration("retry_in", r.cfg.RegisterRetryInterval))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.RegisterRetryInterval):
		}
	}
}

// poll is the only admission-control point: it refuses to claim when
// shutting down or when the Active Job Table is already at capacity. The
// coordinator is never told "I'm full", the worker simply doesn't ask.
func (r *Runner) poll(ctx context.Context) {
	if r.atCapacity() {
		return
	}

	job, err := r.coordinator.ClaimJob(ctx)
	if err != nil {
		r.logger.Debug("claim failed", slog.Any("error", err))
		r.handleStateLoss(ctx, err)
		return
	}
	if job == nil {
		return
	}

	r.spawn(ctx, job)
}

// handleStateLoss re-registers in the background when the coordinator
// answers claim or heartbeat with a StateLostError (404, it no longer
// recognizes this worker), without blocking the current poll/heartbeat
// tick. A StateLostError observed while a re-register is already in
// flight is a no-op, the in-flight attempt covers it.
func (r *Runner) handleStateLoss(ctx context.Context, err error) {
	var lost *coordinator.StateLostError
	if !errors.As(err, &lost) {
		return
	}
	if !atomic.CompareAndSwapInt32(&r.reregistering, 0, 1) {
		return
	}

	r.logger.Warn("coordinator reports lost worker state, re-registering")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer atomic.StoreInt32(&r.reregistering, 0)
		if err := r.registerLoop(ctx); err != nil {
			r.logger.Warn("re-registration aborted", slog.Any("error", err))
		}
	}()
}

// atCapacity gates on activeJobs, reserved the instant a job is claimed,
// not len(active), which only reflects jobs that have reached the encode
// step. Gating on the subprocess map would let metadata-fetch/download work
// for extra jobs start unbounded during the window before their encoder
// starts.
func (r *Runner) atCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown || r.activeJobs >= r.cfg.MaxConcurrent
}

// spawn starts a Pipeline for job as an independent task; the supervisor
// does not block on it.
func (r *Runner) spawn(ctx context.Context, job *models.JobDescriptor) {
	cfg := r.pipelineCfg
	if len(r.capabilities.Encoders) > 0 {
		cfg.Encoder = r.capabilities.Encoders[0]
	}

	p := pipeline.New(cfg, r.pipelineDeps, r.registerJob, r.unregisterJob)

	r.logger.Info("job claimed", slog.String("job_id", job.JobID), slog.String("media_title", job.MediaTitle))

	r.mu.Lock()
	r.activeJobs++
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			r.activeJobs--
			r.mu.Unlock()
		}()
		p.Run(ctx, job)
	}()
}

func (r *Runner) registerJob(jobID string, proc *subprocess.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[jobID] = proc
}

func (r *Runner) unregisterJob(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, jobID)
}

// ActiveCount returns the number of jobs currently claimed, regardless of
// which pipeline step they're in.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeJobs
}

func (r *Runner) heartbeat(ctx context.Context) {
	count := r.ActiveCount()

	var host *models.HostStats
	if r.cfg.ReportHostStats {
		if stats, err := capability.HostStats(ctx); err == nil {
			host = &stats
		}
	}

	if err := r.coordinator.Heartbeat(ctx, count, host); err != nil {
		r.logger.Warn("heartbeat failed", slog.Any("error", err))
		r.handleStateLoss(ctx, err)
	}
}

// shutdown implements the shutdown sequence: stop admitting new
// jobs, SIGTERM every running subprocess, wait a bounded grace period for
// pipelines to observe the exit and clean up, then sweep the temp
// directory. It does not wait indefinitely for pipelines to finish
// reporting to the coordinator, in-flight jobs are garbage-collected by
// coordinator-side heartbeat timeouts.
func (r *Runner) shutdown() {
	r.mu.Lock()
	r.shuttingDown = true
	procs := make([]*subprocess.Process, 0, len(r.active))
	for _, proc := range r.active {
		procs = append(procs, proc)
	}
	r.mu.Unlock()

	r.logger.Info("shutting down", slog.Int("active_jobs", len(procs)))

	for _, proc := range procs {
		_ = proc.Terminate()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.cfg.ShutdownGrace):
		r.logger.Warn("shutdown grace period elapsed with jobs still running")
	}

	sweepTempDir(r.pipelineCfg.TempDir, r.logger)
}
