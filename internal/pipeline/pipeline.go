// Package pipeline implements C3: the per-job state machine that runs a
// claimed job from MetadataFetch through Download, Encode, and Upload to
// a terminal state (Completed, Failed, or Discarded). Each job runs as an
// independent task; nothing is shared between jobs except the Runner's
// Active Job Table bookkeeping and the temp directory, disambiguated by
// job_id in filenames.
//
// The progress-parsing and workspace-lifecycle shape (stderr scanner,
// regex time extraction, defer-cleanup temp dir) carries an explicit
// cause taxonomy in place of one generic "ffmpeg execution failed" error.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/clearreel/transcode-worker/internal/coordinator"
	"github.com/clearreel/transcode-worker/internal/origin"
	"github.com/clearreel/transcode-worker/internal/subprocess"
	"github.com/clearreel/transcode-worker/pkg/models"
)

// RegisterFunc inserts a running encoder subprocess into the Runner's
// Active Job Table. UnregisterFunc removes it. Both are owned exclusively
// by the Runner; the pipeline never touches the table directly, only
// through these two callbacks.
type RegisterFunc func(jobID string, proc *subprocess.Process)
type UnregisterFunc func(jobID string)

// Config is the immutable, per-job-independent configuration a Pipeline
// needs. No module-level singletons, every component gets this
// explicitly at construction.
type Config struct {
	TempDir          string
	FFmpegPath       string
	Encoder          string // chosen by the Runner from CapabilitySet.Encoders[0]
	UploadRetries    int
	ProgressCoalesce time.Duration

	// ProgressFailureLimit is the number of consecutive ReportProgress
	// transport failures tolerated before the encode is cancelled locally
	// with cause progress_unreachable. Zero (the default) never escalates.
	ProgressFailureLimit int
}

// Deps are the collaborators a Pipeline calls out to.
type Deps struct {
	Coordinator *coordinator.Client
	Origin      *origin.Client
	Logger      *slog.Logger
}

// Pipeline runs exactly one job.
type Pipeline struct {
	cfg        Config
	deps       Deps
	register   RegisterFunc
	unregister UnregisterFunc
}

// New builds a Pipeline for a single job run. Construct one per claimed
// job, it carries no cross-job state.
func New(cfg Config, deps Deps, register RegisterFunc, unregister UnregisterFunc) *Pipeline {
	if cfg.ProgressCoalesce <= 0 {
		cfg.ProgressCoalesce = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, deps: deps, register: register, unregister: unregister}
}

// Run drives job from claimed to terminal. It never returns an error: every
// outcome is either exactly one coordinator report or a deliberate
// silence, never both.
func (p *Pipeline) Run(ctx context.Context, job *models.JobDescriptor) {
	ws := newWorkspace(p.cfg.TempDir, job.JobID)
	defer ws.Cleanup()
	defer p.unregister(job.JobID)

	meta, err := p.deps.Origin.FetchMetadata(ctx, job.Origin, job.MediaRatingKey)
	if err != nil {
		p.fail(ctx, job.JobID, "metadata_fetch_failed", err)
		return
	}
	if meta.PartKey == "" {
		p.fail(ctx, job.JobID, "metadata_incomplete", errors.New("origin metadata is missing a part key"))
		return
	}

	if err := p.deps.Origin.Download(ctx, job.Origin, meta.PartKey, ws.InputPath); err != nil {
		p.fail(ctx, job.JobID, "download_failed", err)
		return
	}

	durationSeconds := float64(meta.DurationMS) / 1000.0
	outcome := p.encode(ctx, job, ws, durationSeconds)

	switch outcome.cause {
	case causeCancelled:
		p.deps.Logger.Info("job cancelled by coordinator during encode", slog.String("job_id", job.JobID))
		return
	case causeShutdown:
		p.deps.Logger.Info("job aborted by worker shutdown", slog.String("job_id", job.JobID))
		return
	case causeEncodeFailed:
		p.fail(ctx, job.JobID, "encode_failed", outcome.err)
		return
	case causeProgressUnreachable:
		p.fail(ctx, job.JobID, "progress_unreachable", outcome.err)
		return
	}

	// Final 100% sample delivered before upload begins. Best-effort: a
	// transport failure here must not block the upload, matching the
	// soft-failure policy for progress reports.
	final := models.ProgressSample{
		PercentComplete:       100,
		ElapsedSeconds:        durationSeconds,
		EstimatedTotalSeconds: durationSeconds,
	}
	if _, err := p.deps.Coordinator.ReportProgress(ctx, job.JobID, final, nil); err != nil {
		p.deps.Logger.Warn("final progress report failed, continuing to upload",
			slog.String("job_id", job.JobID), slog.Any("error", err))
	}

	if err := p.upload(ctx, job.JobID, ws.OutputPath); err != nil {
		var gone *coordinator.GoneError
		if errors.As(err, &gone) {
			p.deps.Logger.Info("job discarded: coordinator returned 410 during upload",
				slog.String("job_id", job.JobID))
			return
		}
		p.fail(ctx, job.JobID, "upload_failed", err)
		return
	}

	p.deps.Logger.Info("job completed", slog.String("job_id", job.JobID))
}

// fail reports a terminal failure to the coordinator, unless ctx is
// already done: a ShutdownPoison job is killed and left unreported,
// because the coordinator will expire the claim on its own.
func (p *Pipeline) fail(ctx context.Context, jobID, cause string, err error) {
	if ctx.Err() != nil {
		p.deps.Logger.Info("job aborted by worker shutdown, not reporting",
			slog.String("job_id", jobID), slog.String("cause", cause))
		return
	}
	p.deps.Logger.Warn("job failed", slog.String("job_id", jobID), slog.String("cause", cause), slog.Any("error", err))
	p.deps.Coordinator.ReportError(ctx, jobID, fmt.Sprintf("%s: %v", cause, err))
}

// encodeCause classifies why the Encode step ended without succeeding.
type encodeCause int

const (
	causeNone encodeCause = iota
	causeCancelled
	causeShutdown
	causeEncodeFailed
	causeProgressUnreachable
)

type encodeOutcome struct {
	cause encodeCause
	err   error
}

// encodeSignal carries the reason watchProgress asked for the encoder to
// be terminated early, distinct from it exiting on its own.
type encodeSignal struct {
	cancelledByCoordinator bool
	progressUnreachable    bool
}

var reEncoderTime = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}\.\d+)`)

// encode spawns the encoder subprocess, registers it in the Active Job
// Table, and parses its stderr for progress until it exits.
func (p *Pipeline) encode(ctx context.Context, job *models.JobDescriptor, ws Workspace, durationSeconds float64) encodeOutcome {
	args := buildEncodeArgs(ws.InputPath, ws.OutputPath, p.cfg.Encoder, job.ResolutionHeight, job.MaxBitrateKbps)

	proc, err := subprocess.Start(p.cfg.FFmpegPath, args...)
	if err != nil {
		return encodeOutcome{cause: causeEncodeFailed, err: err}
	}
	p.register(job.JobID, proc)

	signal := encodeSignal{}
	progressDone := make(chan struct{})

	go func() {
		defer close(progressDone)
		p.watchProgress(ctx, job.JobID, proc, durationSeconds, &signal)
	}()

	waitErr := proc.Wait()
	<-progressDone

	if ctx.Err() != nil {
		return encodeOutcome{cause: causeShutdown}
	}
	if signal.progressUnreachable {
		return encodeOutcome{cause: causeProgressUnreachable, err: errors.New("progress reports failed too many times in a row")}
	}
	if signal.cancelledByCoordinator {
		return encodeOutcome{cause: causeCancelled}
	}
	if waitErr != nil {
		return encodeOutcome{cause: causeEncodeFailed, err: waitErr}
	}
	if code := proc.ExitCode(); code != 0 {
		return encodeOutcome{cause: causeEncodeFailed, err: fmt.Errorf("encoder exited with status %d", code)}
	}
	return encodeOutcome{cause: causeNone}
}

// watchProgress scans the encoder's stderr for time markers, coalesces
// samples, and forwards them to the coordinator. If the coordinator
// responds that the job is cancelled, or ProgressFailureLimit consecutive
// reports fail, it sends SIGTERM to the subprocess and returns; the encode
// step then resolves to causeCancelled or causeProgressUnreachable
// respectively.
func (p *Pipeline) watchProgress(ctx context.Context, jobID string, proc *subprocess.Process, durationSeconds float64, signal *encodeSignal) {
	scanner := bufio.NewScanner(proc.Stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lastSent time.Time
	lastPercent := -1.0
	consecutiveFailures := 0

	for scanner.Scan() {
		matches := reEncoderTime.FindStringSubmatch(scanner.Text())
		if matches == nil {
			continue
		}

		hours, _ := strconv.Atoi(matches[1])
		minutes, _ := strconv.Atoi(matches[2])
		seconds, _ := strconv.ParseFloat(matches[3], 64)
		elapsed := float64(hours*3600+minutes*60) + seconds

		percent := 0.0
		if durationSeconds > 0 {
			percent = elapsed / durationSeconds * 100
			if percent > 100 {
				percent = 100
			}
		}
		if percent < lastPercent {
			continue // progress samples must be monotonic non-decreasing
		}

		now := time.Now()
		if percent < 100 && now.Sub(lastSent) < p.cfg.ProgressCoalesce {
			continue
		}
		lastSent = now
		lastPercent = percent

		sample := models.ProgressSample{
			PercentComplete:       percent,
			ElapsedSeconds:        elapsed,
			EstimatedTotalSeconds: durationSeconds,
		}
		cont, err := p.deps.Coordinator.ReportProgress(ctx, jobID, sample, nil)
		if err != nil {
			consecutiveFailures++
			p.deps.Logger.Warn("progress report failed, continuing encode",
				slog.String("job_id", jobID), slog.Any("error", err),
				slog.Int("consecutive_failures", consecutiveFailures))
			if limit := p.cfg.ProgressFailureLimit; limit > 0 && consecutiveFailures >= limit {
				signal.progressUnreachable = true
				_ = proc.Terminate()
				return
			}
			continue
		}
		consecutiveFailures = 0
		if !cont {
			signal.cancelledByCoordinator = true
			_ = proc.Terminate()
			return
		}
	}
}

// upload uploads ws at outputPath with bounded retries and linear backoff.
// A GoneError short-circuits retries immediately.
func (p *Pipeline) upload(ctx context.Context, jobID, outputPath string) error {
	retries := p.cfg.UploadRetries
	if retries <= 0 {
		retries = 3
	}

	bo := newLinearBackoff(5*time.Second, retries)

	operation := func() error {
		err := p.deps.Coordinator.UploadComplete(ctx, jobID, outputPath)
		if err == nil {
			return nil
		}
		var gone *coordinator.GoneError
		if errors.As(err, &gone) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, bo)
}
