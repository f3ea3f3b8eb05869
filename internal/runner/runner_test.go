package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearreel/transcode-worker/internal/coordinator"
	"github.com/clearreel/transcode-worker/internal/origin"
	"github.com/clearreel/transcode-worker/internal/pipeline"
	"github.com/clearreel/transcode-worker/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

// fakeSleepingFFmpeg writes its last argument as an output file only after
// sleepSeconds, so a job stays in the Active Job Table for a controllable
// window. It exits 0 if left alone, or early (uncleanly) if SIGTERMed.
func fakeSleepingFFmpeg(t *testing.T, sleepSeconds float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := fmt.Sprintf("#!/bin/sh\nsleep %g\nout=\"\"\nfor a in \"$@\"; do out=\"$a\"; done\necho x > \"$out\"\nexit 0\n", sleepSeconds)
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func newFakeOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/library/metadata/") {
			_, _ = w.Write([]byte(`{"MediaContainer":{"Metadata":[{"duration":60000,"Media":[{"Part":[{"key":"/part/1"}]}]}]}}`))
			return
		}
		_, _ = w.Write([]byte("source bytes"))
	}))
}

type fakeCoordinatorServer struct {
	mu          sync.Mutex
	claimCount  int
	jobsIssued  int
	uploadCount int
	errorCount  int

	registerFailuresRemaining int32
	registerAttempts          int32
	heartbeatNotFound         int32 // if 1, the next heartbeat gets a 404 and this resets to 0

	originURL string
}

func (fc *fakeCoordinatorServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workers/register", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&fc.registerAttempts, 1)
		if atomic.LoadInt32(&fc.registerFailuresRemaining) >= n {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/workers/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if atomic.CompareAndSwapInt32(&fc.heartbeatNotFound, 1, 0) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/jobs/claim", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		fc.claimCount++
		fc.jobsIssued++
		id := fmt.Sprintf("job-%d", fc.jobsIssued)
		fc.mu.Unlock()

		job := models.JobDescriptor{
			JobID:          id,
			MediaRatingKey: "100",
			Origin:         models.OriginCredentials{OriginBaseURL: fc.originURL, OriginToken: "tok"},
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fmt.Sprintf(`{"job":{"job_id":%q,"media_rating_key":"100","origin":{"origin_base_url":%q,"origin_token":"tok"}}}`,
			job.JobID, fc.originURL)))
	})
	mux.HandleFunc("/api/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/progress"):
			_, _ = w.Write([]byte(`{"continue":true}`))
		case strings.HasSuffix(r.URL.Path, "/upload"):
			fc.mu.Lock()
			fc.uploadCount++
			fc.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/error"):
			fc.mu.Lock()
			fc.errorCount++
			fc.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	return mux
}

func TestConcurrencyCapNeverExceeded(t *testing.T) {
	originSrv := newFakeOrigin(t)
	defer originSrv.Close()

	fc := &fakeCoordinatorServer{originURL: originSrv.URL}
	coordSrv := httptest.NewServer(fc.handler())
	defer coordSrv.Close()

	ffmpeg := fakeSleepingFFmpeg(t, 2)

	cfg := Config{
		PollInterval:          10 * time.Millisecond,
		HeartbeatInterval:     time.Hour,
		MaxConcurrent:         2,
		RegisterRetryInterval: 10 * time.Millisecond,
		ShutdownGrace:         50 * time.Millisecond,
	}
	coord := coordinator.New(coordSrv.URL, "w1", "k", discardLogger())
	pipelineCfg := pipeline.Config{TempDir: t.TempDir(), FFmpegPath: ffmpeg, UploadRetries: 3, ProgressCoalesce: time.Millisecond}
	pipelineDeps := pipeline.Deps{Coordinator: coord, Origin: origin.New(true), Logger: discardLogger()}

	r := New(cfg, coord, models.Identity{WorkerID: "w1"}, models.CapabilitySet{Encoders: []string{"libx264"}}, pipelineCfg, pipelineDeps, discardLogger())

	ctx, cancel := context.WithCancel(t.Context())

	var maxObserved int32
	stopObserving := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopObserving:
				return
			case <-ticker.C:
				if n := int32(r.ActiveCount()); n > atomic.LoadInt32(&maxObserved) {
					atomic.StoreInt32(&maxObserved, n)
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done
	close(stopObserving)

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxObserved)), 2, "active job count must never exceed MaxConcurrent")
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&maxObserved)), 1, "at least one job should have been admitted")
}

func TestShutdownTerminatesActiveJobsAndSkipsReporting(t *testing.T) {
	originSrv := newFakeOrigin(t)
	defer originSrv.Close()

	fc := &fakeCoordinatorServer{originURL: originSrv.URL}
	coordSrv := httptest.NewServer(fc.handler())
	defer coordSrv.Close()

	ffmpeg := fakeSleepingFFmpeg(t, 30) // far longer than the test will run

	cfg := Config{
		PollInterval:          10 * time.Millisecond,
		HeartbeatInterval:     time.Hour,
		MaxConcurrent:         1,
		RegisterRetryInterval: 10 * time.Millisecond,
		ShutdownGrace:         200 * time.Millisecond,
	}
	coord := coordinator.New(coordSrv.URL, "w1", "k", discardLogger())
	pipelineCfg := pipeline.Config{TempDir: t.TempDir(), FFmpegPath: ffmpeg, UploadRetries: 3, ProgressCoalesce: time.Millisecond}
	pipelineDeps := pipeline.Deps{Coordinator: coord, Origin: origin.New(true), Logger: discardLogger()}

	r := New(cfg, coord, models.Identity{WorkerID: "w1"}, models.CapabilitySet{Encoders: []string{"libx264"}}, pipelineCfg, pipelineDeps, discardLogger())

	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	// Give the runner time to claim and start one job.
	require.Eventually(t, func() bool { return r.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within the shutdown grace budget")
	}
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "shutdown must be bounded by ShutdownGrace, not wait for the job")

	fc.mu.Lock()
	uploads, errs := fc.uploadCount, fc.errorCount
	fc.mu.Unlock()
	assert.Zero(t, uploads, "a job killed by shutdown must never upload")
	assert.Zero(t, errs, "a job killed by shutdown is ShutdownPoison, not a failure report")
}

func TestRegistrationRetriesUntilSuccess(t *testing.T) {
	fc := &fakeCoordinatorServer{}
	fc.registerFailuresRemaining = 2 // first two attempts fail, third succeeds
	coordSrv := httptest.NewServer(fc.handler())
	defer coordSrv.Close()

	coord := coordinator.New(coordSrv.URL, "w1", "k", discardLogger())
	r := New(Config{RegisterRetryInterval: 5 * time.Millisecond}, coord, models.Identity{WorkerID: "w1"}, models.CapabilitySet{}, pipeline.Config{}, pipeline.Deps{Logger: discardLogger()}, discardLogger())

	err := r.registerLoop(t.Context())

	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&fc.registerAttempts), "exactly N+1 attempts: two failures then the success")
}

func TestHeartbeatStateLossTriggersReregister(t *testing.T) {
	fc := &fakeCoordinatorServer{}
	coordSrv := httptest.NewServer(fc.handler())
	defer coordSrv.Close()

	coord := coordinator.New(coordSrv.URL, "w1", "k", discardLogger())
	cfg := Config{
		PollInterval:          time.Hour,
		HeartbeatInterval:     10 * time.Millisecond,
		RegisterRetryInterval: 5 * time.Millisecond,
	}
	// Run's immediate first poll claims a job from the fake coordinator, so
	// the pipeline needs real collaborators to fail that job cleanly.
	pipelineDeps := pipeline.Deps{Coordinator: coord, Origin: origin.New(true), Logger: discardLogger()}
	r := New(cfg, coord, models.Identity{WorkerID: "w1"}, models.CapabilitySet{}, pipeline.Config{TempDir: t.TempDir()}, pipelineDeps, discardLogger())

	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fc.registerAttempts) >= 1 }, time.Second, 5*time.Millisecond,
		"startup registration must happen before the heartbeat loop starts")

	atomic.StoreInt32(&fc.heartbeatNotFound, 1)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fc.registerAttempts) >= 2 }, time.Second, 5*time.Millisecond,
		"a 404 on heartbeat must trigger a background re-register")

	cancel()
	<-done
}

func TestRegistrationRetryRespectsContextCancellation(t *testing.T) {
	coord := coordinator.New("http://127.0.0.1:1", "w1", "k", discardLogger())
	r := New(Config{RegisterRetryInterval: time.Hour}, coord, models.Identity{}, models.CapabilitySet{}, pipeline.Config{}, pipeline.Deps{Logger: discardLogger()}, discardLogger())

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	err := r.registerLoop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
