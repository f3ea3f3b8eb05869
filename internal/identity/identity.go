// Package identity resolves the immutable Worker Identity from
// configuration and host state at startup: a stable worker_id
// (host + startup timestamp), a human worker_name, and the secret
// worker_key. If worker_key is absent the process must refuse to start,
// that check lives in internal/config.Load; this package only fills in
// the two human-facing defaults derived from os.Hostname.
package identity

import (
	"fmt"
	"os"
	"time"

	"github.com/clearreel/transcode-worker/internal/config"
	"github.com/clearreel/transcode-worker/pkg/models"
)

// New builds the worker's Identity for this process lifetime. startedAt
// is passed in explicitly (rather than read via time.Now() here) so the
// default worker_id is reproducible in tests.
func New(cfg *config.Config, startedAt time.Time) models.Identity {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown-host"
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s-%d", hostname, startedAt.UnixMilli())
	}

	workerName := cfg.WorkerName
	if workerName == "" {
		workerName = fmt.Sprintf("worker-%s", hostname)
	}

	return models.Identity{
		WorkerID:   workerID,
		WorkerName: workerName,
		WorkerKey:  cfg.WorkerKey,
	}
}
