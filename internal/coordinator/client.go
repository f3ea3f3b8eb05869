// Package coordinator implements C2: the typed request/response surface
// for register, claim, progress, heartbeat, upload, and report-error. It
// owns auth (the shared worker key) and is the only place HTTP talks to
// the coordinator happen.
//
// The retrying HTTP client and envelope-header pattern (retryablehttp,
// a worker-id header, a typed state-loss error) generalize to the full
// register/claim/progress/heartbeat/upload/report-error operation set.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/clearreel/transcode-worker/pkg/models"
)

// Client is a thin, typed HTTP surface over the coordinator API.
type Client struct {
	baseURL    string
	workerID   string
	workerKey  string
	httpClient *http.Client
	logger     *slog.Logger
}

// New builds a Client. Connection-level retries (not the semantic retry
// policy layered on top by callers) are handled by retryablehttp.
func New(baseURL, workerID, workerKey string, logger *slog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	// Retry only when no response came back at all; every HTTP status is
	// handed to do() for classification.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		workerID:   workerID,
		workerKey:  workerKey,
		httpClient: retryClient.StandardClient(),
		logger:     logger,
	}
}

func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.workerKey)
	req.Header.Set("X-Worker-ID", c.workerID)
	req.Header.Set("X-Request-ID", uuid.New().String())
}

// do performs one request/response round trip, marshaling payload (if any)
// and decoding into out (if non-nil). It classifies the response into the
// sentinel error kinds callers expect.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	url := c.baseURL + path

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return &TransportError{Op: path, Err: fmt.Errorf("marshal payload: %w", err)}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &TransportError{Op: path, Err: fmt.Errorf("build request: %w", err)}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode}
	case http.StatusGone:
		return &GoneError{}
	case http.StatusNotFound:
		return &StateLostError{}
	}

	if resp.StatusCode >= 400 {
		return &TransportError{Op: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransportError{Op: path, Err: fmt.Errorf("decode response: %w", err)}
		}
	}

	return nil
}

// Register declares the worker's capabilities. Callers retry
// TransportError with backoff; AuthError and any
// other error are surfaced the same way.
func (c *Client) Register(ctx context.Context, identity models.Identity, caps models.CapabilitySet) error {
	req := models.RegisterRequest{
		WorkerID:     identity.WorkerID,
		WorkerName:   identity.WorkerName,
		Capabilities: caps,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/workers/register", req, nil)
}

// ClaimJob asks for one job. A nil descriptor with a nil error means the
// coordinator has no work right now.
func (c *Client) ClaimJob(ctx context.Context) (*models.JobDescriptor, error) {
	var resp models.ClaimResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/claim", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// ReportProgress reports one progress sample. continue=true means keep
// encoding; continue=false means the coordinator cancelled the job.
// Transport failures are soft: the caller should treat an error here as
// "keep going, retry next tick" rather than abort.
func (c *Client) ReportProgress(ctx context.Context, jobID string, sample models.ProgressSample, host *models.HostStats) (bool, error) {
	req := models.ProgressRequest{JobID: jobID, Sample: sample, HostStats: host}
	var resp models.ProgressResponse
	path := fmt.Sprintf("/api/v1/jobs/%s/progress", jobID)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return true, err
	}
	return resp.Continue, nil
}

// Heartbeat reports the current active-job count. Failures are the
// caller's to log and swallow.
func (c *Client) Heartbeat(ctx context.Context, activeCount int, host *models.HostStats) error {
	req := models.HeartbeatRequest{ActiveCount: activeCount, HostStats: host}
	return c.do(ctx, http.MethodPost, "/api/v1/workers/heartbeat", req, nil)
}

// UploadComplete streams the output file at filePath as the request body.
// It makes exactly one attempt; the caller (internal/pipeline) owns the
// bounded-retry/backoff policy around it so it can special-case GoneError.
func (c *Client) UploadComplete(ctx context.Context, jobID, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return &TransportError{Op: "upload:open", Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &TransportError{Op: "upload:stat", Err: err}
	}

	url := fmt.Sprintf("%s/api/v1/jobs/%s/upload", c.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return &GoneError{JobID: jobID}
	}
	if resp.StatusCode >= 400 {
		return &TransportError{Op: "upload", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// ReportError is a best-effort notification of terminal job failure. Its
// own failure is logged, never re-raised.
func (c *Client) ReportError(ctx context.Context, jobID, message string) {
	req := models.ReportErrorRequest{JobID: jobID, Message: message}
	path := fmt.Sprintf("/api/v1/jobs/%s/error", jobID)
	if err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		c.logger.Warn("report-error failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}
