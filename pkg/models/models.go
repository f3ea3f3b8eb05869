// Package models defines the wire contract between the worker and the
// coordinator: everything that crosses the network is declared here as an
// explicit, typed struct instead of dynamic JSON access.
package models

// ===== Capability Set =====

// CapabilitySet is the worker's ordered list of usable encoders plus the
// GPU family label. Encoders[0] is preferred; the last element is always
// the software fallback.
type CapabilitySet struct {
	Encoders []string `json:"encoders"`
	GPULabel string   `json:"gpu_label"` // NVIDIA, VAAPI, QSV, or None
}

// ===== Worker Identity =====

// Identity is immutable for the lifetime of the process.
type Identity struct {
	WorkerID   string `json:"worker_id"`
	WorkerName string `json:"worker_name"`
	WorkerKey  string `json:"-"` // never serialized; carried as an auth header
}

// ===== Host telemetry (ambient addition) =====

// HostStats is optional telemetry folded into the heartbeat/progress
// envelope. The coordinator may ignore it; it has no bearing on the job
// lifecycle contract.
type HostStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
}

// ===== Job Descriptor =====

// OriginCredentials grants the worker temporary access to the upstream
// media server for exactly one job.
type OriginCredentials struct {
	OriginBaseURL string `json:"origin_base_url"`
	OriginToken   string `json:"origin_token"`
}

// JobDescriptor is what the coordinator hands over on a successful claim.
type JobDescriptor struct {
	JobID            string            `json:"job_id"`
	MediaRatingKey   string            `json:"media_rating_key"`
	MediaTitle       string            `json:"media_title"`
	ResolutionLabel  string            `json:"resolution_label"`
	ResolutionHeight int               `json:"resolution_height"`
	MaxBitrateKbps   int               `json:"max_bitrate"`
	Origin           OriginCredentials `json:"origin"`
}

// ===== Progress Sample =====

// ProgressSample is monotonic non-decreasing within a single job.
type ProgressSample struct {
	PercentComplete       float64 `json:"percent_complete"`
	ElapsedSeconds        float64 `json:"elapsed_seconds"`
	EstimatedTotalSeconds float64 `json:"estimated_total_seconds"`
}

// ===== Coordinator request/response envelopes =====

// RegisterRequest is sent once at startup to declare capabilities.
type RegisterRequest struct {
	WorkerID     string        `json:"worker_id"`
	WorkerName   string        `json:"worker_name"`
	Capabilities CapabilitySet `json:"capabilities"`
}

// ClaimResponse carries a job when the coordinator has work, or a nil Job
// when it does not.
type ClaimResponse struct {
	Job *JobDescriptor `json:"job,omitempty"`
}

// ProgressRequest reports one progress sample for an in-flight job.
type ProgressRequest struct {
	JobID     string         `json:"job_id"`
	Sample    ProgressSample `json:"sample"`
	HostStats *HostStats     `json:"host_stats,omitempty"`
}

// ProgressResponse tells the pipeline whether to keep encoding.
type ProgressResponse struct {
	Continue bool `json:"continue"`
}

// HeartbeatRequest carries the worker's current active-job count so the
// coordinator can correct its view of the fleet.
type HeartbeatRequest struct {
	ActiveCount int        `json:"active_count"`
	HostStats   *HostStats `json:"host_stats,omitempty"`
}

// ReportErrorRequest is best-effort notification of a terminal job failure.
type ReportErrorRequest struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}
