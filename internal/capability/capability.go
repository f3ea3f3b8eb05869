// Package capability implements the startup encoder probe (C1): it runs
// the encoder subprocess once per candidate hardware encoder against a
// synthetic null source and builds the ordered capability set the rest of
// the worker treats as a process-lifetime constant.
//
// The priority-ordered, first-success-wins detection strategy follows the
// hardware detector pattern used throughout the transcode-adjacent daemon
// packages in this ecosystem: probe cheaply, trust a zero exit status,
// never let a single probe's failure be fatal.
package capability

import (
	"context"
	"log/slog"
	"time"

	"github.com/clearreel/transcode-worker/internal/subprocess"
)

// Known encoder identifiers, in probe/preference order. The software
// fallback is not probed, it is unconditionally appended as the terminal
// default.
const (
	EncoderNVENC    = "h264_nvenc"
	EncoderVAAPI    = "h264_vaapi"
	EncoderQSV      = "h264_qsv"
	EncoderSoftware = "libx264"
)

type candidate struct {
	encoder string
	label   string // GPU family label reported alongside the first success
}

var priority = []candidate{
	{EncoderNVENC, "NVIDIA"},
	{EncoderVAAPI, "VAAPI"},
	{EncoderQSV, "QSV"},
}

// Set is the worker's ordered, usable-encoder capability set. It is
// always non-empty and always ends with EncoderSoftware.
type Set struct {
	Encoders []string
	GPULabel string
}

// Probe runs the startup hardware encoder detection.
type Probe struct {
	ffmpegPath   string
	probeTimeout time.Duration
	logger       *slog.Logger
}

// New builds a Probe. probeTimeout defaults to 15s when zero.
func New(ffmpegPath string, probeTimeout time.Duration, logger *slog.Logger) *Probe {
	if probeTimeout <= 0 {
		probeTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{ffmpegPath: ffmpegPath, probeTimeout: probeTimeout, logger: logger}
}

// Detect runs each candidate hardware encoder in priority order. The first
// successful hardware encoder becomes the GPU label and the head of the
// list; later successes append without displacing it. The software
// fallback is always appended last.
func (p *Probe) Detect(ctx context.Context) Set {
	var encoders []string
	gpuLabel := "None"

	for _, c := range priority {
		if p.probeEncoder(ctx, c.encoder) {
			encoders = append(encoders, c.encoder)
			if gpuLabel == "None" {
				gpuLabel = c.label
			}
		} else {
			p.logger.Warn("encoder probe failed, treating as unavailable",
				slog.String("encoder", c.encoder))
		}
	}

	encoders = append(encoders, EncoderSoftware)
	return Set{Encoders: encoders, GPULabel: gpuLabel}
}

// probeEncoder trial-runs the encoder against a one-frame null source and
// treats a zero exit status within probeTimeout as success. Timeout,
// non-zero exit, and a missing binary all count as "not available", the
// probe is a lower bound, not an exact hardware inventory.
func (p *Probe) probeEncoder(ctx context.Context, encoder string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-f", "lavfi",
		"-i", "nullsrc=s=256x144:d=0.1",
		"-frames:v", "1",
		"-c:v", encoder,
		"-f", "null",
		"-",
	}

	proc, err := subprocess.Start(p.ffmpegPath, args...)
	if err != nil {
		return false
	}

	if err := proc.WaitContext(probeCtx); err != nil {
		if probeCtx.Err() != nil {
			_ = proc.Kill()
			_ = proc.Wait()
		}
		return false
	}

	return proc.ExitCode() == 0
}
