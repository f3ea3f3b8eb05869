package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/clearreel/transcode-worker/pkg/models"
)

// HostStats gathers real-time CPU/RAM usage for the optional telemetry
// field folded into heartbeat envelopes. A failure here is never fatal to
// the caller, the coordinator treats the field as advisory.
func HostStats(ctx context.Context) (models.HostStats, error) {
	var stats models.HostStats

	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("host stats: memory: %w", err)
	}
	stats.RAMPercent = v.UsedPercent

	pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return stats, fmt.Errorf("host stats: cpu: %w", err)
	}
	if len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}

	return stats, nil
}
