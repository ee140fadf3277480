package regionserver

import (
	"time"

	"github.com/tab-sharding/tabrs/pkg/models/regions"
	"github.com/tab-sharding/tabrs/pkg/tablog"
)

// LoggingProgress reports liveness of a long region open, logging at most
// once per interval.
type LoggingProgress struct {
	desc     *regions.RegionDescriptor
	interval time.Duration
	lastLog  time.Time
}

func NewLoggingProgress(desc *regions.RegionDescriptor, interval time.Duration) *LoggingProgress {
	return &LoggingProgress{
		desc:     desc,
		interval: interval,
		lastLog:  time.Now(),
	}
}

func (p *LoggingProgress) Progress() {
	now := time.Now()
	if now.Sub(p.lastLog) >= p.interval {
		tablog.Zero.Info().
			Str("region", p.desc.EncodedName()).
			Msg("regionserver: opening region")
		p.lastLog = now
	}
}
