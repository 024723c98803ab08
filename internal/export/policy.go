package export

import (
	"time"

	"github.com/koios/shotframe/internal/config"
)

// Policy holds the timing and concurrency knobs of an export.
type Policy struct {
	ImageWaitAttempts int
	ImageWaitInterval time.Duration
	SlowNoticeAfter   int
	RenderConcurrency int
	UploadConcurrency int
	UploadMaxRetries  int
	PollInitial       time.Duration
	PollMultiplier    float64
	PollTimeout       time.Duration // zero polls until ready or error
	RenderYield       time.Duration
	HighQuality       bool
}

// DefaultPolicy waits up to 30 x 2s for images, renders and uploads one at a
// time and polls the bundle every 2s, growing by 10% per check.
func DefaultPolicy() Policy {
	return Policy{
		ImageWaitAttempts: 30,
		ImageWaitInterval: 2 * time.Second,
		SlowNoticeAfter:   15,
		RenderConcurrency: 1,
		UploadConcurrency: 1,
		UploadMaxRetries:  3,
		PollInitial:       2 * time.Second,
		PollMultiplier:    1.1,
		RenderYield:       100 * time.Millisecond,
	}
}

// PolicyFromConfig builds a policy from the environment configuration,
// keeping defaults for unset values.
func PolicyFromConfig(cfg config.ExportConfig) Policy {
	p := DefaultPolicy()
	if cfg.ImageWaitAttempts > 0 {
		p.ImageWaitAttempts = cfg.ImageWaitAttempts
	}
	if cfg.ImageWaitInterval > 0 {
		p.ImageWaitInterval = cfg.ImageWaitInterval
	}
	if cfg.SlowNoticeAfter > 0 {
		p.SlowNoticeAfter = cfg.SlowNoticeAfter
	}
	if cfg.RenderConcurrency > 0 {
		p.RenderConcurrency = cfg.RenderConcurrency
	}
	if cfg.UploadConcurrency > 0 {
		p.UploadConcurrency = cfg.UploadConcurrency
	}
	if cfg.UploadMaxRetries >= 0 {
		p.UploadMaxRetries = cfg.UploadMaxRetries
	}
	if cfg.PollInitial > 0 {
		p.PollInitial = cfg.PollInitial
	}
	if cfg.PollMultiplier >= 1 {
		p.PollMultiplier = cfg.PollMultiplier
	}
	if cfg.PollTimeout > 0 {
		p.PollTimeout = cfg.PollTimeout
	}
	if cfg.RenderYield >= 0 {
		p.RenderYield = cfg.RenderYield
	}
	p.HighQuality = cfg.HighQuality
	return p
}
