package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koios/shotframe/internal/metrics"
	"github.com/koios/shotframe/internal/remote"
	"github.com/koios/shotframe/internal/retry"
	"github.com/koios/shotframe/internal/taskqueue"
	"github.com/koios/shotframe/pkg/models"
	"go.uber.org/zap"
)

// transferShare is the part of an upload's weight driven by bytes sent; the
// rest is filled by drips while the server processes the image.
const transferShare = models.UploadWeight - 3

// Uploader sends images to the remote upload endpoint; *remote.Client
// implements it.
type Uploader interface {
	UploadImage(ctx context.Context, filename string, payload []byte, progress remote.ProgressFunc) (string, error)
	FetchImage(ctx context.Context, sourceURL string, progress remote.ProgressFunc) (string, error)
}

// UploadTask transfers one payload or source URL, retrying failed transfers.
type UploadTask struct {
	taskqueue.Base

	Index    int
	Filename string

	payload   []byte
	sourceURL string
	uploader  Uploader
	settings

	mu       sync.Mutex
	uploadID *string
	retries  int
}

// NewUploadTask uploads an encoded image. A nil payload makes the task a
// no-op.
func NewUploadTask(index int, filename string, payload []byte, up Uploader, opts ...Option) *UploadTask {
	return &UploadTask{
		Base:     taskqueue.Base{TaskWeight: models.UploadWeight},
		Index:    index,
		Filename: filename,
		payload:  payload,
		uploader: up,
		settings: newSettings(opts),
	}
}

// NewFetchTask has the upload endpoint fetch sourceURL itself.
func NewFetchTask(index int, filename, sourceURL string, up Uploader, opts ...Option) *UploadTask {
	t := NewUploadTask(index, filename, nil, up, opts...)
	t.sourceURL = sourceURL
	return t
}

func (t *UploadTask) Run(ctx context.Context, report taskqueue.ProgressFunc) error {
	if len(t.payload) == 0 && t.sourceURL == "" {
		report(t.Weight())
		return nil
	}

	policy := retry.Policy{
		MaxAttempts: t.maxRetries + 1,
		Clock:       t.clock,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			t.mu.Lock()
			t.retries++
			t.mu.Unlock()
			metrics.UploadAttemptsTotal.WithLabelValues("retry").Inc()
			t.logger.Debug("Retrying upload",
				zap.Int("index", t.Index),
				zap.Int("attempt", attempt),
				zap.Error(err))
			report(0)
		},
	}

	id, err := retry.Do(ctx, policy, classifyUpload, func(int) (string, error) {
		d := newDrip(t.clock, t.Weight(), report)
		defer d.stop()

		start := time.Now()
		id, err := t.transfer(ctx, d.transferred)
		metrics.UploadDuration.Observe(time.Since(start).Seconds())
		return id, err
	})
	if errors.Is(err, remote.ErrNoUploadID) {
		// Accepted, but there is nothing to reference in a bundle.
		metrics.UploadAttemptsTotal.WithLabelValues("no_id").Inc()
		t.logger.Warn("Upload accepted without an id, excluding image",
			zap.Int("index", t.Index),
			zap.String("filename", t.Filename))
		return nil
	}
	if err != nil {
		metrics.UploadAttemptsTotal.WithLabelValues("failed").Inc()
		t.logger.Warn("Upload failed, excluding image",
			zap.Int("index", t.Index),
			zap.String("filename", t.Filename),
			zap.Int("retries", t.Retries()),
			zap.Error(err))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}

	metrics.UploadAttemptsTotal.WithLabelValues("ok").Inc()
	t.mu.Lock()
	t.uploadID = &id
	t.mu.Unlock()
	return nil
}

func classifyUpload(err error) retry.Action {
	if errors.Is(err, remote.ErrNoUploadID) {
		return retry.Stop
	}
	return retry.Retry
}

func (t *UploadTask) transfer(ctx context.Context, progress remote.ProgressFunc) (string, error) {
	if t.sourceURL != "" {
		return t.uploader.FetchImage(ctx, t.sourceURL, progress)
	}
	return t.uploader.UploadImage(ctx, t.Filename+".jpg", t.payload, progress)
}

// UploadID returns the remote id, or nil if the upload has not succeeded.
func (t *UploadTask) UploadID() *string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploadID
}

// Retries returns how many times the transfer was restarted.
func (t *UploadTask) Retries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retries
}

// Record snapshots the task for per-image reporting.
func (t *UploadTask) Record() models.UploadRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.UploadRecord{
		SourceURL: t.sourceURL,
		Size:      len(t.payload),
		UploadID:  t.uploadID,
		Retries:   t.retries,
		Weight:    t.Weight(),
	}
}

// drip tracks the progress of a single transfer attempt, including the
// timed steps added once every byte is sent.
type drip struct {
	clock  clockwork.Clock
	weight float64
	report taskqueue.ProgressFunc

	mu       sync.Mutex
	progress float64
	started  bool
	stopped  bool
	timers   []clockwork.Timer
}

func newDrip(clock clockwork.Clock, weight float64, report taskqueue.ProgressFunc) *drip {
	return &drip{clock: clock, weight: weight, report: report}
}

func (d *drip) transferred(sent, total int64) {
	if total <= 0 {
		return
	}
	frac := float64(sent) / float64(total)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.progress = frac * transferShare
	d.report(d.progress)

	if frac >= 1 && !d.started {
		d.started = true
		for _, delay := range dripDelays {
			d.timers = append(d.timers, d.clock.AfterFunc(delay, d.step))
		}
	}
}

func (d *drip) step() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.progress >= d.weight {
		return
	}
	d.progress++
	if d.progress > d.weight {
		d.progress = d.weight
	}
	d.report(d.progress)
}

// stop cancels pending drips; no report is made after it returns.
func (d *drip) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for _, timer := range d.timers {
		timer.Stop()
	}
	d.timers = nil
}
