// Package export drives a batch of shots through rendering, upload, bundle
// creation and bundle polling.
package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/koios/shotframe/internal/compositor"
	"github.com/koios/shotframe/internal/metrics"
	"github.com/koios/shotframe/internal/retry"
	"github.com/koios/shotframe/internal/taskqueue"
	"github.com/koios/shotframe/internal/tasks"
	"github.com/koios/shotframe/pkg/models"
	"go.uber.org/zap"
)

// State is a step of the export state machine.
type State string

const (
	StateIdle             State = "idle"
	StateWaitingForImages State = "waiting_for_images"
	StateRendering        State = "rendering"
	StateUploading        State = "uploading"
	StateBundleCreating   State = "bundle_creating"
	StatePolling          State = "polling"
	StateReady            State = "ready"
	StateFailed           State = "failed"
	StateAborted          State = "aborted"
)

// Terminal reports whether the export has stopped.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed || s == StateAborted
}

var (
	ErrImageLoadTimeout = errors.New("images did not finish loading")
	ErrBundleCreate     = errors.New("bundle creation failed")
	ErrBundleProcessing = errors.New("bundle processing failed")
	ErrPollingTransport = errors.New("bundle status check failed")
	ErrPollTimeout      = errors.New("bundle was not ready in time")
	ErrAborted          = errors.New("export aborted")

	ErrBusy              = errors.New("export is already running")
	ErrNotRetryable      = errors.New("only a failed export can be retried")
	ErrNoDecisionPending = errors.New("export is not waiting for a decision")
	ErrNotReady          = errors.New("export bundle is not ready")
)

const (
	subWaiting   = "Waiting for images to load..."
	subSlow      = "Taking longer than expected..."
	subTimeout   = "Some images are not loading. Render anyway or abort."
	subRendering = "Rendering images..."
	subUploading = "Uploading..."
	subBundling  = "Creating a zip file..."
	subPolling   = "Hang tight, this could take a minute or two."
)

// Decision answers the image load timeout.
type Decision int

const (
	DecisionAbort Decision = iota
	DecisionRenderAnyway
)

// ParseDecision accepts "abort" and "render_anyway".
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "abort":
		return DecisionAbort, nil
	case "render_anyway", "render-anyway", "renderAnyway":
		return DecisionRenderAnyway, nil
	}
	return DecisionAbort, fmt.Errorf("unknown decision %q", s)
}

// NoticeKind classifies a Notice.
type NoticeKind string

const (
	NoticeSlowImages       NoticeKind = "slow_images"
	NoticeImageLoadTimeout NoticeKind = "image_load_timeout"
)

// Notice is an out-of-band message for whoever is watching the export.
type Notice struct {
	Kind    NoticeKind
	Message string
	Err     error
}

// Renderable is one shot's compositor as seen by the export.
type Renderable interface {
	tasks.Encoder
	ImagesLoaded() bool
}

// Shot is one image of the export. SourceURL, when set, is an http(s)
// screenshot the upload endpoint can fetch if rendering fails.
type Shot struct {
	Filename  string
	Source    Renderable
	SourceURL string
}

// BundleClient uploads images and manages the archive on the remote side.
type BundleClient interface {
	tasks.Uploader
	CreateBundle(ctx context.Context, setID string, hq bool, entries []models.BundleEntry) (string, error)
	BundleStatus(ctx context.Context, bundleID string) (models.BundleStatus, error)
	DownloadURL(ctx context.Context, setID, bundleID, token string) (string, error)
}

// Option configures an Export.
type Option func(*Export)

func WithID(id string) Option {
	return func(e *Export) {
		if id != "" {
			e.id = id
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(e *Export) { e.policy = p }
}

func WithClock(c clockwork.Clock) Option {
	return func(e *Export) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Export) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAutoDecision answers the image load timeout without waiting for Decide.
func WithAutoDecision(d Decision) Option {
	return func(e *Export) { e.auto = &d }
}

// WithWatcher hands the export to fn before it can run, so listeners
// attached there see every update.
func WithWatcher(fn func(*Export)) Option {
	return func(e *Export) { e.watchers = append(e.watchers, fn) }
}

// Export is one run of the export pipeline over an ordered list of shots.
type Export struct {
	id     string
	setID  string
	shots  []Shot
	client BundleClient
	policy Policy
	clock  clockwork.Clock
	logger *zap.Logger
	auto   *Decision

	watchers  []func(*Export)
	decisions chan Decision

	mu          sync.Mutex
	state       State
	subStatus   string
	progress    float64
	bundleID    string
	err         error
	uploaded    int
	failed      int
	needsChoice bool
	running     bool
	updatedAt   time.Time

	statusListeners []func(models.ExportStatus)
	noticeListeners []func(Notice)
}

// New creates an idle export for setID.
func New(setID string, shots []Shot, client BundleClient, opts ...Option) *Export {
	e := &Export{
		id:        uuid.NewString(),
		setID:     setID,
		shots:     shots,
		client:    client,
		policy:    DefaultPolicy(),
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		decisions: make(chan Decision, 1),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.updatedAt = e.clock.Now()
	e.logger = e.logger.With(zap.String("export_id", e.id), zap.String("set_id", setID))
	for _, fn := range e.watchers {
		fn(e)
	}
	return e
}

func (e *Export) ID() string    { return e.id }
func (e *Export) SetID() string { return e.setID }

// Status returns a snapshot of the export.
func (e *Export) Status() models.ExportStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Export) statusLocked() models.ExportStatus {
	st := models.ExportStatus{
		ID:          e.id,
		SetID:       e.setID,
		State:       string(e.state),
		SubStatus:   e.subStatus,
		Progress:    e.progress,
		BundleID:    e.bundleID,
		Uploaded:    e.uploaded,
		Failed:      e.failed,
		Total:       len(e.shots),
		NeedsChoice: e.needsChoice,
		UpdatedAt:   e.updatedAt,
	}
	if e.err != nil {
		st.Error = e.err.Error()
	}
	return st
}

// State returns the current state.
func (e *Export) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error of a failed or aborted export.
func (e *Export) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// OnStatus registers fn to receive every status change.
func (e *Export) OnStatus(fn func(models.ExportStatus)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusListeners = append(e.statusListeners, fn)
	idx := len(e.statusListeners) - 1
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.statusListeners[idx] = nil
	}
}

// OnNotice registers fn to receive slow-load and timeout notices.
func (e *Export) OnNotice(fn func(Notice)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.noticeListeners = append(e.noticeListeners, fn)
	idx := len(e.noticeListeners) - 1
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.noticeListeners[idx] = nil
	}
}

// update applies fn under the lock and publishes the resulting status.
func (e *Export) update(fn func()) {
	e.mu.Lock()
	fn()
	e.updatedAt = e.clock.Now()
	st := e.statusLocked()
	fns := append(([]func(models.ExportStatus))(nil), e.statusListeners...)
	e.mu.Unlock()

	for _, fn := range fns {
		if fn != nil {
			fn(st)
		}
	}
}

func (e *Export) setState(s State, sub string) {
	e.logger.Debug("Export state changed", zap.String("state", string(s)))
	e.update(func() {
		e.state = s
		e.subStatus = sub
	})
}

func (e *Export) notice(n Notice) {
	e.mu.Lock()
	fns := append(([]func(Notice))(nil), e.noticeListeners...)
	e.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(n)
		}
	}
}

// Decide answers a pending image load timeout.
func (e *Export) Decide(d Decision) error {
	e.mu.Lock()
	pending := e.needsChoice
	e.mu.Unlock()
	if !pending {
		return ErrNoDecisionPending
	}
	select {
	case e.decisions <- d:
		return nil
	default:
		return ErrNoDecisionPending
	}
}

// Run waits for images, then renders, uploads, bundles and polls until the
// bundle is ready or the export fails. The returned error is also kept in
// Status.
func (e *Export) Run(ctx context.Context) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.waitForImages(ctx); err != nil {
		return err
	}
	return e.pipeline(ctx)
}

// Retry restarts a failed export at rendering.
func (e *Export) Retry(ctx context.Context) error {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != StateFailed {
		return ErrNotRetryable
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	e.logger.Info("Retrying export")
	e.update(func() {
		e.err = nil
		e.bundleID = ""
		e.uploaded, e.failed = 0, 0
		e.progress = 0
	})
	return e.pipeline(ctx)
}

func (e *Export) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Export) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrBusy
	}
	e.running = true
	metrics.ExportsActive.Inc()
	return nil
}

func (e *Export) end() {
	e.mu.Lock()
	e.running = false
	state := e.state
	e.mu.Unlock()

	metrics.ExportsActive.Dec()
	if state.Terminal() {
		metrics.ExportsTotal.WithLabelValues(string(state)).Inc()
	}
}

func (e *Export) pipeline(ctx context.Context) error {
	entries, err := e.renderAndUpload(ctx)
	if err != nil {
		return e.fail(err)
	}
	bundleID, err := e.createBundle(ctx, entries)
	if err != nil {
		return e.fail(err)
	}
	if err := e.poll(ctx, bundleID); err != nil {
		return e.fail(err)
	}
	return nil
}

func (e *Export) fail(err error) error {
	e.logger.Warn("Export failed", zap.Error(err))
	e.update(func() {
		e.state = StateFailed
		e.subStatus = ""
		e.err = err
	})
	return err
}

func (e *Export) imagesLoaded() bool {
	for _, s := range e.shots {
		if s.Source != nil && !s.Source.ImagesLoaded() {
			return false
		}
	}
	return true
}

// waitForImages polls until every shot reports its images loaded. After
// the last attempt it asks for a decision.
func (e *Export) waitForImages(ctx context.Context) error {
	if e.imagesLoaded() {
		return nil
	}
	e.setState(StateWaitingForImages, subWaiting)

	for attempt := 1; ; attempt++ {
		if err := retry.Sleep(ctx, e.clock, e.policy.ImageWaitInterval); err != nil {
			return e.fail(err)
		}
		if e.imagesLoaded() {
			return nil
		}
		if attempt == e.policy.SlowNoticeAfter {
			e.update(func() { e.subStatus = subSlow })
			e.notice(Notice{Kind: NoticeSlowImages, Message: subSlow})
		}
		if attempt >= e.policy.ImageWaitAttempts {
			return e.awaitDecision(ctx)
		}
	}
}

func (e *Export) awaitDecision(ctx context.Context) error {
	e.logger.Warn("Images did not load in time", zap.Int("attempts", e.policy.ImageWaitAttempts))
	e.update(func() {
		e.needsChoice = true
		e.subStatus = subTimeout
	})
	e.notice(Notice{Kind: NoticeImageLoadTimeout, Message: subTimeout, Err: ErrImageLoadTimeout})

	var d Decision
	if e.auto != nil {
		d = *e.auto
	} else {
		select {
		case d = <-e.decisions:
		case <-ctx.Done():
			e.update(func() { e.needsChoice = false })
			return e.fail(fmt.Errorf("%w: %w", ErrImageLoadTimeout, ctx.Err()))
		}
	}

	e.update(func() { e.needsChoice = false })
	if d == DecisionRenderAnyway {
		e.logger.Info("Rendering anyway")
		return nil
	}

	e.update(func() {
		e.state = StateAborted
		e.subStatus = ""
		e.err = ErrAborted
	})
	return ErrAborted
}

// renderAndUpload renders every shot and uploads each result as soon as its
// render finishes. It returns the successful uploads in shot order.
func (e *Export) renderAndUpload(ctx context.Context) ([]models.BundleEntry, error) {
	e.setState(StateRendering, subRendering)

	quality := compositor.QualityNormal
	if e.policy.HighQuality {
		quality = compositor.QualityHigh
	}
	taskOpts := []tasks.Option{
		tasks.WithClock(e.clock),
		tasks.WithLogger(e.logger),
		tasks.WithQuality(quality),
		tasks.WithYield(e.policy.RenderYield),
		tasks.WithMaxRetries(e.policy.UploadMaxRetries),
	}

	renderQ := taskqueue.New("render",
		taskqueue.WithConcurrency(e.policy.RenderConcurrency),
		taskqueue.WithLogger(e.logger),
		taskqueue.WithContext(ctx))
	uploadQ := taskqueue.New("upload",
		taskqueue.WithConcurrency(e.policy.UploadConcurrency),
		taskqueue.WithLogger(e.logger),
		taskqueue.WithContext(ctx))

	var mu sync.Mutex
	uploads := make([]*tasks.UploadTask, len(e.shots))

	renderQ.OnTaskFinished(func(t taskqueue.Task, _ error) {
		rt := t.(*tasks.RenderTask)
		var u *tasks.UploadTask
		if out := rt.Output(); out != nil {
			u = tasks.NewUploadTask(rt.Index, rt.Filename, out, e.client, taskOpts...)
		} else if src := e.shots[rt.Index].SourceURL; src != "" {
			e.logger.Warn("Render failed, bundling the source screenshot",
				zap.Int("index", rt.Index),
				zap.String("source", src))
			u = tasks.NewFetchTask(rt.Index, rt.Filename, src, e.client, taskOpts...)
		} else {
			// Holds the shot's share of upload progress.
			uploadQ.AddCountedTask(taskqueue.NewFunc(models.UploadWeight, func(context.Context, taskqueue.ProgressFunc) error {
				return nil
			}))
			return
		}
		mu.Lock()
		uploads[rt.Index] = u
		mu.Unlock()
		uploadQ.AddCountedTask(u)
	})

	uploadQ.OnTaskFinished(func(t taskqueue.Task, _ error) {
		u, ok := t.(*tasks.UploadTask)
		if !ok {
			e.update(func() { e.failed++ })
			return
		}
		rec := u.Record()
		if !rec.Succeeded() {
			e.logger.Warn("Image left out of the bundle",
				zap.Int("index", u.Index),
				zap.String("filename", u.Filename),
				zap.String("source", rec.SourceURL),
				zap.Int("size", rec.Size),
				zap.Int("retries", rec.Retries))
		}
		e.update(func() {
			if rec.Succeeded() {
				e.uploaded++
			} else {
				e.failed++
			}
		})
	})

	uploadQ.OnProgress(func(progress, total float64) {
		uploading := renderQ.IsFinished()
		e.update(func() {
			if total > 0 {
				e.progress = progress / total
			}
			if uploading && e.state == StateRendering {
				e.state = StateUploading
				e.subStatus = subUploading
			}
		})
	})

	done := make(chan struct{})
	var once sync.Once
	finish := func() {
		if renderQ.IsFinished() && uploadQ.IsFinished() {
			once.Do(func() { close(done) })
		}
	}
	renderQ.OnDrain(func() {
		e.update(func() {
			if e.state == StateRendering {
				e.state = StateUploading
				e.subStatus = subUploading
			}
		})
		finish()
	})
	uploadQ.OnDrain(finish)

	if len(e.shots) == 0 {
		close(done)
	} else {
		batch := make([]taskqueue.Task, len(e.shots))
		for i, s := range e.shots {
			batch[i] = tasks.NewRenderTask(i, s.Filename, s.Source, taskOpts...)
			uploadQ.AddExpectedProgress(models.UploadWeight)
		}
		renderQ.AddTasks(batch...)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var entries []models.BundleEntry
	for i, u := range uploads {
		if u == nil {
			continue
		}
		if rec := u.Record(); rec.Succeeded() {
			entries = append(entries, models.BundleEntry{UploadID: *rec.UploadID, Filename: e.shots[i].Filename})
		}
	}
	e.logger.Info("Uploads finished",
		zap.Int("uploaded", len(entries)),
		zap.Int("total", len(e.shots)))
	return entries, nil
}

func (e *Export) createBundle(ctx context.Context, entries []models.BundleEntry) (string, error) {
	e.setState(StateBundleCreating, subBundling)

	id, err := e.client.CreateBundle(ctx, e.setID, e.policy.HighQuality, entries)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBundleCreate, err)
	}
	e.logger.Info("Bundle created", zap.String("bundle_id", id))
	e.update(func() {
		e.bundleID = id
		e.progress = 1
	})
	return id, nil
}

// poll checks the bundle status after a growing wait until it settles.
func (e *Export) poll(ctx context.Context, bundleID string) error {
	e.setState(StatePolling, subPolling)

	backoff := retry.NewBackoff(e.policy.PollInitial, e.policy.PollMultiplier)
	start := e.clock.Now()
	for {
		if err := retry.Sleep(ctx, e.clock, backoff.Next()); err != nil {
			return err
		}

		status, err := e.client.BundleStatus(ctx, bundleID)
		if err != nil {
			metrics.BundlePollsTotal.WithLabelValues("transport_error").Inc()
			return fmt.Errorf("%w: %w", ErrPollingTransport, err)
		}
		metrics.BundlePollsTotal.WithLabelValues(string(status)).Inc()

		switch status {
		case models.BundleReady:
			e.logger.Info("Bundle ready", zap.String("bundle_id", bundleID))
			e.setState(StateReady, "")
			return nil
		case models.BundleError:
			return ErrBundleProcessing
		}
		if e.policy.PollTimeout > 0 && e.clock.Since(start) >= e.policy.PollTimeout {
			return fmt.Errorf("%w after %s", ErrPollTimeout, e.policy.PollTimeout)
		}
	}
}

// DownloadURL exchanges the ready bundle and token for the archive URL.
func (e *Export) DownloadURL(ctx context.Context, token string) (string, error) {
	e.mu.Lock()
	state, bundleID := e.state, e.bundleID
	e.mu.Unlock()
	if state != StateReady {
		return "", ErrNotReady
	}
	return e.client.DownloadURL(ctx, e.setID, bundleID, token)
}
