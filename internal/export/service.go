package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koios/shotframe/internal/compositor"
	"github.com/koios/shotframe/internal/retry"
	"github.com/koios/shotframe/pkg/models"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("export not found")
	ErrUnknownDevice = errors.New("unknown device")
)

// previewPoll is how often Render checks whether a preview's images arrived.
const previewPoll = 50 * time.Millisecond

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithServiceClock(c clockwork.Clock) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithFontBook(b *compositor.FontBook) ServiceOption {
	return func(s *Service) { s.fonts = b }
}

func WithDefaultPolicy(p Policy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

func WithRegistry(r *Registry) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.registry = r
		}
	}
}

// Service builds exports from requests and runs them in the background.
type Service struct {
	catalog  *models.DeviceCatalog
	resolver compositor.ImageResolver
	client   BundleClient
	fonts    *compositor.FontBook
	policy   Policy
	registry *Registry
	clock    clockwork.Clock
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a service. Background runs live until Shutdown.
func NewService(catalog *models.DeviceCatalog, resolver compositor.ImageResolver, client BundleClient, opts ...ServiceOption) *Service {
	s := &Service{
		catalog:  catalog,
		resolver: resolver,
		client:   client,
		policy:   DefaultPolicy(),
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry(s.clock)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Catalog() *models.DeviceCatalog { return s.catalog }

func (s *Service) compositorOpts() []compositor.Option {
	opts := []compositor.Option{
		compositor.WithClock(s.clock),
		compositor.WithLogger(s.logger),
	}
	if s.fonts != nil {
		opts = append(opts, compositor.WithFonts(s.fonts))
	}
	return opts
}

// NewCompositor builds a compositor for cfg's device with cfg applied.
func (s *Service) NewCompositor(cfg models.ScreenshotConfiguration) (*compositor.Compositor, error) {
	device, ok := s.catalog.Device(cfg.DeviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, cfg.DeviceID)
	}
	c := compositor.New(device, s.resolver, s.compositorOpts()...)
	c.Apply(cfg)
	return c, nil
}

// Shots builds one compositor per configuration. Missing filenames get
// "<prefix> - Screenshot <n>", numbered per device.
func (s *Service) Shots(configs []models.ScreenshotConfiguration) ([]Shot, func(), error) {
	var built []*compositor.Compositor
	release := func() {
		for _, c := range built {
			c.Close()
		}
	}

	perDevice := make(map[string]int)
	shots := make([]Shot, 0, len(configs))
	for _, cfg := range configs {
		c, err := s.NewCompositor(cfg)
		if err != nil {
			release()
			return nil, nil, err
		}
		built = append(built, c)

		perDevice[cfg.DeviceID]++
		name := cfg.Filename
		if name == "" {
			name = models.DefaultFilename(c.Device(), perDevice[cfg.DeviceID])
		}
		shot := Shot{Filename: name, Source: c}
		if u, err := url.Parse(cfg.ScreenshotURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			shot.SourceURL = cfg.ScreenshotURL
		}
		shots = append(shots, shot)
	}
	return shots, release, nil
}

func (s *Service) exportOptions(req models.ExportRequest) []Option {
	policy := s.policy
	policy.HighQuality = policy.HighQuality || req.HighQuality
	opts := []Option{
		WithID(req.ID),
		WithPolicy(policy),
		WithClock(s.clock),
		WithLogger(s.logger),
	}
	if req.RenderAnyway {
		opts = append(opts, WithAutoDecision(DecisionRenderAnyway))
	}
	return opts
}

// Start registers an export for req and runs it in the background.
func (s *Service) Start(req models.ExportRequest) (*Export, error) {
	shots, release, err := s.Shots(req.Shots)
	if err != nil {
		return nil, err
	}

	e := New(req.SetID, shots, s.client, s.exportOptions(req)...)
	s.registry.Add(e, release)
	s.logger.Info("Export started",
		zap.String("export_id", e.ID()),
		zap.String("set_id", req.SetID),
		zap.Int("shots", len(shots)))

	s.background(e.Run)
	return e, nil
}

// Retry restarts a failed export in the background.
func (s *Service) Retry(id string) (*Export, error) {
	e, ok := s.registry.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if e.State() != StateFailed {
		return nil, ErrNotRetryable
	}
	s.background(e.Retry)
	return e, nil
}

func (s *Service) Decide(id string, d Decision) (*Export, error) {
	e, ok := s.registry.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e, e.Decide(d)
}

func (s *Service) Get(id string) (*Export, error) {
	e, ok := s.registry.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Remove drops the export from the registry and closes its compositors.
func (s *Service) Remove(id string) error {
	if !s.registry.Remove(id) {
		return ErrNotFound
	}
	return nil
}

func (s *Service) background(run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Errors land in the export's status.
		_ = run(s.ctx)
	}()
}

// Run builds an export for req and runs it to completion on the caller's
// goroutine. The export is not registered.
func (s *Service) Run(ctx context.Context, req models.ExportRequest, opts ...Option) (*Export, error) {
	shots, release, err := s.Shots(req.Shots)
	if err != nil {
		return nil, err
	}
	defer release()

	e := New(req.SetID, shots, s.client, append(s.exportOptions(req), opts...)...)
	return e, e.Run(ctx)
}

// Render composes a single preview. It waits for the images until ctx is
// done, then renders whatever has loaded.
func (s *Service) Render(ctx context.Context, cfg models.ScreenshotConfiguration, q compositor.Quality) ([]byte, error) {
	c, err := s.NewCompositor(cfg)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	for !c.ImagesLoaded() {
		if err := retry.Sleep(ctx, s.clock, previewPoll); err != nil {
			s.logger.Debug("Rendering preview before images loaded",
				zap.String("device_id", cfg.DeviceID))
			break
		}
	}
	return c.Encode(q)
}

// Shutdown stops background exports and waits for them to return.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
