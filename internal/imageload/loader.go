package imageload

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/koios/shotframe/internal/metrics"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"
)

// StaticPrefix marks catalog frame references served from the frames directory.
const StaticPrefix = "/__static__/devices/"

// Loader fetches and decodes images asynchronously.
type Loader struct {
	logger    *zap.Logger
	client    *http.Client
	cache     ByteCache
	cacheTTL  time.Duration
	staticDir string
	maxBytes  int64
	ctx       context.Context

	group singleflight.Group

	// Frame artwork is shared by every compositor, so its handles are kept.
	mu     sync.Mutex
	static map[string]*Handle
}

// Option configures a Loader.
type Option func(*Loader)

// WithHTTPClient sets the client used for http(s) references.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithCache enables the byte cache for remote references.
func WithCache(c ByteCache, ttl time.Duration) Option {
	return func(l *Loader) {
		l.cache = c
		l.cacheTTL = ttl
	}
}

// WithStaticDir maps StaticPrefix references onto files in dir.
func WithStaticDir(dir string) Option {
	return func(l *Loader) { l.staticDir = dir }
}

// WithMaxBytes caps the size of a single fetched image.
func WithMaxBytes(n int64) Option {
	return func(l *Loader) { l.maxBytes = n }
}

// WithContext bounds every background fetch started by Resolve.
func WithContext(ctx context.Context) Option {
	return func(l *Loader) { l.ctx = ctx }
}

// NewLoader creates a new image loader
func NewLoader(logger *zap.Logger, opts ...Option) *Loader {
	l := &Loader{
		logger:   logger,
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: 20 << 20,
		ctx:      context.Background(),
		static:   make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Resolve starts loading ref in the background and returns its handle.
func (l *Loader) Resolve(ref string) Source {
	return l.Load(l.ctx, ref)
}

// Load starts loading ref in the background and returns its handle.
// Frame artwork handles are shared between callers.
func (l *Loader) Load(ctx context.Context, ref string) *Handle {
	if strings.HasPrefix(ref, StaticPrefix) {
		l.mu.Lock()
		if h, ok := l.static[ref]; ok {
			l.mu.Unlock()
			return h
		}
		h := NewHandle(ref)
		l.static[ref] = h
		l.mu.Unlock()

		// Frames outlive the request that first asked for them.
		go l.fill(context.WithoutCancel(ctx), h)
		return h
	}

	h := NewHandle(ref)
	go l.fill(ctx, h)
	return h
}

func (l *Loader) fill(ctx context.Context, h *Handle) {
	img, err := l.Decode(ctx, h.Ref())
	if err != nil {
		l.logger.Warn("Image load failed",
			zap.String("ref", truncateRef(h.Ref())),
			zap.Error(err))
	}
	h.Resolve(img, err)
}

// Decode fetches and decodes ref synchronously.
func (l *Loader) Decode(ctx context.Context, ref string) (image.Image, error) {
	data, err := l.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", truncateRef(ref), err)
	}
	l.logger.Debug("Image decoded",
		zap.String("ref", truncateRef(ref)),
		zap.String("format", format),
		zap.String("size", humanize.Bytes(uint64(len(data)))))
	return img, nil
}

// Fetch returns the raw bytes behind ref. Concurrent fetches of the same
// reference share one transfer.
func (l *Loader) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty image reference")
	}

	v, err, _ := l.group.Do(ref, func() (interface{}, error) {
		return l.fetch(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (l *Loader) fetch(ctx context.Context, ref string) ([]byte, error) {
	kind := refKind(ref)
	start := time.Now()
	defer func() {
		metrics.ImageFetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	var (
		data []byte
		err  error
	)
	switch kind {
	case "data":
		data, err = decodeDataURI(ref)
	case "http":
		data, err = l.fetchRemote(ctx, ref)
	default:
		data, err = l.readFile(ref)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ImageFetchTotal.WithLabelValues(kind, result).Inc()
	return data, err
}

func (l *Loader) fetchRemote(ctx context.Context, ref string) ([]byte, error) {
	if l.cache != nil {
		data, found, err := l.cache.Get(ctx, ref)
		switch {
		case err != nil:
			metrics.ImageCacheTotal.WithLabelValues("error").Inc()
			l.logger.Warn("Image cache lookup failed", zap.Error(err))
		case found:
			metrics.ImageCacheTotal.WithLabelValues("hit").Inc()
			return data, nil
		default:
			metrics.ImageCacheTotal.WithLabelValues("miss").Inc()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", truncateRef(ref), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: HTTP %d", truncateRef(ref), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", truncateRef(ref), err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("image %s exceeds %s", truncateRef(ref), humanize.Bytes(uint64(l.maxBytes)))
	}

	if l.cache != nil {
		if err := l.cache.Set(ctx, ref, data, l.cacheTTL); err != nil {
			l.logger.Warn("Image cache store failed", zap.Error(err))
		}
	}
	return data, nil
}

func (l *Loader) readFile(ref string) ([]byte, error) {
	path := ref
	switch {
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("invalid file reference %s: %w", ref, err)
		}
		path = u.Path
	case strings.HasPrefix(ref, StaticPrefix):
		if l.staticDir == "" {
			return nil, fmt.Errorf("no frames directory configured for %s", ref)
		}
		name := filepath.Base(strings.TrimPrefix(ref, StaticPrefix))
		path = filepath.Join(l.staticDir, name)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() > l.maxBytes {
		return nil, fmt.Errorf("image %s exceeds %s", path, humanize.Bytes(uint64(l.maxBytes)))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func refKind(ref string) string {
	switch {
	case strings.HasPrefix(ref, "data:"):
		return "data"
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return "http"
	default:
		return "file"
	}
}

// decodeDataURI handles "data:[<mediatype>][;base64],<data>".
func decodeDataURI(ref string) ([]byte, error) {
	comma := strings.IndexByte(ref, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data URI")
	}
	meta, payload := ref[len("data:"):comma], ref[comma+1:]
	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("malformed base64 in data URI: %w", err)
		}
		return data, nil
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("malformed data URI: %w", err)
	}
	return []byte(s), nil
}

func truncateRef(ref string) string {
	if len(ref) > 96 {
		return ref[:96] + "..."
	}
	return ref
}
