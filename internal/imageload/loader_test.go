package imageload

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestHandle_ResolveNotifiesOnce(t *testing.T) {
	h := NewHandle("x")
	assert.False(t, h.Loaded())

	var calls int32
	h.Subscribe(func() { atomic.AddInt32(&calls, 1) })
	unsub := h.Subscribe(func() { atomic.AddInt32(&calls, 100) })
	unsub()

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	h.Resolve(img, nil)
	h.Resolve(nil, assert.AnError)

	assert.True(t, h.Loaded())
	assert.Equal(t, img, h.Image())
	assert.NoError(t, h.Err())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Subscribing after settle is a no-op.
	h.Subscribe(func() { atomic.AddInt32(&calls, 1) })()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHandle_WaitHonorsContext(t *testing.T) {
	h := NewHandle("slow")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoader_DataURI(t *testing.T) {
	l := NewLoader(zap.NewNop())
	ref := "data:image/png;base64," + base64.StdEncoding.EncodeToString(testPNG(t, 4, 3))

	img, err := l.Decode(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds())

	_, err = l.Decode(context.Background(), "data:image/png;base64")
	assert.Error(t, err)
}

func TestLoader_HTTPWithCache(t *testing.T) {
	payload := testPNG(t, 8, 8)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer srv.Close()

	cache := &memoryCache{data: make(map[string][]byte)}
	l := NewLoader(zap.NewNop(), WithCache(cache, time.Minute))

	h := l.Load(context.Background(), srv.URL+"/shot.png")
	img, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.True(t, h.Loaded())

	// Second fetch is served from the cache.
	_, err = l.Decode(context.Background(), srv.URL+"/shot.png")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	missing := l.Load(context.Background(), srv.URL+"/missing.png")
	_, err = missing.Wait(context.Background())
	assert.Error(t, err)
	assert.False(t, missing.Loaded())
}

func TestLoader_MaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	l := NewLoader(zap.NewNop(), WithMaxBytes(1024))
	_, err := l.Fetch(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "exceeds")
}

func TestLoader_StaticFramesShared(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "iPhone6Black.png"), testPNG(t, 5, 10), 0644))

	l := NewLoader(zap.NewNop(), WithStaticDir(dir))
	a := l.Load(context.Background(), StaticPrefix+"iPhone6Black.png")
	b := l.Load(context.Background(), StaticPrefix+"iPhone6Black.png")
	assert.Same(t, a, b)

	img, err := a.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dy())
}

func TestLoader_StaticWithoutDir(t *testing.T) {
	l := NewLoader(zap.NewNop())
	h := l.Load(context.Background(), StaticPrefix+"Nexus5xBlack.png")
	_, err := h.Wait(context.Background())
	assert.ErrorContains(t, err, "no frames directory")
}

func TestLoader_FileURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.png")
	require.NoError(t, os.WriteFile(path, testPNG(t, 3, 3), 0644))

	l := NewLoader(zap.NewNop())
	img, err := l.Decode(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
}
