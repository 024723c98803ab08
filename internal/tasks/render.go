package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/koios/shotframe/internal/compositor"
	"github.com/koios/shotframe/internal/metrics"
	"github.com/koios/shotframe/internal/retry"
	"github.com/koios/shotframe/internal/taskqueue"
	"go.uber.org/zap"
)

// Encoder produces an encoded image; *compositor.Compositor implements it.
type Encoder interface {
	Encode(q compositor.Quality) ([]byte, error)
}

// RenderTask encodes one compositor and keeps the result.
type RenderTask struct {
	taskqueue.Base

	Index    int
	Filename string

	encoder Encoder
	settings

	mu     sync.Mutex
	output []byte
}

func NewRenderTask(index int, filename string, enc Encoder, opts ...Option) *RenderTask {
	return &RenderTask{
		Base:     taskqueue.Base{TaskWeight: RenderWeight},
		Index:    index,
		Filename: filename,
		encoder:  enc,
		settings: newSettings(opts),
	}
}

// Run encodes the compositor, then pauses so a long batch leaves room for
// other work.
func (t *RenderTask) Run(ctx context.Context, report taskqueue.ProgressFunc) error {
	data, err := t.encoder.Encode(t.quality)
	if err != nil {
		metrics.RenderErrorsTotal.Inc()
		t.logger.Warn("Render failed",
			zap.Int("index", t.Index),
			zap.String("filename", t.Filename),
			zap.Error(err))
	} else {
		t.mu.Lock()
		t.output = data
		t.mu.Unlock()
	}

	if serr := retry.Sleep(ctx, t.clock, t.yield); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		return fmt.Errorf("render %q: %w", t.Filename, err)
	}
	return nil
}

// Output returns the encoded image, or nil if rendering failed.
func (t *RenderTask) Output() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output
}
