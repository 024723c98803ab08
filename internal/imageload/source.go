package imageload

import (
	"context"
	"image"
	"sync"
)

// Source is an image that may still be loading. Subscribers are notified
// once, when the load settles (successfully or not).
type Source interface {
	Loaded() bool
	Image() image.Image
	Err() error
	Subscribe(fn func()) (unsubscribe func())
}

// Handle is the concrete Source returned by the Loader.
type Handle struct {
	ref string

	mu     sync.Mutex
	done   chan struct{}
	img    image.Image
	err    error
	subs   map[int]func()
	nextID int
}

// NewHandle creates a pending handle for ref.
func NewHandle(ref string) *Handle {
	return &Handle{
		ref:  ref,
		done: make(chan struct{}),
		subs: make(map[int]func()),
	}
}

// Ready wraps an already decoded image.
func Ready(img image.Image) *Handle {
	h := NewHandle("")
	h.Resolve(img, nil)
	return h
}

// Ref returns the reference the handle was created for.
func (h *Handle) Ref() string {
	return h.ref
}

// Resolve settles the handle and notifies subscribers. Only the first call
// has an effect.
func (h *Handle) Resolve(img image.Image, err error) {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return
	default:
	}
	h.img = img
	h.err = err
	close(h.done)
	subs := make([]func(), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.subs = nil
	h.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// Loaded reports whether a decoded image is available.
func (h *Handle) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.img != nil
}

// Image returns the decoded image, or nil while loading or after a failure.
func (h *Handle) Image() image.Image {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.img
}

// Err returns the load error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed once the handle settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Subscribe registers fn to run when the handle settles. If it already has,
// fn is not called.
func (h *Handle) Subscribe(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		return func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.subs != nil {
			delete(h.subs, id)
		}
	}
}

// Wait blocks until the handle settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (image.Image, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.img, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
