package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koios/shotframe/internal/compositor"
	"github.com/koios/shotframe/internal/remote"
	"github.com/koios/shotframe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// eventLog records pipeline events in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(event string) int {
	for i, e := range l.snapshot() {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeShot struct {
	name   string
	log    *eventLog
	loaded atomic.Bool
	fail   bool
}

func newShot(name string, log *eventLog) *fakeShot {
	s := &fakeShot{name: name, log: log}
	s.loaded.Store(true)
	return s
}

func (s *fakeShot) ImagesLoaded() bool { return s.loaded.Load() }

func (s *fakeShot) Encode(compositor.Quality) ([]byte, error) {
	s.log.add("render %s", s.name)
	if s.fail {
		return nil, errors.New("encode failed")
	}
	return []byte("jpeg:" + s.name), nil
}

type fakeClient struct {
	log *eventLog

	uploadErr func(filename string, attempt int) error
	createErr error
	statuses  []models.BundleStatus
	statusErr error

	mu          sync.Mutex
	attempts    map[string]int
	entries     []models.BundleEntry
	createCalls int
	statusCalls int
	statusCh    chan int
}

func newClient(log *eventLog) *fakeClient {
	return &fakeClient{
		log:      log,
		attempts: make(map[string]int),
		statuses: []models.BundleStatus{models.BundleReady},
		statusCh: make(chan int, 16),
	}
}

func (c *fakeClient) UploadImage(ctx context.Context, filename string, payload []byte, progress remote.ProgressFunc) (string, error) {
	name := strings.TrimSuffix(filename, ".jpg")
	c.mu.Lock()
	c.attempts[name]++
	attempt := c.attempts[name]
	c.mu.Unlock()

	c.log.add("upload %s", name)
	if c.uploadErr != nil {
		if err := c.uploadErr(name, attempt); err != nil {
			return "", err
		}
	}
	return "id-" + name, nil
}

func (c *fakeClient) FetchImage(ctx context.Context, sourceURL string, progress remote.ProgressFunc) (string, error) {
	c.log.add("fetch %s", sourceURL)
	return "fetched", nil
}

func (c *fakeClient) CreateBundle(ctx context.Context, setID string, hq bool, entries []models.BundleEntry) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createCalls++
	c.entries = entries
	c.log.add("create bundle")
	if c.createErr != nil {
		return "", c.createErr
	}
	return "bundle-1", nil
}

func (c *fakeClient) BundleStatus(ctx context.Context, bundleID string) (models.BundleStatus, error) {
	c.mu.Lock()
	c.statusCalls++
	n := c.statusCalls
	c.mu.Unlock()
	defer func() { c.statusCh <- n }()

	if c.statusErr != nil {
		return "", c.statusErr
	}
	if n <= len(c.statuses) {
		return c.statuses[n-1], nil
	}
	return c.statuses[len(c.statuses)-1], nil
}

func (c *fakeClient) DownloadURL(ctx context.Context, setID, bundleID, token string) (string, error) {
	return fmt.Sprintf("https://files.example.com/%s/%s.zip?t=%s", setID, bundleID, token), nil
}

func (c *fakeClient) bundleEntries() []models.BundleEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries
}

// fastPolicy keeps the real-clock tests quick.
func fastPolicy() Policy {
	p := DefaultPolicy()
	p.ImageWaitInterval = time.Millisecond
	p.PollInitial = time.Millisecond
	p.RenderYield = 0
	return p
}

func shotsFor(log *eventLog, names ...string) ([]Shot, []*fakeShot) {
	shots := make([]Shot, len(names))
	fakes := make([]*fakeShot, len(names))
	for i, n := range names {
		fakes[i] = newShot(n, log)
		shots[i] = Shot{Filename: n, Source: fakes[i]}
	}
	return shots, fakes
}

func runAsync(ctx context.Context, e *Export) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("export did not finish")
		return nil
	}
}

func TestExport_ThreeShotsEachUploadFollowsItsRender(t *testing.T) {
	log := &eventLog{}
	shots, _ := shotsFor(log, "a", "b", "c")
	client := newClient(log)

	e := New("set1", shots, client, WithPolicy(fastPolicy()), WithLogger(zap.NewNop()))
	require.NoError(t, e.Run(context.Background()))

	events := log.snapshot()
	uploads := 0
	for _, ev := range events {
		if strings.HasPrefix(ev, "upload ") {
			uploads++
		}
	}
	assert.Equal(t, 3, uploads, "exactly one upload per shot: %v", events)

	for _, n := range []string{"a", "b", "c"} {
		r, u := log.index("render "+n), log.index("upload "+n)
		require.GreaterOrEqual(t, r, 0)
		assert.Greater(t, u, r, "upload %s must follow its render: %v", n, events)
	}
	assert.Equal(t, len(events)-1, log.index("create bundle"), "bundle is created after every upload")

	assert.Equal(t, []models.BundleEntry{
		{UploadID: "id-a", Filename: "a"},
		{UploadID: "id-b", Filename: "b"},
		{UploadID: "id-c", Filename: "c"},
	}, client.bundleEntries())

	st := e.Status()
	assert.Equal(t, string(StateReady), st.State)
	assert.Equal(t, "bundle-1", st.BundleID)
	assert.Equal(t, 3, st.Uploaded)
	assert.Equal(t, 0, st.Failed)
	assert.InDelta(t, 1.0, st.Progress, 1e-9)

	url, err := e.DownloadURL(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/set1/bundle-1.zip?t=tok", url)
}

func TestExport_ConcurrentQueuesStillCausal(t *testing.T) {
	log := &eventLog{}
	names := []string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7"}
	shots, _ := shotsFor(log, names...)
	client := newClient(log)

	p := fastPolicy()
	p.RenderConcurrency = 3
	p.UploadConcurrency = 2
	e := New("set", shots, client, WithPolicy(p))
	require.NoError(t, e.Run(context.Background()))

	for _, n := range names {
		assert.Greater(t, log.index("upload "+n), log.index("render "+n))
	}
	assert.Len(t, client.bundleEntries(), len(names))
}

func TestExport_FailedUploadsAreExcluded(t *testing.T) {
	log := &eventLog{}
	shots, fakes := shotsFor(log, "a", "b", "c")
	fakes[2].fail = true
	client := newClient(log)
	client.uploadErr = func(name string, attempt int) error {
		if name == "a" {
			return &remote.StatusError{Op: "upload", StatusCode: http.StatusInternalServerError}
		}
		return nil
	}

	e := New("set", shots, client, WithPolicy(fastPolicy()))
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, []models.BundleEntry{{UploadID: "id-b", Filename: "b"}}, client.bundleEntries())
	assert.Equal(t, 4, client.attempts["a"], "one try and three retries")
	assert.Equal(t, 0, client.attempts["c"], "a failed render uploads nothing")

	st := e.Status()
	assert.Equal(t, 1, st.Uploaded)
	assert.Equal(t, 2, st.Failed)
}

func TestExport_FailedRenderFetchesSourceScreenshot(t *testing.T) {
	log := &eventLog{}
	shots, fakes := shotsFor(log, "a", "b")
	fakes[1].fail = true
	shots[1].SourceURL = "https://cdn.example.com/b.png"
	client := newClient(log)

	e := New("set", shots, client, WithPolicy(fastPolicy()))
	require.NoError(t, e.Run(context.Background()))

	assert.Greater(t, log.index("fetch https://cdn.example.com/b.png"), log.index("render b"))
	assert.Equal(t, 0, client.attempts["b"])
	assert.Equal(t, []models.BundleEntry{
		{UploadID: "id-a", Filename: "a"},
		{UploadID: "fetched", Filename: "b"},
	}, client.bundleEntries())

	st := e.Status()
	assert.Equal(t, 2, st.Uploaded)
	assert.Equal(t, 0, st.Failed)
}

func TestExport_UploadWithoutIDIsExcludedWithoutRetry(t *testing.T) {
	log := &eventLog{}
	shots, _ := shotsFor(log, "a", "b")
	client := newClient(log)
	client.uploadErr = func(name string, attempt int) error {
		if name == "a" {
			return fmt.Errorf("upload image_upload: %w", remote.ErrNoUploadID)
		}
		return nil
	}

	e := New("set", shots, client, WithPolicy(fastPolicy()))
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, 1, client.attempts["a"])
	assert.Equal(t, []models.BundleEntry{{UploadID: "id-b", Filename: "b"}}, client.bundleEntries())
	st := e.Status()
	assert.Equal(t, 1, st.Uploaded)
	assert.Equal(t, 1, st.Failed)
}

func TestExport_EmptySetStillCreatesBundle(t *testing.T) {
	client := newClient(&eventLog{})
	client.createErr = &remote.StatusError{Op: "create bundle", StatusCode: http.StatusBadRequest}

	e := New("set", nil, client, WithPolicy(fastPolicy()))
	err := e.Run(context.Background())

	require.ErrorIs(t, err, ErrBundleCreate)
	assert.True(t, remote.IsStatus(err, http.StatusBadRequest))
	assert.Equal(t, 1, client.createCalls)
	assert.Empty(t, client.bundleEntries())
	assert.Equal(t, StateFailed, e.State())
}

func TestExport_PollingBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &eventLog{}
	shots, _ := shotsFor(log, "a")
	client := newClient(log)
	client.statuses = []models.BundleStatus{models.BundlePending, models.BundlePending, models.BundleReady}

	p := DefaultPolicy()
	p.RenderYield = 0
	e := New("set", shots, client, WithPolicy(p), WithClock(clock))
	done := runAsync(context.Background(), e)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i, w := range []time.Duration{2000 * time.Millisecond, 2200 * time.Millisecond, 2420 * time.Millisecond} {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		assert.Equal(t, StatePolling, e.State())

		clock.Advance(w - time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		client.mu.Lock()
		calls := client.statusCalls
		client.mu.Unlock()
		assert.Equal(t, i, calls, "status checked before waiting %v", w)

		clock.Advance(time.Millisecond)
		select {
		case n := <-client.statusCh:
			assert.Equal(t, i+1, n)
		case <-time.After(2 * time.Second):
			t.Fatalf("status call %d not made", i+1)
		}
	}

	require.NoError(t, wait(t, done))
	assert.Equal(t, 3, client.statusCalls)
	assert.Equal(t, StateReady, e.State())
}

func TestExport_BundleProcessingError(t *testing.T) {
	log := &eventLog{}
	shots, _ := shotsFor(log, "a")
	client := newClient(log)
	client.statuses = []models.BundleStatus{models.BundlePending, models.BundleError}

	e := New("set", shots, client, WithPolicy(fastPolicy()))
	err := e.Run(context.Background())

	require.ErrorIs(t, err, ErrBundleProcessing)
	assert.Equal(t, StateFailed, e.State())
	assert.Equal(t, ErrBundleProcessing.Error(), e.Status().Error)

	_, err = e.DownloadURL(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestExport_PollingTransportErrorIsNotRetried(t *testing.T) {
	log := &eventLog{}
	shots, _ := shotsFor(log, "a")
	client := newClient(log)
	client.statusErr = &remote.StatusError{Op: "bundle status", StatusCode: http.StatusBadGateway}

	e := New("set", shots, client, WithPolicy(fastPolicy()))
	err := e.Run(context.Background())

	require.ErrorIs(t, err, ErrPollingTransport)
	assert.Equal(t, 1, client.statusCalls)
}

func TestExport_PollTimeout(t *testing.T) {
	log := &eventLog{}
	shots, _ := shotsFor(log, "a")
	client := newClient(log)
	client.statuses = []models.BundleStatus{models.BundlePending}

	p := fastPolicy()
	p.PollMultiplier = 2
	p.PollTimeout = 20 * time.Millisecond
	e := New("set", shots, client, WithPolicy(p))

	err := e.Run(context.Background())
	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, StateFailed, e.State())
	assert.GreaterOrEqual(t, client.statusCalls, 2)
}

func TestExport_RetryReentersAtRendering(t *testing.T) {
	log := &eventLog{}
	shots, _ := shotsFor(log, "a", "b")
	client := newClient(log)
	client.createErr = errors.New("connection refused")

	var states []string
	var mu sync.Mutex
	e := New("set", shots, client, WithPolicy(fastPolicy()))
	e.OnStatus(func(st models.ExportStatus) {
		mu.Lock()
		if len(states) == 0 || states[len(states)-1] != st.State {
			states = append(states, st.State)
		}
		mu.Unlock()
	})

	require.ErrorIs(t, e.Run(context.Background()), ErrBundleCreate)
	assert.ErrorIs(t, e.Retry(context.Background()), ErrBundleCreate)

	client.mu.Lock()
	client.createErr = nil
	client.mu.Unlock()
	require.NoError(t, e.Retry(context.Background()))

	assert.Equal(t, StateReady, e.State())
	assert.Empty(t, e.Status().Error)
	assert.Equal(t, 3, client.createCalls)
	assert.Equal(t, 3, client.attempts["a"], "each attempt renders and uploads again")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, string(StateRendering), states[0])
	assert.Contains(t, states, string(StateFailed))
	assert.Equal(t, string(StateReady), states[len(states)-1])
	assert.NotContains(t, states, string(StateWaitingForImages))

	assert.ErrorIs(t, e.Retry(context.Background()), ErrNotRetryable)
}

// imageTimeoutExport sets up an export whose single image never loads.
func imageTimeoutExport(t *testing.T, opts ...Option) (*Export, *clockwork.FakeClock, *fakeShot, *[]Notice, *sync.Mutex) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	log := &eventLog{}
	shots, fakes := shotsFor(log, "a")
	fakes[0].loaded.Store(false)

	p := DefaultPolicy()
	p.RenderYield = 0
	p.PollInitial = time.Millisecond
	e := New("set", shots, newClient(log), append([]Option{WithPolicy(p), WithClock(clock)}, opts...)...)

	var notices []Notice
	var mu sync.Mutex
	e.OnNotice(func(n Notice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	})
	return e, clock, fakes[0], &notices, &mu
}

func advanceImageWait(t *testing.T, clock *clockwork.FakeClock, attempts int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < attempts; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1), "attempt %d", i+1)
		clock.Advance(2 * time.Second)
	}
}

func TestExport_ImageTimeoutRenderAnyway(t *testing.T) {
	e, clock, _, notices, mu := imageTimeoutExport(t)
	done := runAsync(context.Background(), e)

	advanceImageWait(t, clock, 15)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*notices) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, NoticeSlowImages, (*notices)[0].Kind)
	mu.Unlock()
	assert.Equal(t, StateWaitingForImages, e.State())

	advanceImageWait(t, clock, 15)
	require.Eventually(t, func() bool { return e.Status().NeedsChoice }, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Len(t, *notices, 2)
	assert.Equal(t, NoticeImageLoadTimeout, (*notices)[1].Kind)
	assert.ErrorIs(t, (*notices)[1].Err, ErrImageLoadTimeout)
	mu.Unlock()

	require.NoError(t, e.Decide(DecisionRenderAnyway))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Millisecond)

	require.NoError(t, wait(t, done))
	assert.Equal(t, StateReady, e.State())
	assert.False(t, e.Status().NeedsChoice)
}

func TestExport_ImageTimeoutAbort(t *testing.T) {
	e, clock, _, _, _ := imageTimeoutExport(t)
	done := runAsync(context.Background(), e)

	assert.ErrorIs(t, e.Decide(DecisionAbort), ErrNoDecisionPending)

	advanceImageWait(t, clock, 30)
	require.Eventually(t, func() bool { return e.Status().NeedsChoice }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Decide(DecisionAbort))

	assert.ErrorIs(t, wait(t, done), ErrAborted)
	assert.Equal(t, StateAborted, e.State())
}

func TestExport_ImagesLoadDuringWait(t *testing.T) {
	e, clock, shot, notices, mu := imageTimeoutExport(t)
	done := runAsync(context.Background(), e)

	advanceImageWait(t, clock, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	shot.loaded.Store(true)
	clock.Advance(2 * time.Second)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Millisecond)

	require.NoError(t, wait(t, done))
	mu.Lock()
	assert.Empty(t, *notices)
	mu.Unlock()
}

func TestExport_WatcherSeesFirstUpdate(t *testing.T) {
	shots, _ := shotsFor(&eventLog{}, "a")
	var mu sync.Mutex
	var states []string

	e := New("set", shots, newClient(&eventLog{}), WithPolicy(fastPolicy()), WithWatcher(func(e *Export) {
		e.OnStatus(func(st models.ExportStatus) {
			mu.Lock()
			defer mu.Unlock()
			if len(states) == 0 || states[len(states)-1] != st.State {
				states = append(states, st.State)
			}
		})
	}))
	require.NoError(t, e.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, string(StateRendering), states[0])
	assert.Equal(t, string(StateReady), states[len(states)-1])
}

func TestExport_AutoDecision(t *testing.T) {
	e, clock, _, _, _ := imageTimeoutExport(t, WithAutoDecision(DecisionAbort))
	done := runAsync(context.Background(), e)

	advanceImageWait(t, clock, 30)
	assert.ErrorIs(t, wait(t, done), ErrAborted)
}

func TestExport_RunTwiceIsBusy(t *testing.T) {
	e, clock, _, _, _ := imageTimeoutExport(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, e)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	assert.ErrorIs(t, e.Run(context.Background()), ErrBusy)
	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
	assert.Equal(t, StateFailed, e.State())
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("render_anyway")
	require.NoError(t, err)
	assert.Equal(t, DecisionRenderAnyway, d)

	d, err = ParseDecision("abort")
	require.NoError(t, err)
	assert.Equal(t, DecisionAbort, d)

	_, err = ParseDecision("maybe")
	assert.Error(t, err)
}
