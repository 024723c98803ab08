package taskqueue

import (
	"context"
	"sync"

	"github.com/koios/shotframe/internal/metrics"
	"go.uber.org/zap"
)

// Queue is a FIFO scheduler with bounded concurrency and weighted progress.
type Queue struct {
	name        string
	concurrency int
	logger      *zap.Logger
	ctx         context.Context

	mu       sync.Mutex
	tasks    []Task
	running  int
	progress float64
	total    float64
	inCycle  bool

	progressListeners listeners[func(progress, total float64)]
	finishedListeners listeners[func(task Task, err error)]
	drainListeners    listeners[func()]
}

// Option configures a Queue.
type Option func(*Queue)

// WithConcurrency sets the maximum number of tasks running at once.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithContext sets the context handed to every task's Run.
func WithContext(ctx context.Context) Option {
	return func(q *Queue) {
		if ctx != nil {
			q.ctx = ctx
		}
	}
}

// New creates a queue. The name labels its log lines and metrics.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:        name,
		concurrency: 1,
		logger:      zap.NewNop(),
		ctx:         context.Background(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(zap.String("queue", name))
	return q
}

// AddTask appends a task and adds its weight to the total.
func (q *Queue) AddTask(t Task) {
	q.add(t, true)
}

// AddTasks appends a batch of tasks as one cycle, so the queue cannot drain
// between them.
func (q *Queue) AddTasks(ts ...Task) {
	if len(ts) == 0 {
		return
	}
	q.mu.Lock()
	for _, t := range ts {
		q.tasks = append(q.tasks, t)
		q.total += t.Weight()
	}
	q.inCycle = true
	q.mu.Unlock()

	go q.dispatch()
}

// AddExpectedProgress reserves weight for tasks that will be added later
// with AddCountedTask.
func (q *Queue) AddExpectedProgress(w float64) {
	q.mu.Lock()
	q.total += w
	q.mu.Unlock()
}

// AddCountedTask appends a task whose weight was already reserved.
func (q *Queue) AddCountedTask(t Task) {
	q.add(t, false)
}

func (q *Queue) add(t Task, countWeight bool) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	if countWeight {
		q.total += t.Weight()
	}
	q.inCycle = true
	q.mu.Unlock()

	go q.dispatch()
}

// OnProgress registers fn to receive the aggregate progress whenever it
// changes. The returned func unsubscribes.
func (q *Queue) OnProgress(fn func(progress, total float64)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progressListeners.add(&q.mu, fn)
}

// OnTaskFinished registers fn to run after each task that was not cancelled.
// The task's slot stays taken until fn returns.
func (q *Queue) OnTaskFinished(fn func(task Task, err error)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finishedListeners.add(&q.mu, fn)
}

// OnDrain registers fn to run once each time the queue empties.
func (q *Queue) OnDrain(fn func()) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainListeners.add(&q.mu, fn)
}

// IsFinished reports whether nothing is running or waiting.
func (q *Queue) IsFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finishedLocked()
}

func (q *Queue) finishedLocked() bool {
	return q.running == 0 && len(q.tasks) == 0
}

// Progress returns the completed weight and the total weight.
func (q *Queue) Progress() (progress, total float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progress, q.total
}

// Running returns the number of started tasks that have not finished.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Len returns the number of tasks waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// dispatch starts waiting tasks until the concurrency limit is reached.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.running >= q.concurrency || len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.running++
		metrics.QueueRunning.WithLabelValues(q.name).Inc()
		q.mu.Unlock()

		if task.Cancelled() {
			q.logger.Debug("Skipped cancelled task")
			metrics.QueueTasksTotal.WithLabelValues(q.name, "cancelled").Inc()
			q.complete(task, newTracker(q, task), nil, true)
			continue
		}

		go q.run(task)
	}
}

func (q *Queue) run(task Task) {
	tr := newTracker(q, task)
	err := task.Run(q.ctx, tr.report)
	if err != nil {
		q.logger.Warn("Task finished with error", zap.Error(err))
		metrics.QueueTasksTotal.WithLabelValues(q.name, "error").Inc()
	} else {
		metrics.QueueTasksTotal.WithLabelValues(q.name, "ok").Inc()
	}
	q.complete(task, tr, err, false)
	q.dispatch()
}

// complete notifies finished listeners, frees the slot and fires drain
// listeners when this was the last task of the cycle.
func (q *Queue) complete(task Task, tr *tracker, err error, skipped bool) {
	if !skipped {
		q.mu.Lock()
		fns := q.finishedListeners.snapshot()
		q.mu.Unlock()
		for _, fn := range fns {
			fn(task, err)
		}
	}

	tr.report(task.Weight())

	q.mu.Lock()
	q.running--
	metrics.QueueRunning.WithLabelValues(q.name).Dec()
	var drained []func()
	if q.inCycle && q.finishedLocked() {
		q.inCycle = false
		drained = q.drainListeners.snapshot()
	}
	q.mu.Unlock()

	if drained != nil {
		q.logger.Debug("Queue drained")
	}
	for _, fn := range drained {
		fn()
	}
}

// tracker converts a task's absolute progress reports into deltas on the
// queue aggregate.
type tracker struct {
	q      *Queue
	weight float64

	mu   sync.Mutex
	last float64
}

func newTracker(q *Queue, task Task) *tracker {
	return &tracker{q: q, weight: task.Weight()}
}

func (t *tracker) report(p float64) {
	if p < 0 {
		p = 0
	}
	if p > t.weight {
		p = t.weight
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p == t.last {
		return
	}

	q := t.q
	q.mu.Lock()
	q.progress += p - t.last
	progress, total := q.progress, q.total
	fns := q.progressListeners.snapshot()
	q.mu.Unlock()
	t.last = p

	for _, fn := range fns {
		fn(progress, total)
	}
}

// listeners is an ordered set of callbacks guarded by the owner's mutex.
type listeners[F any] struct {
	nextID  int
	entries []listener[F]
}

type listener[F any] struct {
	id int
	fn F
}

// add must be called with mu held; the returned func takes mu itself.
func (l *listeners[F]) add(mu *sync.Mutex, fn F) func() {
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, listener[F]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			for i, e := range l.entries {
				if e.id == id {
					l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *listeners[F]) snapshot() []F {
	if len(l.entries) == 0 {
		return nil
	}
	fns := make([]F, len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	return fns
}
