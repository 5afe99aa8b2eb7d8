// Package scheduler is a bounded job scheduler: a FIFO with non-blocking
// admission feeding a pool of workers that each own one extraction session,
// and a TTL-reclaimed result store consumed at most once by Fetch.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"extractd/internal/eventbus"
	rtsup "extractd/internal/runtime/supervisor"
	logx "extractd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type lifecycle int

const (
	lcNew lifecycle = iota
	lcRunning
	lcStopped
)

type Scheduler struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus

	queue *queue
	store *Store

	// mu covers the pending set and the lifecycle, and makes
	// admit+mark and check+pop+retire single critical sections.
	mu      sync.Mutex
	pending map[string]struct{}
	state   lifecycle

	sup         *rtsup.Supervisor
	workers     []*worker
	scratchRoot string
	ownScratch  bool

	hmu     sync.Mutex
	history []HistoryItem

	admitted        atomic.Uint64
	rejected        atomic.Uint64
	completed       atomic.Uint64
	failed          atomic.Uint64
	fetched         atomic.Uint64
	evicted         atomic.Uint64
	lost            atomic.Uint64
	sessionRestarts atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Sessions == nil {
		return nil, errors.New("scheduler: session factory is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("scheduler: extractor is required")
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.With(logx.String("comp", "scheduler")),
		bus:     deps.Bus,
		queue:   newQueue(cfg.QueueCapacity),
		store:   NewStore(),
		pending: map[string]struct{}{},
	}, nil
}

// Config returns the effective configuration after defaults.
func (s *Scheduler) Config() Config { return s.cfg }

// Start launches the workers and the reclaimer. It may be called once.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case lcRunning:
		return ErrAlreadyStarted
	case lcStopped:
		return ErrStopped
	}

	root := s.cfg.ScratchDir
	if root == "" {
		dir, err := os.MkdirTemp("", "extractd-scratch-")
		if err != nil {
			return fmt.Errorf("scratch root: %w", err)
		}
		root = dir
		s.ownScratch = true
	} else if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("scratch root: %w", err)
	}
	s.scratchRoot = root

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.workers = make([]*worker, s.cfg.Workers)
	for i := range s.workers {
		w := newWorker(i, s)
		s.workers[i] = w
		s.sup.GoRestart(workerName(i), w.run,
			rtsup.WithBackoff(s.cfg.WorkerRestartBackoff, 30*time.Second),
		)
	}
	s.sup.GoRestart("reclaimer", s.reclaim)
	s.state = lcRunning

	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", s.cfg.QueueCapacity),
		logx.Duration("timeout", s.cfg.ExtractionTimeout),
		logx.Duration("ttl", s.cfg.ResultTTL),
		logx.Int("session_restart_every", s.cfg.TasksBeforeSessionRestart),
	)
	return nil
}

// Stop signals workers and the reclaimer and returns without waiting.
// Tasks being processed and tasks still queued are lost, so Fetch reports
// their ids as not found.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	prev := s.state
	s.state = lcStopped
	sup := s.sup
	s.mu.Unlock()

	if prev == lcRunning && sup != nil {
		sup.Cancel()
		s.log.Info("scheduler stopping", logx.Int("queued", s.queue.Len()), logx.Int("in_flight", s.queue.InFlight()))
	}
	// Submit is rejected from here on, so nothing refills the queue.
	for _, t := range s.queue.Drain() {
		s.lose(t, -1, "stopped before dequeue")
	}
}

// Wait blocks until every worker has stopped its session and removed its
// scratch files, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Wait(ctx); err != nil {
		return err
	}
	if s.ownScratch {
		_ = os.RemoveAll(s.scratchRoot)
	}
	return nil
}

// Submit admits a task or fails with ErrQueueFull without side effects.
// The payload is copied.
func (s *Scheduler) Submit(payload []byte, credential string, p Params) (string, error) {
	now := time.Now()
	t := &Task{
		ID:         uuid.NewString(),
		Payload:    bytes.Clone(payload),
		Credential: credential,
		Params:     p,
		EnqueuedAt: now,
	}

	s.mu.Lock()
	if s.state == lcStopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if !s.queue.TryPush(t) {
		s.mu.Unlock()
		s.onQueueFull(now)
		return "", ErrQueueFull
	}
	s.pending[t.ID] = struct{}{}
	s.mu.Unlock()

	s.admitted.Add(1)
	s.log.Debug("task admitted", logx.String("task", t.ID), logx.Int("bytes", len(t.Payload)))
	s.publish(eventbus.Event{Type: EventTaskAdmitted, Time: now, Data: TaskEvent{ID: t.ID, PayloadBytes: len(t.Payload)}})
	return t.ID, nil
}

// Fetch returns the result for id at most once.
//   - ErrTaskIDNotFound: never admitted, already fetched, evicted or lost
//   - ErrTaskNotCompleted: still queued or processing
func (s *Scheduler) Fetch(id string) (Result, error) {
	s.mu.Lock()
	if _, ok := s.pending[id]; !ok {
		s.mu.Unlock()
		return Result{}, ErrTaskIDNotFound
	}
	r, ok := s.store.PopIfPresent(id)
	if !ok {
		s.mu.Unlock()
		return Result{}, ErrTaskNotCompleted
	}
	delete(s.pending, id)
	s.mu.Unlock()

	s.fetched.Add(1)
	s.publish(eventbus.Event{Type: EventTaskFetched, Data: TaskEvent{ID: id, Worker: r.Worker, Outcome: OutcomeLabel(r.Outcome)}})
	return r, nil
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.state == lcRunning
	pending := len(s.pending)
	workers := s.workers
	sup := s.sup
	s.mu.Unlock()

	ws := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		ws = append(ws, w.status())
	}
	if sup != nil {
		byName := map[string]uint64{}
		for _, st := range sup.Snapshot() {
			byName[st.Name] = st.Restarts
		}
		for i := range ws {
			ws[i].Crashes = byName[workerName(ws[i].ID)]
		}
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:           running,
		QueueLen:          s.queue.Len(),
		QueueCap:          s.queue.Cap(),
		InFlight:          s.queue.InFlight(),
		Pending:           pending,
		Stored:            s.store.Len(),
		Admitted:          s.admitted.Load(),
		Rejected:          s.rejected.Load(),
		Completed:         s.completed.Load(),
		Failed:            s.failed.Load(),
		Fetched:           s.fetched.Load(),
		Evicted:           s.evicted.Load(),
		Lost:              s.lost.Load(),
		SessionRestarts:   s.sessionRestarts.Load(),
		ExtractionTimeout: s.cfg.ExtractionTimeout,
		ResultTTL:         s.cfg.ResultTTL,
		Workers:           ws,
		History:           h,
	}
}

// complete publishes a worker's result and frees the task's queue slot.
func (s *Scheduler) complete(t *Task, r Result) {
	defer s.queue.Release()
	// Fetch can win as soon as Put returns, so the completion is announced first.
	defer s.store.Put(t.ID, r)

	label := OutcomeLabel(r.Outcome)
	s.completed.Add(1)
	if f, ok := r.Outcome.(Failure); ok {
		s.failed.Add(1)
		s.log.Warn("task failed", logx.String("task", t.ID), logx.Int("worker", r.Worker), logx.String("kind", label), logx.String("detail", f.Detail), logx.Duration("dur", r.Elapsed))
	} else if r.Elapsed >= 750*time.Millisecond {
		s.log.Info("task completed", logx.String("task", t.ID), logx.Int("worker", r.Worker), logx.Duration("dur", r.Elapsed))
	} else {
		s.log.Debug("task completed", logx.String("task", t.ID), logx.Int("worker", r.Worker), logx.Duration("dur", r.Elapsed))
	}

	s.record(HistoryItem{ID: t.ID, Worker: r.Worker, Outcome: label, QueueDelay: r.QueueDelay, Elapsed: r.Elapsed, CompletedAt: time.Now()})
	s.publish(eventbus.Event{Type: EventTaskCompleted, Data: TaskEvent{ID: t.ID, Worker: r.Worker, Outcome: label, QueueDelay: r.QueueDelay, Elapsed: r.Elapsed}})
}

// lose drops a dequeued task whose result will never be published and
// retires its id so Fetch does not report it as running forever.
func (s *Scheduler) lose(t *Task, worker int, reason string) {
	s.queue.Release()
	s.mu.Lock()
	delete(s.pending, t.ID)
	s.mu.Unlock()

	s.lost.Add(1)
	s.log.Warn("task lost", logx.String("task", t.ID), logx.Int("worker", worker), logx.String("reason", reason))
	s.record(HistoryItem{ID: t.ID, Worker: worker, Outcome: "lost", QueueDelay: time.Since(t.EnqueuedAt), CompletedAt: time.Now()})
	s.publish(eventbus.Event{Type: EventTaskLost, Data: TaskEvent{ID: t.ID, Worker: worker, Reason: reason}})
}

func (s *Scheduler) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Scheduler) publish(e eventbus.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.bus.Publish(e)
}

func (s *Scheduler) onQueueFull(now time.Time) {
	n := s.rejected.Add(1)
	s.publish(eventbus.Event{Type: EventTaskRejected, Time: now, Data: TaskEvent{Reason: "queue_full"}})

	prev := s.lastQueueFullWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastQueueFullWarnAt.CompareAndSwap(prev, now.UnixNano()) {
		s.log.Warn("task rejected: queue full",
			logx.Int("queue_len", s.queue.Len()),
			logx.Int("queue_cap", s.queue.Cap()),
			logx.Uint64("rejected", n),
		)
	}
}

func workerName(id int) string { return fmt.Sprintf("worker.%d", id) }
