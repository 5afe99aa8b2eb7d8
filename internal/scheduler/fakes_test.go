package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"extractd/internal/eventbus"
	"extractd/internal/extract"
)

// callLog records session and extractor calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeSession struct {
	log      *callLog
	running  atomic.Bool
	failNext atomic.Int32 // number of upcoming Start calls that fail
}

func (s *fakeSession) Start(context.Context) error {
	if s.failNext.Load() > 0 {
		s.failNext.Add(-1)
		return errors.New("backend refused to start")
	}
	if s.log != nil {
		s.log.add("start")
	}
	s.running.Store(true)
	return nil
}

func (s *fakeSession) Stop(context.Context) error {
	if s.log != nil && s.running.Load() {
		s.log.add("stop")
	}
	s.running.Store(false)
	return nil
}

func (s *fakeSession) Running() bool { return s.running.Load() }

type harness struct {
	t        *testing.T
	sched    *Scheduler
	log      *callLog
	sessions atomic.Int32
	bus      eventbus.Bus
}

// newHarness wires a scheduler with fake sessions. fn is the extractor body.
func newHarness(t *testing.T, cfg Config, fn extract.ExtractorFunc) *harness {
	t.Helper()
	h := &harness{t: t, log: &callLog{}, bus: eventbus.New()}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = t.TempDir()
	}
	if cfg.WorkerRestartBackoff == 0 {
		cfg.WorkerRestartBackoff = 5 * time.Millisecond
	}
	s, err := New(cfg, Deps{
		Sessions: func(int) (extract.Session, error) {
			h.sessions.Add(1)
			return &fakeSession{log: h.log}, nil
		},
		Extractor: fn,
		Bus:       h.bus,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sched = s
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.sched.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	h.t.Cleanup(func() {
		h.sched.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sched.Wait(ctx)
	})
}

func (h *harness) submit(payload string) string {
	h.t.Helper()
	id, err := h.sched.Submit([]byte(payload), "secret", Params{})
	if err != nil {
		h.t.Fatalf("Submit(%q): %v", payload, err)
	}
	return id
}

// await polls Fetch until the result is ready.
func (h *harness) await(id string) Result {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, err := h.sched.Fetch(id)
		if err == nil {
			return r
		}
		if !errors.Is(err, ErrTaskNotCompleted) {
			h.t.Fatalf("Fetch(%s): %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("task %s did not complete", id)
	return Result{}
}

func echoExtractor(_ context.Context, _ extract.Session, req extract.Request) (extract.Data, error) {
	return extract.Data{"payload": string(req.Payload)}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
