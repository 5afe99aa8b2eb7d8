package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"extractd/internal/eventbus"
	"extractd/internal/extract"
)

func TestSubmitAdmissionBoundWithoutWorkers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{QueueCapacity: 3}, echoExtractor)

	for i := 0; i < 3; i++ {
		h.submit("p")
	}
	if _, err := h.sched.Submit([]byte("p"), "secret", Params{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("4th Submit err = %v, want ErrQueueFull", err)
	}
	snap := h.sched.Snapshot()
	if snap.Admitted != 3 || snap.Rejected != 1 || snap.Pending != 3 || snap.QueueLen != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestFetchUnknownID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, echoExtractor)
	if _, err := h.sched.Fetch("does-not-exist"); !errors.Is(err, ErrTaskIDNotFound) {
		t.Fatalf("Fetch err = %v", err)
	}
}

func TestFIFOWithSingleWorker(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var order []string
	h := newHarness(t, Config{Workers: 1, QueueCapacity: 16}, func(_ context.Context, _ extract.Session, req extract.Request) (extract.Data, error) {
		mu.Lock()
		order = append(order, string(req.Payload))
		mu.Unlock()
		return nil, nil
	})

	want := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	ids := make([]string, 0, len(want))
	for _, p := range want {
		ids = append(ids, h.submit(p))
	}
	h.start()
	for _, id := range ids {
		h.await(id)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, "") != strings.Join(want, "") {
		t.Fatalf("dequeue order = %v, want %v", order, want)
	}
}

func TestFetchAtMostOnceUnderContention(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1}, echoExtractor)
	h.start()
	id := h.submit("once")
	waitFor(t, "result stored", func() bool { return h.sched.Snapshot().Stored == 1 })

	var wins atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.sched.Fetch(id); err == nil {
				wins.Add(1)
			} else {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	if wins.Load() != 1 {
		t.Fatalf("successful fetches = %d, want 1", wins.Load())
	}
	for err := range errs {
		if !errors.Is(err, ErrTaskIDNotFound) {
			t.Fatalf("losing fetch err = %v, want ErrTaskIDNotFound", err)
		}
	}
}

func TestEndToEndSingleWorkerQueueOfTwo(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	h := newHarness(t, Config{Workers: 1, QueueCapacity: 2}, func(ctx context.Context, s extract.Session, req extract.Request) (extract.Data, error) {
		if string(req.Payload) == "P1" {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return echoExtractor(ctx, s, req)
	})
	h.start()

	p1 := h.submit("P1")
	p2 := h.submit("P2")
	if _, err := h.sched.Submit([]byte("P3"), "secret", Params{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("P3 Submit err = %v, want ErrQueueFull", err)
	}
	if _, err := h.sched.Fetch(p2); !errors.Is(err, ErrTaskNotCompleted) {
		t.Fatalf("Fetch(P2) err = %v, want ErrTaskNotCompleted", err)
	}

	close(gate)
	r := h.await(p1)
	ok, isSuccess := r.Outcome.(Success)
	if !isSuccess || ok.Data["payload"] != "P1" {
		t.Fatalf("P1 outcome = %#v", r.Outcome)
	}
	if _, err := h.sched.Fetch(p1); !errors.Is(err, ErrTaskIDNotFound) {
		t.Fatalf("second Fetch(P1) err = %v, want ErrTaskIDNotFound", err)
	}
	h.await(p2)
}

func TestReclaimerEvictsAndRetiresID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, ResultTTL: 30 * time.Millisecond, ReclaimInterval: 10 * time.Millisecond}, echoExtractor)
	h.start()

	id := h.submit("abandoned")
	waitFor(t, "eviction", func() bool { return h.sched.Snapshot().Evicted == 1 })

	if _, err := h.sched.Fetch(id); !errors.Is(err, ErrTaskIDNotFound) {
		t.Fatalf("Fetch after eviction err = %v, want ErrTaskIDNotFound", err)
	}
	if snap := h.sched.Snapshot(); snap.Pending != 0 || snap.Stored != 0 {
		t.Fatalf("pending=%d stored=%d after eviction", snap.Pending, snap.Stored)
	}
}

func TestEvictExpiredHonorsTTL(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ResultTTL: time.Minute}, echoExtractor)
	s := h.sched
	id := h.submit("x")

	task, ok := s.queue.Pop(context.Background())
	if !ok || task.ID != id {
		t.Fatalf("Pop = %v, %v", task, ok)
	}
	s.complete(task, Result{TaskID: id, Outcome: Success{}})

	if n := s.evictExpired(time.Now()); n != 0 {
		t.Fatalf("fresh result evicted (n=%d)", n)
	}
	if n := s.evictExpired(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, err := s.Fetch(id); !errors.Is(err, ErrTaskIDNotFound) {
		t.Fatalf("Fetch err = %v", err)
	}
}

func TestSessionRestartCadence(t *testing.T) {
	t.Parallel()
	var h *harness
	h = newHarness(t, Config{Workers: 1, TasksBeforeSessionRestart: 3}, func(_ context.Context, _ extract.Session, req extract.Request) (extract.Data, error) {
		h.log.add("extract:" + string(req.Payload))
		return nil, nil
	})

	ids := []string{h.submit("1"), h.submit("2"), h.submit("3"), h.submit("4")}
	h.start()
	for _, id := range ids {
		h.await(id)
	}

	want := []string{"start", "extract:1", "extract:2", "extract:3", "stop", "start", "extract:4"}
	got := h.log.snapshot()
	if len(got) < len(want) {
		t.Fatalf("calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want prefix %v", got, want)
		}
	}
	snap := h.sched.Snapshot()
	if snap.SessionRestarts != 1 || snap.Workers[0].SessionRestarts != 1 {
		t.Fatalf("session restarts = %d/%d", snap.SessionRestarts, snap.Workers[0].SessionRestarts)
	}
	if h.sessions.Load() != 1 {
		t.Fatalf("sessions created = %d, want 1", h.sessions.Load())
	}
}

func TestExtractorFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1}, func(ctx context.Context, s extract.Session, req extract.Request) (extract.Data, error) {
		switch string(req.Payload) {
		case "panic":
			panic("decoder exploded")
		case "parse":
			return nil, extract.Errorf(extract.KindParse, "bad header")
		case "plain":
			return nil, errors.New("something odd")
		}
		return echoExtractor(ctx, s, req)
	})
	h.start()

	tests := []struct {
		payload string
		kind    extract.ErrorKind
		detail  string
	}{
		{payload: "panic", kind: extract.KindInternal, detail: "extractor panic: decoder exploded"},
		{payload: "parse", kind: extract.KindParse, detail: "bad header"},
		{payload: "plain", kind: extract.KindInternal, detail: "something odd"},
	}
	for _, tt := range tests {
		r := h.await(h.submit(tt.payload))
		f, ok := r.Outcome.(Failure)
		if !ok {
			t.Fatalf("%s: outcome = %#v, want Failure", tt.payload, r.Outcome)
		}
		if f.Kind != tt.kind || f.Detail != tt.detail {
			t.Fatalf("%s: failure = %+v, want %v %q", tt.payload, f, tt.kind, tt.detail)
		}
	}

	r := h.await(h.submit("fine"))
	if _, ok := r.Outcome.(Success); !ok {
		t.Fatalf("worker did not keep serving: %#v", r.Outcome)
	}
	snap := h.sched.Snapshot()
	if h.sessions.Load() != 1 || snap.Workers[0].Crashes != 0 {
		t.Fatalf("sessions=%d crashes=%d, want 1/0", h.sessions.Load(), snap.Workers[0].Crashes)
	}
	if snap.Failed != 3 || snap.Completed != 4 {
		t.Fatalf("failed=%d completed=%d", snap.Failed, snap.Completed)
	}
}

func TestExtractionTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, Config{Workers: 1, ExtractionTimeout: 30 * time.Millisecond}, func(ctx context.Context, s extract.Session, req extract.Request) (extract.Data, error) {
		switch string(req.Payload) {
		case "cooperative":
			<-ctx.Done()
			return nil, ctx.Err()
		case "stuck":
			<-release
			return nil, nil
		}
		return echoExtractor(ctx, s, req)
	})
	h.start()
	t.Cleanup(func() { close(release) })

	for _, p := range []string{"cooperative", "stuck"} {
		r := h.await(h.submit(p))
		f, ok := r.Outcome.(Failure)
		if !ok || f.Kind != extract.KindTimeout {
			t.Fatalf("%s: outcome = %#v, want timeout", p, r.Outcome)
		}
	}
	r := h.await(h.submit("after"))
	if _, ok := r.Outcome.(Success); !ok {
		t.Fatalf("outcome after timeouts = %#v", r.Outcome)
	}
	// Only the extractor that ignored its deadline forces a session restart.
	if got := h.sched.Snapshot().SessionRestarts; got != 1 {
		t.Fatalf("session restarts = %d, want 1", got)
	}
}

func TestStopLosesInFlightTask(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	scratch := t.TempDir()
	h := newHarness(t, Config{Workers: 1, ScratchDir: scratch}, func(ctx context.Context, _ extract.Session, _ extract.Request) (extract.Data, error) {
		close(started)
		<-ctx.Done()
		return extract.Data{"late": true}, nil
	})
	h.start()
	id := h.submit("long")
	<-started

	h.sched.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sched.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if _, err := h.sched.Fetch(id); !errors.Is(err, ErrTaskIDNotFound) {
		t.Fatalf("Fetch err = %v, want ErrTaskIDNotFound", err)
	}
	snap := h.sched.Snapshot()
	if snap.Lost != 1 || snap.Completed != 0 || snap.Running {
		t.Fatalf("snapshot = %+v", snap)
	}
	calls := h.log.snapshot()
	if calls[len(calls)-1] != "stop" {
		t.Fatalf("session not stopped: %v", calls)
	}
	if _, err := os.Stat(filepath.Join(scratch, "worker-0")); !os.IsNotExist(err) {
		t.Fatalf("worker scratch dir still present: %v", err)
	}
	if _, err := h.sched.Submit([]byte("x"), "secret", Params{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop err = %v", err)
	}
}

func TestScratchFileScopedToExtraction(t *testing.T) {
	t.Parallel()
	var seen atomic.Value
	h := newHarness(t, Config{Workers: 1}, func(_ context.Context, _ extract.Session, req extract.Request) (extract.Data, error) {
		b, err := os.ReadFile(req.PayloadPath)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(b, req.Payload) {
			return nil, errors.New("scratch copy differs")
		}
		seen.Store(req.PayloadPath)
		return nil, nil
	})
	h.start()

	r := h.await(h.submit("scratch me"))
	if _, ok := r.Outcome.(Success); !ok {
		t.Fatalf("outcome = %#v", r.Outcome)
	}
	path, _ := seen.Load().(string)
	if !strings.Contains(path, "worker-0") {
		t.Fatalf("scratch path %q is not worker scoped", path)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("scratch file survived extraction: %v", err)
	}
}

func TestWorkerReplacedAfterSessionStartFailure(t *testing.T) {
	t.Parallel()
	var created atomic.Int32
	s, err := New(Config{Workers: 1, ScratchDir: t.TempDir(), WorkerRestartBackoff: 5 * time.Millisecond}, Deps{
		Sessions: func(int) (extract.Session, error) {
			fs := &fakeSession{}
			if created.Add(1) == 1 {
				fs.failNext.Store(1)
			}
			return fs, nil
		},
		Extractor: extract.ExtractorFunc(echoExtractor),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		s.Stop()
		_ = s.Wait(context.Background())
	}()

	id, err := s.Submit([]byte("retry"), "secret", Params{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "result", func() bool {
		_, err := s.Fetch(id)
		return err == nil
	})
	if created.Load() != 2 {
		t.Fatalf("sessions created = %d, want 2", created.Load())
	}
	if crashes := s.Snapshot().Workers[0].Crashes; crashes != 1 {
		t.Fatalf("crashes = %d, want 1", crashes)
	}
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1}, echoExtractor)
	h.start()
	if err := h.sched.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v", err)
	}
}

func TestSubmitCopiesPayload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1}, echoExtractor)
	buf := []byte("original")
	id, err := h.sched.Submit(buf, "secret", Params{StabilizationDelay: 7})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	copy(buf, "mutated!")
	h.start()

	r := h.await(id)
	if got := r.Outcome.(Success).Data["payload"]; got != "original" {
		t.Fatalf("payload seen by extractor = %v", got)
	}
}

func TestTaskStringOmitsSecrets(t *testing.T) {
	t.Parallel()
	task := &Task{ID: "abc", Payload: []byte("payload-bytes"), Credential: "hunter2"}
	s := task.String()
	if strings.Contains(s, "hunter2") || strings.Contains(s, "payload-bytes") {
		t.Fatalf("String() leaks secrets: %q", s)
	}
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1}, echoExtractor)
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	// Admit before the worker exists so the admitted event is published first.
	id := h.submit("observed")
	h.start()
	h.await(id)

	want := []string{EventTaskAdmitted, EventTaskCompleted, EventTaskFetched}
	for _, typ := range want {
		select {
		case e := <-events:
			if e.Type != typ {
				t.Fatalf("event = %s, want %s", e.Type, typ)
			}
			te, ok := e.Data.(TaskEvent)
			if !ok || te.ID != id {
				t.Fatalf("event data = %#v", e.Data)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %s", typ)
		}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, Deps{Extractor: extract.ExtractorFunc(echoExtractor)}); err == nil {
		t.Fatal("expected error without session factory")
	}
	if _, err := New(Config{}, Deps{Sessions: func(int) (extract.Session, error) { return &fakeSession{}, nil }}); err == nil {
		t.Fatal("expected error without extractor")
	}
	var _ eventbus.Bus = eventbus.Nop{}
}

func TestStopLosesQueuedTasks(t *testing.T) {
	t.Parallel()
	t.Run("never started", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{QueueCapacity: 4}, echoExtractor)
		ids := []string{h.submit("a"), h.submit("b")}

		h.sched.Stop()
		for _, id := range ids {
			if _, err := h.sched.Fetch(id); !errors.Is(err, ErrTaskIDNotFound) {
				t.Fatalf("Fetch(%s) err = %v, want ErrTaskIDNotFound", id, err)
			}
		}
		snap := h.sched.Snapshot()
		if snap.Lost != 2 || snap.Pending != 0 || snap.QueueLen != 0 || snap.InFlight != 0 {
			t.Fatalf("snapshot = %+v", snap)
		}
	})

	t.Run("behind a busy worker", func(t *testing.T) {
		t.Parallel()
		started := make(chan struct{})
		var once sync.Once
		h := newHarness(t, Config{Workers: 1, QueueCapacity: 4}, func(ctx context.Context, _ extract.Session, _ extract.Request) (extract.Data, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		})
		h.start()
		busy := h.submit("busy")
		<-started
		queued := h.submit("queued")

		h.sched.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.sched.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		for _, id := range []string{busy, queued} {
			if _, err := h.sched.Fetch(id); !errors.Is(err, ErrTaskIDNotFound) {
				t.Fatalf("Fetch(%s) err = %v, want ErrTaskIDNotFound", id, err)
			}
		}
		if snap := h.sched.Snapshot(); snap.Lost != 2 || snap.Pending != 0 {
			t.Fatalf("lost=%d pending=%d", snap.Lost, snap.Pending)
		}
	})
}

func TestClassifiedErrorKeepsKindPastDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, ExtractionTimeout: 20 * time.Millisecond}, func(ctx context.Context, _ extract.Session, req extract.Request) (extract.Data, error) {
		<-ctx.Done()
		if string(req.Payload) == "auth" {
			return nil, extract.Errorf(extract.KindAuthentication, "wrong credential")
		}
		return nil, errors.New("interrupted")
	})
	h.start()

	tests := []struct {
		payload string
		want    extract.ErrorKind
	}{
		{payload: "auth", want: extract.KindAuthentication},
		{payload: "plain", want: extract.KindTimeout},
	}
	for _, tt := range tests {
		r := h.await(h.submit(tt.payload))
		f, ok := r.Outcome.(Failure)
		if !ok || f.Kind != tt.want {
			t.Fatalf("%s: outcome = %#v, want %s", tt.payload, r.Outcome, tt.want)
		}
	}
}

func TestEvictExpiredKeepsEntryAtExactTTL(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ResultTTL: time.Minute}, echoExtractor)
	s := h.sched
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.store.now = func() time.Time { return t0 }

	id := h.submit("x")
	task, ok := s.queue.Pop(context.Background())
	if !ok {
		t.Fatal("Pop failed")
	}
	s.complete(task, Result{TaskID: id, Outcome: Success{}})

	if n := s.evictExpired(t0.Add(time.Minute)); n != 0 {
		t.Fatalf("entry aged exactly TTL evicted (n=%d)", n)
	}
	if n := s.evictExpired(t0.Add(time.Minute + time.Nanosecond)); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
}

func TestEvictExpiredRacesFetch(t *testing.T) {
	t.Parallel()
	const n = 64
	for round := 0; round < 20; round++ {
		h := newHarness(t, Config{QueueCapacity: n, ResultTTL: time.Minute}, echoExtractor)
		s := h.sched
		ids := make([]string, 0, n)
		for i := 0; i < n; i++ {
			ids = append(ids, h.submit("r"))
		}
		for range ids {
			task, ok := s.queue.Pop(context.Background())
			if !ok {
				t.Fatal("Pop failed")
			}
			s.complete(task, Result{TaskID: task.ID, Outcome: Success{}})
		}

		var fetched, evicted atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			evicted.Add(int32(s.evictExpired(time.Now().Add(time.Hour))))
		}()
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := s.Fetch(id); err == nil {
					fetched.Add(1)
				} else if !errors.Is(err, ErrTaskIDNotFound) {
					t.Errorf("Fetch(%s) err = %v", id, err)
				}
			}(id)
		}
		wg.Wait()

		if got := fetched.Load() + evicted.Load(); got != n {
			t.Fatalf("round %d: fetched %d + evicted %d != %d", round, fetched.Load(), evicted.Load(), n)
		}
		if snap := s.Snapshot(); snap.Pending != 0 || snap.Stored != 0 {
			t.Fatalf("round %d: pending=%d stored=%d", round, snap.Pending, snap.Stored)
		}
	}
}
