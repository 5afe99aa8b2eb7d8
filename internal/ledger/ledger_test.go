package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"extractd/internal/eventbus"
	"extractd/internal/scheduler"
	logx "extractd/pkg/logx"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	name := "ledger.jsonl"
	if driver == "sqlite" {
		name = "ledger.db"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "sub", name), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want disabled", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("unknown driver err = %v", err)
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path must fail")
	}
}

func TestStores(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, driver)
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

			for i, ev := range []string{scheduler.EventTaskAdmitted, scheduler.EventTaskCompleted, scheduler.EventTaskFetched} {
				e := Entry{At: base.Add(time.Duration(i) * time.Hour), Event: ev, TaskID: "t1", Worker: 1}
				if ev == scheduler.EventTaskCompleted {
					e.Outcome = "success"
					e.ElapsedMS = 42
				}
				if err := st.Append(ctx, e); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			got, err := st.Recent(ctx, 2)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(got) != 2 || got[0].Event != scheduler.EventTaskFetched || got[1].Event != scheduler.EventTaskCompleted {
				t.Fatalf("Recent(2) = %+v", got)
			}
			if got[1].Outcome != "success" || got[1].ElapsedMS != 42 || got[1].TaskID != "t1" {
				t.Fatalf("completed entry = %+v", got[1])
			}
			if !got[0].At.Equal(base.Add(2 * time.Hour)) {
				t.Fatalf("At = %v", got[0].At)
			}

			n, err := st.Prune(ctx, base.Add(90*time.Minute))
			if err != nil || n != 2 {
				t.Fatalf("Prune = %d, %v; want 2", n, err)
			}
			// Appends after a prune still land.
			if err := st.Append(ctx, Entry{At: base.Add(3 * time.Hour), Event: scheduler.EventTaskEvicted, TaskID: "t2"}); err != nil {
				t.Fatalf("Append after prune: %v", err)
			}
			all, err := st.Recent(ctx, 0)
			if err != nil {
				t.Fatalf("Recent(all): %v", err)
			}
			if len(all) != 2 || all[0].TaskID != "t2" || all[1].Event != scheduler.EventTaskFetched {
				t.Fatalf("after prune = %+v", all)
			}
		})
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st := openDriver(t, "file")
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.Append(context.Background(), Entry{Event: "x"}); err != ErrClosed {
		t.Fatalf("Append after Close = %v", err)
	}
}

func TestEntryFromEvent(t *testing.T) {
	t.Parallel()
	at := time.Now()
	e, ok := entryFromEvent(eventbus.Event{Type: scheduler.EventTaskCompleted, Time: at, Data: scheduler.TaskEvent{
		ID: "a", Worker: 2, Outcome: "timeout", Elapsed: 1500 * time.Millisecond, PayloadBytes: 99,
	}})
	if !ok || e.TaskID != "a" || e.Worker != 2 || e.Outcome != "timeout" || e.ElapsedMS != 1500 || !e.At.Equal(at) {
		t.Fatalf("task entry = %+v, %v", e, ok)
	}

	e, ok = entryFromEvent(eventbus.Event{Type: scheduler.EventSessionFailed, Data: scheduler.SessionEvent{Worker: 1, Reason: "start", Error: "boom"}})
	if !ok || e.Reason != "start: boom" || e.TaskID != "" {
		t.Fatalf("session entry = %+v, %v", e, ok)
	}

	if _, ok := entryFromEvent(eventbus.Event{Type: "other", Data: 7}); ok {
		t.Fatal("foreign payload must be ignored")
	}
}

func TestRecorderWritesBusEvents(t *testing.T) {
	t.Parallel()
	st := openDriver(t, "sqlite")
	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop(), RecorderConfig{})
	defer rec.Close()

	// Published before Run: the subscription already exists.
	bus.Publish(eventbus.Event{Type: scheduler.EventTaskAdmitted, Data: scheduler.TaskEvent{ID: "t9"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for rec.Stats().Appended < 1 {
		if time.Now().After(deadline) {
			t.Fatal("admitted event never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Buffered at cancellation: drained before Run returns.
	bus.Publish(eventbus.Event{Type: scheduler.EventTaskLost, Data: scheduler.TaskEvent{ID: "t9", Worker: 3, Reason: "stopped"}})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Stats().Appended != 2 {
		t.Fatalf("stats = %+v", rec.Stats())
	}

	got, err := st.Recent(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Event != scheduler.EventTaskLost || got[0].TaskID != "t9" || got[0].Reason != "stopped" {
		t.Fatalf("last entry = %+v", got)
	}
}

func TestRecorderPruneNow(t *testing.T) {
	t.Parallel()
	st := openDriver(t, "file")
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	_ = st.Append(ctx, Entry{At: now.Add(-48 * time.Hour), Event: "old"})
	_ = st.Append(ctx, Entry{At: now.Add(-time.Hour), Event: "new"})

	rec := NewRecorder(st, eventbus.Nop{}, logx.Nop(), RecorderConfig{Retention: 24 * time.Hour})
	defer rec.Close()
	rec.now = func() time.Time { return now }
	n, err := rec.PruneNow(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PruneNow = %d, %v", n, err)
	}
	if rec.Stats().Pruned != 1 {
		t.Fatalf("stats = %+v", rec.Stats())
	}
}

func TestRecorderRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	rec := NewRecorder(openDriver(t, "file"), eventbus.New(), logx.Nop(), RecorderConfig{PruneSchedule: "whenever"})
	defer rec.Close()
	if err := rec.Run(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}
