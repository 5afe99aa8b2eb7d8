package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"extractd/internal/eventbus"
	"extractd/internal/extract"
	logx "extractd/pkg/logx"
)

// hungGrace is how long a timed-out extractor gets to return on its own
// before its session is considered wedged.
const hungGrace = 100 * time.Millisecond

type worker struct {
	id    int
	sched *Scheduler
	log   logx.Logger

	state           atomic.Int32
	processed       atomic.Uint64
	sessionRestarts atomic.Uint64
}

func newWorker(id int, s *Scheduler) *worker {
	w := &worker{id: id, sched: s, log: s.log.With(logx.Int("worker", id))}
	w.state.Store(int32(StateStarting))
	return w
}

func (w *worker) setState(st WorkerState) { w.state.Store(int32(st)) }

func (w *worker) status() WorkerStatus {
	return WorkerStatus{
		ID:              w.id,
		State:           WorkerState(w.state.Load()),
		Processed:       w.processed.Load(),
		SessionRestarts: w.sessionRestarts.Load(),
	}
}

// run is one lifetime of the worker under the supervisor. A returned error
// makes the supervisor replace the worker with a fresh session.
func (w *worker) run(ctx context.Context) error {
	s := w.sched
	w.setState(StateStarting)

	scr, err := newScratch(s.scratchRoot, w.id)
	if err != nil {
		return err
	}

	sess, err := s.deps.Sessions(w.id)
	if err != nil {
		_ = scr.remove()
		w.publishSession("create", err)
		return fmt.Errorf("create session: %w", err)
	}

	var inflight *Task
	defer func() {
		w.setState(StateStopped)
		if inflight != nil {
			reason := "stopped"
			if ctx.Err() == nil {
				reason = "worker crashed"
			}
			s.lose(inflight, w.id, reason)
		}
		w.stopSession(sess)
		if rerr := scr.remove(); rerr != nil {
			w.log.Warn("scratch cleanup failed", logx.Err(rerr))
		}
	}()

	if err := sess.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.publishSession("start", err)
		return fmt.Errorf("start session: %w", err)
	}
	w.log.Debug("worker started")

	every := s.cfg.TasksBeforeSessionRestart
	sinceRestart := 0
	for {
		w.setState(StateIdle)
		t, ok := s.queue.Pop(ctx)
		if !ok {
			return nil
		}
		inflight = t
		w.setState(StateProcessing)

		start := time.Now()
		outcome, wedged := w.extract(ctx, sess, scr, t)
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			// Termination mid-processing: the result is never published.
			return nil
		}
		inflight = nil
		s.complete(t, Result{
			TaskID:     t.ID,
			Outcome:    outcome,
			Worker:     w.id,
			QueueDelay: start.Sub(t.EnqueuedAt),
			Elapsed:    elapsed,
		})
		w.processed.Add(1)
		sinceRestart++

		switch {
		case wedged:
			err = w.restartSession(ctx, sess, "extraction hung")
		case every > 0 && sinceRestart >= every:
			err = w.restartSession(ctx, sess, "scheduled")
		default:
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		sinceRestart = 0
	}
}

type attempt struct {
	data extract.Data
	err  error
}

// extract runs the extractor against the session with the task deadline.
// wedged reports that the extractor did not return after its deadline and
// may still be using the session.
func (w *worker) extract(ctx context.Context, sess extract.Session, scr *scratch, t *Task) (out Outcome, wedged bool) {
	s := w.sched
	path, cleanup, err := scr.write(t)
	defer cleanup()
	if err != nil {
		return Failure{Kind: extract.KindInternal, Detail: err.Error()}, false
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ExtractionTimeout)
	defer cancel()

	req := extract.Request{
		TaskID:             t.ID,
		Payload:            t.Payload,
		PayloadPath:        path,
		Credential:         t.Credential,
		Timeout:            s.cfg.ExtractionTimeout,
		StabilizationDelay: t.Params.StabilizationDelay,
	}

	done := make(chan attempt, 1)
	go func() {
		var a attempt
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("extractor panicked", logx.String("task", t.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				a = attempt{err: fmt.Errorf("extractor panic: %v", r)}
			}
			done <- a
		}()
		a.data, a.err = s.deps.Extractor.Extract(runCtx, sess, req)
	}()

	var a attempt
	late := false
	select {
	case a = <-done:
		late = errors.Is(runCtx.Err(), context.DeadlineExceeded)
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, false
		}
		grace := time.NewTimer(hungGrace)
		select {
		case a = <-done:
			grace.Stop()
			late = true
		case <-grace.C:
			w.log.Warn("extractor ignored deadline", logx.String("task", t.ID), logx.Duration("timeout", s.cfg.ExtractionTimeout))
			return Failure{Kind: extract.KindTimeout, Detail: "extraction timed out"}, true
		}
	}

	if a.err != nil {
		// Only an unclassified error that arrived after the deadline is relabelled.
		var classified *extract.Error
		if late && !errors.As(a.err, &classified) {
			return Failure{Kind: extract.KindTimeout, Detail: "extraction timed out"}, false
		}
		kind, detail := extract.Classify(a.err)
		return Failure{Kind: kind, Detail: detail}, false
	}
	return Success{Data: a.data}, false
}

func (w *worker) restartSession(ctx context.Context, sess extract.Session, reason string) error {
	w.setState(StateRestarting)
	w.stopSession(sess)
	if err := sess.Start(ctx); err != nil {
		w.publishSession("restart", err)
		return fmt.Errorf("restart session: %w", err)
	}
	n := w.sessionRestarts.Add(1)
	w.sched.sessionRestarts.Add(1)
	w.log.Info("session restarted", logx.String("reason", reason), logx.Uint64("restarts", n))
	w.sched.publish(eventbus.Event{Type: EventSessionRestarted, Data: SessionEvent{Worker: w.id, Reason: reason}})
	return nil
}

func (w *worker) stopSession(sess extract.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), w.sched.cfg.SessionStopTimeout)
	defer cancel()
	if err := sess.Stop(ctx); err != nil {
		w.log.Warn("session stop failed", logx.Err(err))
	}
}

func (w *worker) publishSession(phase string, err error) {
	w.log.Error("session failed", logx.String("phase", phase), logx.Err(err))
	w.sched.publish(eventbus.Event{Type: EventSessionFailed, Data: SessionEvent{Worker: w.id, Reason: phase, Error: err.Error()}})
}
