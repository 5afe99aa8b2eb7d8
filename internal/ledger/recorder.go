package ledger

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"extractd/internal/eventbus"
	"extractd/internal/scheduler"
	logx "extractd/pkg/logx"
)

const (
	DefaultPruneSchedule = "@hourly"
	DefaultRetention     = 7 * 24 * time.Hour
	recorderBuffer       = 1024
	appendTimeout        = 5 * time.Second
)

type RecorderConfig struct {
	Retention     time.Duration
	PruneSchedule string
}

// Recorder copies scheduler events from the bus into a Store and prunes old
// entries on a cron schedule. It subscribes on construction so no event
// published before Run starts is missed.
type Recorder struct {
	store Store
	log   logx.Logger
	cfg   RecorderConfig

	events      <-chan eventbus.Event
	unsubscribe func()

	parser cron.Parser
	now    func() time.Time

	appended atomic.Uint64
	failed   atomic.Uint64
	pruned   atomic.Uint64
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger, cfg RecorderConfig) *Recorder {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if strings.TrimSpace(cfg.PruneSchedule) == "" {
		cfg.PruneSchedule = DefaultPruneSchedule
	}
	ch, unsubscribe := bus.Subscribe(recorderBuffer)
	return &Recorder{
		store:       store,
		log:         log,
		cfg:         cfg,
		events:      ch,
		unsubscribe: unsubscribe,
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:         time.Now,
	}
}

// Close detaches from the bus. Call it after the last Run has returned.
func (r *Recorder) Close() { r.unsubscribe() }

// Run consumes events until ctx is done. Events already buffered when ctx
// ends are written before it returns. Run may be called again after it returns.
func (r *Recorder) Run(ctx context.Context) error {
	sched, err := r.parser.Parse(r.cfg.PruneSchedule)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithParser(r.parser))
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := r.PruneNow(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("ledger prune failed", logx.Err(err))
		}
	}))
	c.Start()
	r.log.Debug("ledger recorder started", logx.String("prune", r.cfg.PruneSchedule), logx.Duration("retention", r.cfg.Retention))

	defer func() { <-c.Stop().Done() }()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case e, ok := <-r.events:
			if !ok {
				return nil
			}
			// Appends outlive cancellation so shutdown does not drop entries.
			r.write(context.WithoutCancel(ctx), e)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.write(context.Background(), e)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, e eventbus.Event) {
	entry, ok := entryFromEvent(e)
	if !ok {
		return
	}
	actx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	if err := r.store.Append(actx, entry); err != nil {
		// Count and sample; one bad disk must not flood the logs.
		if r.failed.Add(1)%100 == 1 {
			r.log.Warn("ledger append failed", logx.String("event", entry.Event), logx.Err(err))
		}
		return
	}
	r.appended.Add(1)
}

// PruneNow deletes entries older than the retention window.
func (r *Recorder) PruneNow(ctx context.Context) (int, error) {
	n, err := r.store.Prune(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.pruned.Add(uint64(n))
		r.log.Info("ledger pruned", logx.Int("removed", n))
	}
	return n, nil
}

type RecorderStats struct {
	Appended uint64 `json:"appended"`
	Failed   uint64 `json:"failed"`
	Pruned   uint64 `json:"pruned"`
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{Appended: r.appended.Load(), Failed: r.failed.Load(), Pruned: r.pruned.Load()}
}

func entryFromEvent(e eventbus.Event) (Entry, bool) {
	out := Entry{At: e.Time, Event: e.Type}
	switch d := e.Data.(type) {
	case scheduler.TaskEvent:
		out.TaskID = d.ID
		out.Worker = d.Worker
		out.Outcome = d.Outcome
		out.ElapsedMS = d.Elapsed.Milliseconds()
		out.Reason = d.Reason
	case scheduler.SessionEvent:
		out.Worker = d.Worker
		out.Reason = d.Reason
		if d.Error != "" {
			out.Reason = d.Reason + ": " + d.Error
		}
	default:
		return Entry{}, false
	}
	return out, true
}
