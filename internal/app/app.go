// Package app wires configuration, logging, the ledger, the scheduler and the
// HTTP API into one daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"extractd/internal/api"
	"extractd/internal/backend/sqlitedoc"
	"extractd/internal/config"
	"extractd/internal/eventbus"
	"extractd/internal/ledger"
	"extractd/internal/runtime/supervisor"
	"extractd/internal/scheduler"
	"extractd/internal/transport/telegram"
	logx "extractd/pkg/logx"
)

const stopTimeout = 15 * time.Second

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store ledger.Store // nil when disabled
	rec   *ledger.Recorder
	sched *scheduler.Scheduler
	api   *api.Server
	sd    sdNotifier
}

// New loads the config and builds every component without starting anything.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	var sender logx.TextSender
	if tc, ok := mapTelegramConfig(cfg); ok {
		s, err := telegram.NewSender(tc)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = s
	}
	logSvc, root := logx.New(mapLogConfig(cfg), sender)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()

	lc, rc := mapLedgerConfig(cfg)
	store, err := ledger.Open(lc, root.With(logx.String("comp", "ledger")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("ledger: %w", err)
	}
	var rec *ledger.Recorder
	if store != nil {
		rec = ledger.NewRecorder(store, bus, root.With(logx.String("comp", "ledger")), rc)
		log.Info("ledger enabled", logx.String("driver", lc.Driver))
	}

	sched, err := scheduler.New(mapSchedulerConfig(cfg), scheduler.Deps{
		Sessions:  sqlitedoc.Factory(),
		Extractor: sqlitedoc.Extractor{},
		Log:       root.With(logx.String("comp", "scheduler")),
		Bus:       bus,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		rec:   rec,
		sched: sched,
		sd: sdNotifier{
			enabled:  cfg.Systemd.Notify,
			watchdog: cfg.Systemd.Watchdog,
			log:      root.With(logx.String("comp", "systemd")),
		},
	}
	var reader api.LedgerReader
	if store != nil {
		reader = store
	}
	a.api = api.New(mapAPIConfig(cfg), sched, reader, root.With(logx.String("comp", "api")))
	return a, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Run starts everything and blocks until ctx is done or a fatal error occurs.
// Shutdown stops the scheduler first so the ledger records lost tasks.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(a.log))

	if a.rec != nil {
		sup.GoRestart("ledger.recorder", a.rec.Run)
	}
	if err := a.sched.Start(sup.Context()); err != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
		a.close()
		return err
	}
	sup.Go("http", func(c context.Context) error {
		err := a.api.Run(c)
		if err != nil {
			a.log.Error("http server failed", logx.Err(err))
			sup.Cancel()
		}
		return err
	})
	sup.Go("config.watch", a.cfgm.Watch)
	sup.Go("config.apply", a.applyConfig)
	sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.watchdogLoop(c, func() bool { return a.sched.Snapshot().Running })
	})

	a.sd.ready()
	a.log.Info("extractd started", config.SummaryFields(a.cfgm.Get())...)

	select {
	case <-ctx.Done():
	case <-sup.Context().Done():
	}

	a.sd.stopping()
	a.log.Info("stopping")
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	a.sched.Stop()
	if err := a.sched.Wait(stopCtx); err != nil {
		a.log.Warn("scheduler did not stop in time", logx.Err(err))
	}
	if err := sup.Stop(stopCtx); err != nil {
		a.log.Warn("background tasks did not stop in time", logx.Err(err))
	}
	for _, st := range sup.Snapshot() {
		if st.Restarts > 0 || st.Panics > 0 {
			a.log.Info("supervised task summary", logx.String("name", st.Name), logx.Uint64("restarts", st.Restarts), logx.Uint64("panics", st.Panics))
		}
	}
	runErr := sup.Err()
	a.log.Info("stopped")
	a.close()
	return runErr
}

func (a *App) close() {
	if a.rec != nil {
		a.rec.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("ledger close failed", logx.Err(err))
		}
	}
	_ = a.logs.Close()
}

// applyConfig applies live sections of each reload and warns about the rest.
func (a *App) applyConfig(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	changed := config.ChangedSections(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reloaded (no changes)")
		return
	}
	var restart []string
	for _, s := range changed {
		if !config.LiveSections[s] {
			restart = append(restart, s)
		}
	}
	if containsSection(changed, "logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
}

func containsSection(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
