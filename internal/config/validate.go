package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	logx "extractd/pkg/logx"
)

// Validate rejects values that can never work. Zero values are left for the
// consumers' defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := parseLevelName(lvl); !ok {
			add(fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}
	if cfg.Logging.Remote.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0 {
			add(errors.New("logging.remote: requires telegram.token and telegram.chat_id"))
		}
		if cfg.Logging.Remote.RatePerSec < 0 {
			add(errors.New("logging.remote.rate_per_sec: must be >= 0"))
		}
	}

	s := cfg.Scheduler
	if s.QueueCapacity < 0 {
		add(errors.New("scheduler.queue_capacity: must be >= 0"))
	}
	if s.Workers < 0 {
		add(errors.New("scheduler.workers: must be >= 0"))
	}
	if s.HistorySize < 0 {
		add(errors.New("scheduler.history_size: must be >= 0"))
	}
	for path, raw := range map[string]string{
		"scheduler.extraction_timeout":   s.ExtractionTimeout,
		"scheduler.result_ttl":           s.ResultTTL,
		"scheduler.reclaim_interval":     s.ReclaimInterval,
		"scheduler.session_stop_timeout": s.SessionStopTimeout,
		"api.read_header_timeout":        cfg.API.ReadHeaderTimeout,
		"api.shutdown_timeout":           cfg.API.ShutdownTimeout,
		"ledger.busy_timeout":            cfg.Ledger.BusyTimeout,
		"ledger.retention":               cfg.Ledger.Retention,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if cfg.Backend.KDFIterations < 0 {
		add(errors.New("backend.kdf_iterations: must be >= 0"))
	}

	if strings.TrimSpace(cfg.API.Addr) == "" {
		add(errors.New("api.addr: required"))
	}
	if cfg.API.SubmitRatePerSec < 0 || cfg.API.SubmitBurst < 0 {
		add(errors.New("api: submit rate and burst must be >= 0"))
	}
	if cfg.API.MaxPayloadBytes < 0 {
		add(errors.New("api.max_payload_bytes: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver)) {
	case "", "none", "file", "sqlite":
	default:
		add(fmt.Errorf("ledger.driver: unknown driver %q", cfg.Ledger.Driver))
	}
	if sched := strings.TrimSpace(cfg.Ledger.PruneSchedule); sched != "" {
		if _, err := cron.ParseStandard(sched); err != nil {
			add(fmt.Errorf("ledger.prune_schedule: %w", err))
		}
	}

	return errors.Join(errs...)
}

func parseLevelName(s string) (logx.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logx.LevelTrace, true
	case "debug":
		return logx.LevelDebug, true
	case "info":
		return logx.LevelInfo, true
	case "warn", "warning":
		return logx.LevelWarn, true
	case "error":
		return logx.LevelError, true
	}
	return logx.LevelInfo, false
}
