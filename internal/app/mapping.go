package app

import (
	"time"

	"extractd/internal/api"
	"extractd/internal/config"
	"extractd/internal/ledger"
	"extractd/internal/scheduler"
	"extractd/internal/transport/telegram"
	logx "extractd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Remote.Enabled,
			MinLevel:   cfg.Logging.Remote.MinLevel,
			RatePerSec: cfg.Logging.Remote.RatePerSec,
		},
	}
}

// mapSchedulerConfig leaves zero values for scheduler.New to default.
func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	sc := cfg.Scheduler
	ttl := config.DurationOr(sc.ResultTTL, scheduler.DefaultResultTTL)
	return scheduler.Config{
		QueueCapacity:             sc.QueueCapacity,
		Workers:                   sc.Workers,
		ExtractionTimeout:         config.DurationOr(sc.ExtractionTimeout, scheduler.DefaultExtractionTimeout),
		ResultTTL:                 ttl,
		ReclaimInterval:           config.DurationOr(sc.ReclaimInterval, ttl),
		TasksBeforeSessionRestart: sc.TasksBeforeSessionRestart,
		ScratchDir:                sc.ScratchDir,
		SessionStopTimeout:        config.DurationOr(sc.SessionStopTimeout, 0),
		HistorySize:               sc.HistorySize,
	}
}

func mapAPIConfig(cfg *config.Config) api.Config {
	a := cfg.API
	return api.Config{
		Addr:              a.Addr,
		SubmitRatePerSec:  a.SubmitRatePerSec,
		SubmitBurst:       a.SubmitBurst,
		MaxPayloadBytes:   a.MaxPayloadBytes,
		ReadHeaderTimeout: config.DurationOr(a.ReadHeaderTimeout, 0),
		ShutdownTimeout:   config.DurationOr(a.ShutdownTimeout, 0),
		Pprof:             a.Pprof,
	}
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, ledger.RecorderConfig) {
	l := cfg.Ledger
	return ledger.Config{
			Driver:      l.Driver,
			Path:        l.Path,
			BusyTimeout: config.DurationOr(l.BusyTimeout, 5*time.Second),
		}, ledger.RecorderConfig{
			Retention:     config.DurationOr(l.Retention, ledger.DefaultRetention),
			PruneSchedule: l.PruneSchedule,
		}
}

// mapTelegramConfig reports false when no sender can be built.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool) {
	t := cfg.Telegram
	if t.Token == "" || t.ChatID == 0 {
		return telegram.Config{}, false
	}
	return telegram.Config{Token: t.Token, ChatID: t.ChatID, ThreadID: t.ThreadID}, true
}
