package config

import (
	"reflect"
	"strings"

	logx "extractd/pkg/logx"
)

// LiveSections can be applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// ChangedSections lists top-level sections that differ, in file order.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	pairs := []struct {
		name     string
		old, new any
	}{
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"telegram", oldCfg.Telegram, newCfg.Telegram},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"backend", oldCfg.Backend, newCfg.Backend},
		{"api", oldCfg.API, newCfg.API},
		{"ledger", oldCfg.Ledger, newCfg.Ledger},
		{"systemd", oldCfg.Systemd, newCfg.Systemd},
	}
	var out []string
	for _, p := range pairs {
		if !reflect.DeepEqual(p.old, p.new) {
			out = append(out, p.name)
		}
	}
	return out
}

// SummaryFields are safe log attributes for a config. The telegram token is
// reported only as set/unset.
func SummaryFields(cfg *Config) []logx.Field {
	if cfg == nil {
		return nil
	}
	return []logx.Field{
		logx.String("log.level", cfg.Logging.Level),
		logx.Bool("log.remote", cfg.Logging.Remote.Enabled),
		logx.Bool("telegram.token_set", strings.TrimSpace(cfg.Telegram.Token) != ""),
		logx.Int("scheduler.workers", cfg.Scheduler.Workers),
		logx.Int("scheduler.queue_capacity", cfg.Scheduler.QueueCapacity),
		logx.String("api.addr", cfg.API.Addr),
		logx.String("ledger.driver", cfg.Ledger.Driver),
	}
}
