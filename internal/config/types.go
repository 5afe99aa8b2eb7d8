package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "5m"); empty means the default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Backend   BackendConfig   `json:"backend,omitempty"`
	API       APIConfig       `json:"api"`
	Ledger    LedgerConfig    `json:"ledger,omitempty"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
	// Remote forwards warnings and errors to the Telegram chat.
	Remote LogRemoteConfig `json:"remote,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LogRemoteConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig is only used as a log sink. The token is never logged.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// SchedulerConfig defaults:
//   - queue_capacity: 256
//   - workers: 2
//   - extraction_timeout: "60s"
//   - result_ttl: "5m"
//   - reclaim_interval: result_ttl
//   - tasks_before_session_restart: 100 (negative disables)
//   - history_size: 200
type SchedulerConfig struct {
	QueueCapacity             int    `json:"queue_capacity,omitempty"`
	Workers                   int    `json:"workers,omitempty"`
	ExtractionTimeout         string `json:"extraction_timeout,omitempty"`
	ResultTTL                 string `json:"result_ttl,omitempty"`
	ReclaimInterval           string `json:"reclaim_interval,omitempty"`
	TasksBeforeSessionRestart int    `json:"tasks_before_session_restart,omitempty"`
	ScratchDir                string `json:"scratch_dir,omitempty"`
	SessionStopTimeout        string `json:"session_stop_timeout,omitempty"`
	HistorySize               int    `json:"history_size,omitempty"`
}

type BackendConfig struct {
	// KDFIterations is used by "seal -config" when -iterations is not given. Sealed payloads carry their own count.
	KDFIterations int `json:"kdf_iterations,omitempty"`
}

type APIConfig struct {
	Addr              string  `json:"addr"`
	SubmitRatePerSec  float64 `json:"submit_rate_per_sec,omitempty"`
	SubmitBurst       int     `json:"submit_burst,omitempty"`
	MaxPayloadBytes   int64   `json:"max_payload_bytes,omitempty"`
	ReadHeaderTimeout string  `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string  `json:"shutdown_timeout,omitempty"`
	Pprof             bool    `json:"pprof,omitempty"`
}

// LedgerConfig selects the lifecycle ledger driver: "file", "sqlite" or "none".
type LedgerConfig struct {
	Driver        string `json:"driver,omitempty"`
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify,omitempty"`
	Watchdog bool `json:"watchdog,omitempty"`
}
