package scheduler

import (
	"fmt"
	"time"

	"extractd/internal/eventbus"
	"extractd/internal/extract"
	logx "extractd/pkg/logx"
)

// Config controls the scheduler. Zero values are replaced by defaults in New.
type Config struct {
	// QueueCapacity bounds queued plus in-flight tasks.
	QueueCapacity int
	Workers       int

	ExtractionTimeout time.Duration
	ResultTTL         time.Duration
	// ReclaimInterval is how often the reclaimer scans. 0 means ResultTTL.
	ReclaimInterval time.Duration

	// TasksBeforeSessionRestart is the session restart cadence per worker.
	// 0 applies the default; a negative value disables scheduled restarts.
	TasksBeforeSessionRestart int

	// ScratchDir holds per-worker scratch files. Empty means a private temp dir.
	ScratchDir string

	SessionStopTimeout time.Duration
	// WorkerRestartBackoff is the initial delay before a crashed worker is replaced.
	WorkerRestartBackoff time.Duration
	HistorySize          int
}

const (
	DefaultQueueCapacity             = 256
	DefaultWorkers                   = 2
	DefaultExtractionTimeout         = 60 * time.Second
	DefaultResultTTL                 = 5 * time.Minute
	DefaultTasksBeforeSessionRestart = 100
)

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ExtractionTimeout <= 0 {
		c.ExtractionTimeout = DefaultExtractionTimeout
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = DefaultResultTTL
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = c.ResultTTL
	}
	if c.TasksBeforeSessionRestart == 0 {
		c.TasksBeforeSessionRestart = DefaultTasksBeforeSessionRestart
	}
	if c.SessionStopTimeout <= 0 {
		c.SessionStopTimeout = 10 * time.Second
	}
	if c.WorkerRestartBackoff <= 0 {
		c.WorkerRestartBackoff = 250 * time.Millisecond
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Deps are the collaborators the scheduler drives.
type Deps struct {
	Sessions  extract.SessionFactory
	Extractor extract.Extractor
	Log       logx.Logger
	Bus       eventbus.Bus
}

// Params are per-task tuning values passed through to the extractor unchanged.
type Params struct {
	StabilizationDelay uint `json:"stabilization_delay"`
}

// Task is immutable once admitted.
type Task struct {
	ID         string
	Payload    []byte
	Credential string
	Params     Params
	EnqueuedAt time.Time
}

// String never includes the credential or payload bytes.
func (t *Task) String() string {
	if t == nil {
		return "task(nil)"
	}
	return fmt.Sprintf("task(%s, %d bytes)", t.ID, len(t.Payload))
}

// Outcome is either Success or Failure.
type Outcome interface {
	isOutcome()
}

type Success struct {
	Data extract.Data
}

type Failure struct {
	Kind   extract.ErrorKind
	Detail string
}

func (Success) isOutcome() {}
func (Failure) isOutcome() {}

// OutcomeLabel is "success" or the failure kind name.
func OutcomeLabel(o Outcome) string {
	switch v := o.(type) {
	case Success:
		return "success"
	case Failure:
		return v.Kind.String()
	}
	return "unknown"
}

// Result is what one worker produced for one task. CompletedAt is stamped by the store.
type Result struct {
	TaskID      string
	Outcome     Outcome
	Worker      int
	QueueDelay  time.Duration
	Elapsed     time.Duration
	CompletedAt time.Time
}

// WorkerState is the worker state machine position.
type WorkerState int32

const (
	StateStarting WorkerState = iota
	StateIdle
	StateProcessing
	StateRestarting
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s WorkerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type WorkerStatus struct {
	ID              int         `json:"id"`
	State           WorkerState `json:"state"`
	Processed       uint64      `json:"processed"`
	SessionRestarts uint64      `json:"session_restarts"`
	Crashes         uint64      `json:"crashes"`
}

type HistoryItem struct {
	ID          string        `json:"id"`
	Worker      int           `json:"worker"`
	Outcome     string        `json:"outcome"`
	QueueDelay  time.Duration `json:"queue_delay"`
	Elapsed     time.Duration `json:"elapsed"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Snapshot is a lightweight view for diagnostics. It never carries payloads,
// credentials or extracted data.
type Snapshot struct {
	Running  bool `json:"running"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`
	Pending  int  `json:"pending"`
	Stored   int  `json:"stored"`

	Admitted        uint64 `json:"admitted"`
	Rejected        uint64 `json:"rejected"`
	Completed       uint64 `json:"completed"`
	Failed          uint64 `json:"failed"`
	Fetched         uint64 `json:"fetched"`
	Evicted         uint64 `json:"evicted"`
	Lost            uint64 `json:"lost"`
	SessionRestarts uint64 `json:"session_restarts"`

	ExtractionTimeout time.Duration `json:"extraction_timeout"`
	ResultTTL         time.Duration `json:"result_ttl"`

	Workers []WorkerStatus `json:"workers"`
	History []HistoryItem  `json:"history"`
}

// Event types published on the bus.
const (
	EventTaskAdmitted     = "task.admitted"
	EventTaskRejected     = "task.rejected"
	EventTaskCompleted    = "task.completed"
	EventTaskFetched      = "task.fetched"
	EventTaskEvicted      = "task.evicted"
	EventTaskLost         = "task.lost"
	EventSessionRestarted = "session.restarted"
	EventSessionFailed    = "session.failed"
)

// TaskEvent is the Data of task.* events.
type TaskEvent struct {
	ID           string        `json:"id"`
	Worker       int           `json:"worker,omitempty"`
	Outcome      string        `json:"outcome,omitempty"`
	QueueDelay   time.Duration `json:"queue_delay,omitempty"`
	Elapsed      time.Duration `json:"elapsed,omitempty"`
	PayloadBytes int           `json:"payload_bytes,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// SessionEvent is the Data of session.* events.
type SessionEvent struct {
	Worker int    `json:"worker"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}
