// Package extract defines the contracts between the scheduler and the
// backends that do the actual work: a long-lived Session per worker and a
// stateless Extractor that turns a payload plus credential into Data.
package extract

import (
	"context"
	"time"
)

// Session is a handle to one long-running, stateful execution backend.
// A Session is owned by exactly one worker and is never shared.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

// SessionFactory builds the Session for worker number id. It is called again
// whenever the supervisor replaces a worker that exited with an error.
type SessionFactory func(id int) (Session, error)

// Data is the structured value produced by a successful extraction.
type Data map[string]any

// Request carries one task's inputs to an Extractor.
//
// PayloadPath names a worker-private scratch copy of Payload that is removed
// once Extract returns. Credential must never be logged.
type Request struct {
	TaskID             string
	Payload            []byte
	PayloadPath        string
	Credential         string
	Timeout            time.Duration
	StabilizationDelay uint
}

// Extractor must treat the Session as borrowed: it may use it but never stop it.
// The context carries a deadline equal to Request.Timeout.
type Extractor interface {
	Extract(ctx context.Context, s Session, req Request) (Data, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, s Session, req Request) (Data, error)

func (f ExtractorFunc) Extract(ctx context.Context, s Session, req Request) (Data, error) {
	return f(ctx, s, req)
}
