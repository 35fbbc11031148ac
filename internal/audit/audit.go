// Package audit keeps a record of finished sandbox runs. It stores run
// metadata only; nothing in it is read back to serve a request.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	KindExecute = "execute"
	KindRender  = "render"
)

type Run struct {
	SessionID   string
	Kind        string
	Status      string
	ExitCode    int
	DurationMs  int64
	Screenshots int
	CreatedAt   time.Time
}

type Recorder interface {
	Record(ctx context.Context, run Run) error
}

// Nop discards every run.
type Nop struct{}

func (Nop) Record(context.Context, Run) error { return nil }

// Record stores run through rec, bounded by timeout and detached from the
// caller's context so a cancelled request is still recorded. Failures are
// logged only.
func Record(rec Recorder, timeout time.Duration, run Run, logger *zerolog.Logger) {
	if rec == nil {
		return
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rec.Record(ctx, run); err != nil {
		logger.Warn().Err(err).Str("session_id", run.SessionID).Msg("failed to record run")
	}
}
