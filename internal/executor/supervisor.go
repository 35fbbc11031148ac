package executor

import (
	"context"
	"time"

	"github.com/itstheanurag/sandboxd/internal/analysis"
	"github.com/itstheanurag/sandboxd/internal/audit"
	"github.com/itstheanurag/sandboxd/internal/languages"
	"github.com/itstheanurag/sandboxd/internal/sandbox"
	"github.com/rs/zerolog"
)

const (
	killTimeout   = 5 * time.Second
	statsTimeout  = 5 * time.Second
	recordTimeout = 3 * time.Second
)

type Options struct {
	RenderPort       int
	SettleInterval   time.Duration
	ScreenshotScript string
}

// Executor runs Execute and Render requests. It holds no per-request state;
// one value serves any number of concurrent requests.
type Executor struct {
	sandbox  sandbox.Sandbox
	registry *languages.Registry
	analysis *analysis.Runner
	recorder audit.Recorder
	opts     Options
	logger   *zerolog.Logger
}

func NewExecutor(sb sandbox.Sandbox, registry *languages.Registry, recorder audit.Recorder, opts Options, logger *zerolog.Logger) *Executor {
	if opts.RenderPort == 0 {
		opts.RenderPort = 8080
	}
	if opts.ScreenshotScript == "" {
		opts.ScreenshotScript = "/opt/sandbox/screenshot.js"
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Executor{
		sandbox:  sb,
		registry: registry,
		analysis: analysis.NewRunner(sb, logger),
		recorder: recorder,
		opts:     opts,
		logger:   logger,
	}
}

// provision brings a unit up with the request files loaded. On error no
// unit is left behind.
func (e *Executor) provision(ctx context.Context, sessionID, role string, limits sandbox.ResourceLimits, files []sandbox.File) (*sandbox.Unit, error) {
	if err := e.sandbox.EnsureImage(ctx); err != nil {
		return nil, provisioning("image", err)
	}

	unit, err := e.sandbox.Create(ctx, sandbox.UnitSpec{SessionID: sessionID, Role: role, Limits: limits})
	if err != nil {
		return nil, provisioning("create", err)
	}

	if len(files) > 0 {
		if err := e.sandbox.PutFiles(ctx, unit, sandbox.WorkDir, files); err != nil {
			e.sandbox.Destroy(unit)
			return nil, provisioning("upload", err)
		}
	}
	return unit, nil
}

type outcome int

const (
	completed outcome = iota
	timedOut
	cancelled
)

type runResult struct {
	outcome outcome
	res     *sandbox.ExecResult
	err     error
	elapsed time.Duration
}

// runWithWatchdog races cmd against budget and ctx. The command runs on its
// own goroutine; if the budget runs out or ctx is cancelled first the whole
// unit is killed, which also ends the command.
func (e *Executor) runWithWatchdog(ctx context.Context, unit *sandbox.Unit, cmd []string, budget time.Duration) runResult {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	done := make(chan runResult, 1)
	go func() {
		res, err := e.sandbox.Exec(execCtx, unit, cmd)
		done <- runResult{outcome: completed, res: res, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case r := <-done:
		r.elapsed = time.Since(start)
		if r.err != nil && ctx.Err() != nil {
			e.kill(unit)
			r.outcome = cancelled
		}
		return r
	case <-timer.C:
		e.kill(unit)
		return runResult{outcome: timedOut, elapsed: time.Since(start)}
	case <-ctx.Done():
		e.kill(unit)
		return runResult{outcome: cancelled, elapsed: time.Since(start)}
	}
}

func (e *Executor) kill(unit *sandbox.Unit) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := e.sandbox.Kill(ctx, unit); err != nil {
		// Teardown still force-removes the unit.
		e.logger.Warn().Err(err).Str("container", unit.ID).Msg("watchdog kill failed")
	}
}

func (o outcome) status() string {
	switch o {
	case timedOut:
		return "timeout"
	case cancelled:
		return "cancelled"
	default:
		return "completed"
	}
}
