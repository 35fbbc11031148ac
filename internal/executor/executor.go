package executor

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/itstheanurag/sandboxd/internal/audit"
	"github.com/itstheanurag/sandboxd/internal/languages"
	"github.com/itstheanurag/sandboxd/internal/metrics"
	"github.com/itstheanurag/sandboxd/internal/sandbox"
)

const (
	timeoutMessage   = "Timeout exceeded"
	cancelledMessage = "Execution cancelled"
)

// Execute runs req in a fresh isolation unit and always destroys the unit
// before returning. Only invalid requests and provisioning failures are
// returned as errors; timeouts, lint failures and stats failures are folded
// into the result.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := e.logger.With().Str("session_id", sessionID).Logger()

	files, dups := dedupeFiles(req.Files)
	if len(dups) > 0 {
		logger.Warn().Strs("paths", dups).Msg("duplicate file paths, last write wins")
	}

	cmd, lang := e.command(req, files)
	logger.Info().Str("runtime", lang).Int("files", len(files)).Msg("execute requested")

	start := time.Now()
	unit, err := e.provision(ctx, sessionID, sandbox.RoleExecute, req.Limits, files)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(audit.KindExecute, "error").Inc()
		logger.Error().Err(err).Msg("provisioning failed")
		return nil, err
	}
	defer e.sandbox.Destroy(unit)

	result := &ExecuteResult{
		SessionID: sessionID,
		Stats:     map[string]float64{},
	}

	// timeout_seconds covers static checks and the run together.
	budget := time.Duration(req.TimeoutSeconds) * time.Second
	deadline := time.Now().Add(budget)

	if req.RunStaticChecks {
		lintCtx, cancel := context.WithDeadline(ctx, deadline)
		report := e.analysis.Run(lintCtx, unit)
		cancel()
		result.ESLintReport = &report.ESLint
		result.PylintReport = &report.Pylint
	}

	var run runResult
	if remaining := time.Until(deadline); remaining > 0 {
		run = e.runWithWatchdog(ctx, unit, cmd, remaining)
	} else {
		run = runResult{outcome: timedOut}
	}
	result.DurationMs = run.elapsed.Milliseconds()

	switch {
	case run.outcome == timedOut:
		result.ExitCode = TimeoutExitCode
		result.Stderr = timeoutMessage
		logger.Warn().Dur("budget", budget).Msg("execution timed out, unit killed")
	case run.outcome == cancelled:
		result.ExitCode = TimeoutExitCode
		result.Stderr = cancelledMessage
		logger.Warn().Msg("execution cancelled by caller, unit killed")
	case run.err != nil:
		metrics.ExecutionsTotal.WithLabelValues(audit.KindExecute, "error").Inc()
		logger.Error().Err(run.err).Msg("command could not be run")
		return nil, provisioning("run", run.err)
	default:
		result.ExitCode = run.res.ExitCode
		result.Stdout = run.res.Stdout
		result.Stderr = run.res.Stderr
		result.Truncated = run.res.Truncated
		result.Stats = e.collectStats(ctx, unit)
	}

	status := run.outcome.status()
	metrics.ExecutionsTotal.WithLabelValues(audit.KindExecute, status).Inc()
	metrics.ExecutionDuration.WithLabelValues(audit.KindExecute, "run").Observe(float64(result.DurationMs))
	metrics.ExecutionDuration.WithLabelValues(audit.KindExecute, "total").Observe(float64(time.Since(start).Milliseconds()))

	audit.Record(e.recorder, recordTimeout, audit.Run{
		SessionID:  sessionID,
		Kind:       audit.KindExecute,
		Status:     status,
		ExitCode:   result.ExitCode,
		DurationMs: result.DurationMs,
	}, &logger)

	logger.Info().Int("exit_code", result.ExitCode).Int64("duration_ms", result.DurationMs).Str("status", status).Msg("execute finished")
	return result, nil
}

// command returns the argv to run and the runtime it targets. An explicit
// command always wins over detection.
func (e *Executor) command(req ExecuteRequest, files []sandbox.File) ([]string, string) {
	if strings.TrimSpace(req.Command) != "" {
		argv, err := languages.SplitCommand(req.Command)
		if err == nil {
			return argv, req.Language
		}
	}
	res := e.registry.Resolve(filePaths(files), req.Language)
	return res.Command, res.Runtime
}

// collectStats samples the unit once. Any failure yields an empty map.
func (e *Executor) collectStats(ctx context.Context, unit *sandbox.Unit) map[string]float64 {
	statsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsTimeout)
	defer cancel()

	s, err := e.sandbox.Stats(statsCtx, unit)
	if err != nil {
		e.logger.Debug().Err(err).Str("container", unit.ID).Msg("stats unavailable")
		return map[string]float64{}
	}
	metrics.MemoryUsage.Observe(s.MemMB)
	return map[string]float64{
		"cpu_percent": s.CPUPercent,
		"mem_mb":      s.MemMB,
	}
}
