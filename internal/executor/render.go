package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/itstheanurag/sandboxd/internal/audit"
	"github.com/itstheanurag/sandboxd/internal/metrics"
	"github.com/itstheanurag/sandboxd/internal/sandbox"
	"github.com/rs/zerolog"
)

const serverLogPath = "/tmp/http-server.log"

// Render serves req's files from a static server inside a fresh unit and
// screenshots urlPath once per viewport. A viewport that fails is skipped
// with a log line; the request itself fails only when the unit cannot be
// provisioned or the server does not start.
func (e *Executor) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := e.logger.With().Str("session_id", sessionID).Logger()

	viewports := req.Viewports
	if len(viewports) == 0 {
		viewports = DefaultViewports
	}
	urlPath := req.URLPath
	if urlPath == "" {
		urlPath = DefaultURLPath
	}
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}

	files, dups := dedupeFiles(req.Files)
	if len(dups) > 0 {
		logger.Warn().Strs("paths", dups).Msg("duplicate file paths, last write wins")
	}

	start := time.Now()
	deadline := start.Add(time.Duration(req.TimeoutSeconds) * time.Second)

	unit, err := e.provision(ctx, sessionID, sandbox.RoleRender, req.Limits, files)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(audit.KindRender, "error").Inc()
		logger.Error().Err(err).Msg("provisioning failed")
		return nil, err
	}
	defer e.sandbox.Destroy(unit)

	if err := e.startServer(ctx, unit); err != nil {
		metrics.ExecutionsTotal.WithLabelValues(audit.KindRender, "error").Inc()
		logger.Error().Err(err).Msg("static server failed")
		return nil, err
	}

	result := &RenderResult{
		SessionID:   sessionID,
		Screenshots: make(map[string]string, len(viewports)),
	}
	var logs []string
	status := completed
	url := fmt.Sprintf("http://127.0.0.1:%d%s", e.opts.RenderPort, urlPath)

	for _, vp := range viewports {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			status = timedOut
			break
		}

		shot, out, o := e.screenshot(ctx, unit, vp, url, remaining, &logger)
		if out != "" {
			logs = append(logs, out)
		}
		if o != completed {
			status = o
			break
		}
		if shot != "" {
			result.Screenshots[vp] = shot
		}
	}

	switch status {
	case timedOut:
		logs = append(logs, timeoutMessage)
	case cancelled:
		logs = append(logs, cancelledMessage)
	default:
		if text := e.serverLog(ctx, unit); text != "" {
			logs = append([]string{text}, logs...)
		}
	}
	result.Logs = strings.Join(logs, "\n")

	metrics.ExecutionsTotal.WithLabelValues(audit.KindRender, status.status()).Inc()
	metrics.ExecutionDuration.WithLabelValues(audit.KindRender, "total").Observe(float64(time.Since(start).Milliseconds()))

	audit.Record(e.recorder, recordTimeout, audit.Run{
		SessionID:   sessionID,
		Kind:        audit.KindRender,
		Status:      status.status(),
		DurationMs:  time.Since(start).Milliseconds(),
		Screenshots: len(result.Screenshots),
	}, &logger)

	logger.Info().Int("screenshots", len(result.Screenshots)).Int("viewports", len(viewports)).Str("status", status.status()).Msg("render finished")
	return result, nil
}

// startServer launches the static file server detached and gives it the
// settle interval to bind. A server that has already exited is an error.
func (e *Executor) startServer(ctx context.Context, unit *sandbox.Unit) error {
	script := fmt.Sprintf("exec http-server -a 127.0.0.1 -p %d -c-1 ./ > %s 2>&1", e.opts.RenderPort, serverLogPath)
	proc, err := e.sandbox.Spawn(ctx, unit, []string{"bash", "-lc", script})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerStart, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrServerStart, ctx.Err())
	case <-time.After(e.opts.SettleInterval):
	}

	state, err := e.sandbox.Inspect(ctx, proc)
	if err != nil {
		e.logger.Debug().Err(err).Str("container", unit.ID).Msg("could not inspect static server")
		return nil
	}
	if !state.Running {
		return fmt.Errorf("%w: exited with code %d: %s", ErrServerStart, state.ExitCode, e.serverLog(ctx, unit))
	}
	return nil
}

// screenshot captures one viewport. It returns the base64 PNG (empty when
// the viewport failed), the driver output, and how the driver run ended.
func (e *Executor) screenshot(ctx context.Context, unit *sandbox.Unit, spec, url string, budget time.Duration, logger *zerolog.Logger) (string, string, outcome) {
	vp, err := ParseViewport(spec)
	if err != nil {
		metrics.Screenshots.WithLabelValues("missing").Inc()
		return "", fmt.Sprintf("[%s] skipped: %v", spec, err), completed
	}

	file := path.Join(sandbox.WorkDir, fmt.Sprintf("shot_%s.png", vp))
	cmd := []string{"node", e.opts.ScreenshotScript, url,
		strconv.Itoa(vp.Width), strconv.Itoa(vp.Height), file}

	run := e.runWithWatchdog(ctx, unit, cmd, budget)
	if run.outcome != completed {
		metrics.Screenshots.WithLabelValues("missing").Inc()
		return "", "", run.outcome
	}
	if run.err != nil {
		metrics.Screenshots.WithLabelValues("missing").Inc()
		logger.Warn().Err(run.err).Str("viewport", spec).Msg("screenshot driver failed to run")
		return "", fmt.Sprintf("[%s] driver failed: %v", spec, run.err), completed
	}

	var out []string
	if text := strings.TrimSpace(run.res.Stdout + run.res.Stderr); text != "" {
		out = append(out, text)
	}

	data, err := e.sandbox.FetchFile(ctx, unit, file)
	if err == nil && !mimetype.Detect(data).Is("image/png") {
		err = fmt.Errorf("%s is not a PNG", path.Base(file))
	}
	if err != nil {
		metrics.Screenshots.WithLabelValues("missing").Inc()
		logger.Warn().Err(err).Str("viewport", spec).Int("driver_exit", run.res.ExitCode).Msg("screenshot missing")
		out = append(out, fmt.Sprintf("[%s] screenshot missing: %v", spec, err))
		return "", strings.Join(out, "\n"), completed
	}

	metrics.Screenshots.WithLabelValues("ok").Inc()
	return base64.StdEncoding.EncodeToString(data), strings.Join(out, "\n"), completed
}

// serverLog returns the static server's output, or "" when it cannot be read.
func (e *Executor) serverLog(ctx context.Context, unit *sandbox.Unit) string {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsTimeout)
	defer cancel()
	data, err := e.sandbox.FetchFile(logCtx, unit, serverLogPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
