package analysis

import (
	"context"
	"time"

	"github.com/itstheanurag/sandboxd/internal/metrics"
	"github.com/itstheanurag/sandboxd/internal/sandbox"
	"github.com/rs/zerolog"
)

// Linter scripts exit 0 whatever the linter reports, and do nothing when
// there are no matching sources.
const (
	ESLintScript = `files=$(find . -type f \( -name "*.js" -o -name "*.ts" \) -not -path "./node_modules/*"); ` +
		`if [ -n "$files" ]; then eslint . --ext .js,.ts || true; fi`
	PylintScript = `files=$(find . -type f -name "*.py" -not -path "./node_modules/*"); ` +
		`if [ -n "$files" ]; then pylint $files || true; fi`
)

// Report holds one text blob per linter. Output is informational only.
type Report struct {
	ESLint string
	Pylint string
}

type Runner struct {
	sandbox sandbox.Sandbox
	logger  *zerolog.Logger
}

func NewRunner(sb sandbox.Sandbox, logger *zerolog.Logger) *Runner {
	return &Runner{sandbox: sb, logger: logger}
}

// Run lints the unit's working directory. It never fails; a linter that
// cannot be run yields an empty report.
func (r *Runner) Run(ctx context.Context, unit *sandbox.Unit) Report {
	start := time.Now()
	defer func() {
		metrics.ExecutionDuration.WithLabelValues("execute", "lint").Observe(float64(time.Since(start).Milliseconds()))
	}()

	return Report{
		ESLint: r.run(ctx, unit, "eslint", ESLintScript),
		Pylint: r.run(ctx, unit, "pylint", PylintScript),
	}
}

func (r *Runner) run(ctx context.Context, unit *sandbox.Unit, tool, script string) string {
	res, err := r.sandbox.Exec(ctx, unit, []string{"bash", "-lc", script})
	if err != nil {
		r.logger.Debug().Err(err).Str("tool", tool).Str("session_id", unit.SessionID).Msg("static check skipped")
		return ""
	}
	return res.Stdout + res.Stderr
}
