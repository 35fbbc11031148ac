package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/itstheanurag/sandboxd/internal/audit"
	"github.com/itstheanurag/sandboxd/internal/languages"
	"github.com/itstheanurag/sandboxd/internal/sandbox"
	"github.com/itstheanurag/sandboxd/internal/sandbox/sandboxtest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorderStub struct {
	mu   sync.Mutex
	runs []audit.Run
}

func (r *recorderStub) Record(_ context.Context, run audit.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *recorderStub) Runs() []audit.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Run(nil), r.runs...)
}

func newTestExecutor(fake *sandboxtest.Fake, rec audit.Recorder) *Executor {
	logger := zerolog.Nop()
	return NewExecutor(fake, languages.NewRegistry(), rec, Options{SettleInterval: 10 * time.Millisecond}, &logger)
}

func isLint(cmd []string) bool {
	return len(cmd) == 3 && (strings.Contains(cmd[2], "eslint") || strings.Contains(cmd[2], "pylint"))
}

func helloRequest() ExecuteRequest {
	req := NewExecuteRequest()
	req.Language = "python"
	req.TimeoutSeconds = 10
	req.Files = []sandbox.File{{Path: "main.py", Content: "print('hello')"}}
	return req
}

func TestExecuteHello(t *testing.T) {
	fake := sandboxtest.New()
	fake.StatsValue = sandbox.Stats{CPUPercent: 1.5, MemMB: 12}
	fake.OnExec = func(_ context.Context, _ *sandbox.Unit, cmd []string) (*sandbox.ExecResult, error) {
		if isLint(cmd) {
			return &sandbox.ExecResult{}, nil
		}
		return &sandbox.ExecResult{Stdout: "hello\n"}, nil
	}
	rec := &recorderStub{}

	res, err := newTestExecutor(fake, rec).Execute(context.Background(), helloRequest())
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
	assert.Equal(t, map[string]float64{"cpu_percent": 1.5, "mem_mb": 12}, res.Stats)
	require.NotNil(t, res.ESLintReport)
	require.NotNil(t, res.PylintReport)
	_, err = uuid.Parse(res.SessionID)
	assert.NoError(t, err, "session id is generated")

	assert.Zero(t, fake.Live(), "unit leaked")
	assert.Len(t, fake.Destroyed(), 1)
	assert.Empty(t, fake.Killed())

	spec := fake.Specs()[0]
	assert.Equal(t, sandbox.RoleExecute, spec.Role)
	assert.Equal(t, res.SessionID, spec.SessionID)
	assert.False(t, spec.Limits.NetworkEnabled)

	runs := rec.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, audit.KindExecute, runs[0].Kind)
}

func TestExecuteTimeoutKillsUnit(t *testing.T) {
	fake := sandboxtest.New()
	fake.OnExec = func(ctx context.Context, _ *sandbox.Unit, cmd []string) (*sandbox.ExecResult, error) {
		if isLint(cmd) {
			return &sandbox.ExecResult{}, nil
		}
		// A command that ignores its context; only the kill ends the run.
		time.Sleep(30 * time.Second)
		return &sandbox.ExecResult{Stdout: "too late"}, nil
	}

	req := helloRequest()
	req.SessionID = "slow"
	req.TimeoutSeconds = 1

	start := time.Now()
	res, err := newTestExecutor(fake, nil).Execute(context.Background(), req)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Contains(t, strings.ToLower(res.Stderr), "timeout")
	assert.Empty(t, res.Stdout)
	assert.Empty(t, res.Stats)
	assert.Less(t, elapsed, 3*time.Second, "watchdog must not wait for natural completion")
	assert.GreaterOrEqual(t, elapsed, time.Second)

	assert.Equal(t, []string{"unit-1"}, fake.Killed())
	assert.Equal(t, []string{"unit-1"}, fake.Destroyed())
	assert.Zero(t, fake.Live())
}

func TestExecuteCallerCancellationKillsUnit(t *testing.T) {
	fake := sandboxtest.New()
	fake.OnExec = func(ctx context.Context, _ *sandbox.Unit, cmd []string) (*sandbox.ExecResult, error) {
		if isLint(cmd) {
			return &sandbox.ExecResult{}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res, err := newTestExecutor(fake, nil).Execute(ctx, helloRequest())
	require.NoError(t, err)

	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Equal(t, cancelledMessage, res.Stderr)
	assert.Len(t, fake.Killed(), 1)
	assert.Zero(t, fake.Live())
}

func TestExecuteProvisioningFailures(t *testing.T) {
	cases := map[string]func(*sandboxtest.Fake){
		"image": func(f *sandboxtest.Fake) { f.EnsureErr = sandbox.ErrImageUnavailable },
		"create": func(f *sandboxtest.Fake) {
			f.CreateErr = errors.New("conflict: name in use")
		},
		"upload": func(f *sandboxtest.Fake) { f.PutErr = errors.New("copy failed") },
	}
	for stage, setup := range cases {
		t.Run(stage, func(t *testing.T) {
			fake := sandboxtest.New()
			setup(fake)

			res, err := newTestExecutor(fake, nil).Execute(context.Background(), helloRequest())
			assert.Nil(t, res)
			require.ErrorIs(t, err, ErrProvisioning)

			var perr *ProvisioningError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, stage, perr.Stage)
			assert.Zero(t, fake.Live(), "unit leaked")
		})
	}
}

func TestExecuteImageFailureKeepsCause(t *testing.T) {
	fake := sandboxtest.New()
	fake.EnsureErr = fmt.Errorf("%w: build failed", sandbox.ErrImageUnavailable)

	_, err := newTestExecutor(fake, nil).Execute(context.Background(), helloRequest())
	assert.ErrorIs(t, err, sandbox.ErrImageUnavailable)
	assert.Empty(t, fake.Created())
}

func TestExecuteRunFailureIsProvisioning(t *testing.T) {
	fake := sandboxtest.New()
	fake.OnExec = func(_ context.Context, _ *sandbox.Unit, cmd []string) (*sandbox.ExecResult, error) {
		if isLint(cmd) {
			return &sandbox.ExecResult{}, nil
		}
		return nil, errors.New("exec create: container not running")
	}

	_, err := newTestExecutor(fake, nil).Execute(context.Background(), helloRequest())
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Zero(t, fake.Live())
}

func TestExecuteInvalidRequests(t *testing.T) {
	cases := map[string]func(*ExecuteRequest){
		"timeout too small": func(r *ExecuteRequest) { r.TimeoutSeconds = 0 },
		"timeout too large": func(r *ExecuteRequest) { r.TimeoutSeconds = 301 },
		"escaping path": func(r *ExecuteRequest) {
			r.Files = []sandbox.File{{Path: "../etc/passwd", Content: "x"}}
		},
		"absolute path": func(r *ExecuteRequest) {
			r.Files = []sandbox.File{{Path: "/work/main.py", Content: "x"}}
		},
		"bad memory":            func(r *ExecuteRequest) { r.Limits.MemLimit = "huge" },
		"unclosed quote":        func(r *ExecuteRequest) { r.Command = `python -c 'print(1)` },
		"session id with slash": func(r *ExecuteRequest) { r.SessionID = "a/b" },
		"session id with colon": func(r *ExecuteRequest) { r.SessionID = "a:b" },
		"session id too long":   func(r *ExecuteRequest) { r.SessionID = strings.Repeat("a", 129) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			fake := sandboxtest.New()
			req := helloRequest()
			mutate(&req)

			_, err := newTestExecutor(fake, nil).Execute(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, fake.Created())
		})
	}
}

func TestExecuteStatsFailureYieldsEmptyMap(t *testing.T) {
	fake := sandboxtest.New()
	fake.StatsErr = errors.New("stats endpoint unavailable")

	res, err := newTestExecutor(fake, nil).Execute(context.Background(), helloRequest())
	require.NoError(t, err)
	assert.NotNil(t, res.Stats)
	assert.Empty(t, res.Stats)
}

func TestExecuteStaticChecksNeverChangeExitCode(t *testing.T) {
	fake := sandboxtest.New()
	fake.OnExec = func(_ context.Context, _ *sandbox.Unit, cmd []string) (*sandbox.ExecResult, error) {
		switch {
		case isLint(cmd) && strings.Contains(cmd[2], "pylint"):
			return &sandbox.ExecResult{Stdout: "main.py:1:6: E0001: Parsing failed: 'invalid syntax'\n"}, nil
		case isLint(cmd):
			return nil, errors.New("eslint not installed")
		}
		return &sandbox.ExecResult{Stderr: "SyntaxError\n", ExitCode: 1}, nil
	}

	req := helloRequest()
	req.Files = []sandbox.File{{Path: "main.py", Content: "print('unterminated"}}

	res, err := newTestExecutor(fake, nil).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "SyntaxError\n", res.Stderr)
	require.NotNil(t, res.PylintReport)
	assert.Contains(t, *res.PylintReport, "E0001")
	require.NotNil(t, res.ESLintReport)
	assert.Empty(t, *res.ESLintReport)
}

func TestExecuteSkipsStaticChecksWhenDisabled(t *testing.T) {
	fake := sandboxtest.New()
	req := helloRequest()
	req.RunStaticChecks = false

	res, err := newTestExecutor(fake, nil).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, res.ESLintReport)
	assert.Nil(t, res.PylintReport)
	assert.Len(t, fake.Commands(), 1)
}

func TestExecuteResolvesNodeProject(t *testing.T) {
	fake := sandboxtest.New()
	req := NewExecuteRequest()
	req.RunStaticChecks = false
	req.Files = []sandbox.File{
		{Path: "package.json", Content: `{"name":"app"}`},
		{Path: "main.js", Content: "console.log('hi')"},
	}

	_, err := newTestExecutor(fake, nil).Execute(context.Background(), req)
	require.NoError(t, err)

	cmds := fake.Commands()
	require.Len(t, cmds, 1)
	assert.Contains(t, cmds[0][2], "node main.js")
	assert.NotContains(t, cmds[0][2], "python")
}

func TestExecuteExplicitCommandWins(t *testing.T) {
	fake := sandboxtest.New()
	req := helloRequest()
	req.RunStaticChecks = false
	req.Command = `python -c "print('explicit')"`

	_, err := newTestExecutor(fake, nil).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"python", "-c", "print('explicit')"}}, fake.Commands())
}

func TestExecuteDuplicatePathsLastWriteWins(t *testing.T) {
	fake := sandboxtest.New()
	req := helloRequest()
	req.Files = []sandbox.File{
		{Path: "main.py", Content: "print(1)"},
		{Path: "util.py", Content: "X = 1"},
		{Path: "./main.py", Content: "print(2)"},
	}

	_, err := newTestExecutor(fake, nil).Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []sandbox.File{
		{Path: "main.py", Content: "print(2)"},
		{Path: "util.py", Content: "X = 1"},
	}, fake.Uploaded("unit-1"))
}

func TestExecuteTearsDownOnPanic(t *testing.T) {
	fake := sandboxtest.New()
	fake.OnExec = func(_ context.Context, _ *sandbox.Unit, cmd []string) (*sandbox.ExecResult, error) {
		panic("linter exploded")
	}

	func() {
		defer func() { _ = recover() }()
		_, _ = newTestExecutor(fake, nil).Execute(context.Background(), helloRequest())
	}()
	assert.Zero(t, fake.Live())
	assert.Len(t, fake.Destroyed(), 1)
}

func TestExecuteConcurrentRequestsDoNotInterfere(t *testing.T) {
	fake := sandboxtest.New()
	fake.OnExec = func(_ context.Context, unit *sandbox.Unit, cmd []string) (*sandbox.ExecResult, error) {
		if isLint(cmd) {
			return &sandbox.ExecResult{}, nil
		}
		// Echo back the program uploaded into this unit only.
		for _, f := range fake.Uploaded(unit.ID) {
			if f.Path == "main.py" {
				time.Sleep(5 * time.Millisecond)
				return &sandbox.ExecResult{Stdout: f.Content}, nil
			}
		}
		return &sandbox.ExecResult{ExitCode: 2}, nil
	}
	exec := newTestExecutor(fake, nil)

	const n = 25
	var wg sync.WaitGroup
	results := make([]*ExecuteResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := helloRequest()
			req.SessionID = fmt.Sprintf("session-%d", i)
			req.Files = []sandbox.File{{Path: "main.py", Content: fmt.Sprintf("program-%d", i)}}
			results[i], errs[i] = exec.Execute(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("session-%d", i), results[i].SessionID)
		assert.Equal(t, fmt.Sprintf("program-%d", i), results[i].Stdout)
	}
	assert.Zero(t, fake.Live())
	assert.Len(t, fake.Destroyed(), n)
}

func TestParseViewport(t *testing.T) {
	vp, err := ParseViewport("1280x800")
	require.NoError(t, err)
	assert.Equal(t, Viewport{Width: 1280, Height: 800}, vp)
	assert.Equal(t, "1280x800", vp.String())

	vp, err = ParseViewport(" 375X812 ")
	require.NoError(t, err)
	assert.Equal(t, Viewport{Width: 375, Height: 812}, vp)

	for _, bad := range []string{"", "1280", "x800", "1280x", "0x10", "-1x10", "axb", "20000x10"} {
		_, err := ParseViewport(bad)
		assert.Error(t, err, bad)
	}
}

func TestRequestDefaults(t *testing.T) {
	e := NewExecuteRequest()
	assert.Equal(t, DefaultTimeoutSeconds, e.TimeoutSeconds)
	assert.True(t, e.RunStaticChecks)
	assert.Equal(t, sandbox.DefaultLimits(), e.Limits)

	r := NewRenderRequest()
	assert.Equal(t, "/index.html", r.URLPath)
	assert.Equal(t, []string{"1280x800", "375x812"}, r.Viewports)
	assert.NoError(t, r.Validate())
}

func TestSessionIDsMapToDistinctUnitNames(t *testing.T) {
	seen := map[string]string{}
	for _, id := range []string{"a_b", "a-b", "a.b", "3f2a9c1e-0b7d-4c55-9a3e-2f1d0c7b8a66"} {
		req := helloRequest()
		req.SessionID = id
		require.NoError(t, req.Validate(), id)

		name := sandbox.UnitName(id)
		assert.NotContains(t, seen, name, "%s collides with %s", id, seen[name])
		seen[name] = id
	}
}

func TestExecuteStaticChecksShareTheTimeout(t *testing.T) {
	fake := sandboxtest.New()
	fake.OnExec = func(ctx context.Context, _ *sandbox.Unit, cmd []string) (*sandbox.ExecResult, error) {
		if isLint(cmd) {
			time.Sleep(350 * time.Millisecond)
			return &sandbox.ExecResult{}, nil
		}
		time.Sleep(30 * time.Second)
		return &sandbox.ExecResult{}, nil
	}
	req := helloRequest()
	req.TimeoutSeconds = 1

	start := time.Now()
	res, err := newTestExecutor(fake, nil).Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Less(t, time.Since(start), 1500*time.Millisecond, "lint and run must fit in one budget")
	assert.Zero(t, fake.Live())
}

func TestExecuteStaticChecksExhaustingTheTimeout(t *testing.T) {
	fake := sandboxtest.New()
	fake.OnExec = func(ctx context.Context, _ *sandbox.Unit, cmd []string) (*sandbox.ExecResult, error) {
		if isLint(cmd) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &sandbox.ExecResult{Stdout: "ran"}, nil
	}
	req := helloRequest()
	req.TimeoutSeconds = 1

	res, err := newTestExecutor(fake, nil).Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Equal(t, timeoutMessage, res.Stderr)
	assert.Empty(t, res.Stdout)
	for _, cmd := range fake.Commands() {
		assert.True(t, isLint(cmd), "command run after the budget was spent: %v", cmd)
	}
}
