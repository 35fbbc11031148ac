package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/itstheanurag/sandboxd/internal/archive"
	"github.com/itstheanurag/sandboxd/internal/metrics"
	mobyarchive "github.com/moby/go-archive"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	execPollMin = 10 * time.Millisecond
	execPollMax = 250 * time.Millisecond

	// imageTimeout bounds a shared image build or pull.
	imageTimeout = 15 * time.Minute
)

type Options struct {
	Image string
	// BuildContext is a directory holding the image's Dockerfile. When empty
	// a missing image is pulled instead of built.
	BuildContext string
	// SeccompProfile is the profile JSON, see LoadSeccompProfile.
	SeccompProfile  string
	User            string
	StopTimeout     time.Duration
	TeardownTimeout time.Duration
	MaxOutputBytes  int
}

type DockerSandbox struct {
	cli    client.APIClient
	opts   Options
	logger *zerolog.Logger
	images singleflight.Group
}

func NewDockerSandbox(opts Options, logger *zerolog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return newDockerSandbox(cli, opts, logger), nil
}

func newDockerSandbox(cli client.APIClient, opts Options, logger *zerolog.Logger) *DockerSandbox {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = time.Second
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 10 * time.Second
	}
	return &DockerSandbox{cli: cli, opts: opts, logger: logger}
}

func (s *DockerSandbox) Close() error {
	return s.cli.Close()
}

// EnsureImage makes sure the runtime image is present locally. Concurrent
// callers share a single inspect/build, which runs detached from any one
// caller: a cancelled caller stops waiting without failing the others.
func (s *DockerSandbox) EnsureImage(ctx context.Context) error {
	ch := s.images.DoChan(s.opts.Image, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), imageTimeout)
		defer cancel()
		return nil, s.ensureImage(buildCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrImageUnavailable, ctx.Err())
	}
}

func (s *DockerSandbox) ensureImage(ctx context.Context) error {
	_, _, err := s.cli.ImageInspectWithRaw(ctx, s.opts.Image)
	if err == nil {
		return nil // Image already exists
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: inspect %s: %v", ErrImageUnavailable, s.opts.Image, err)
	}

	if s.opts.BuildContext == "" {
		return s.pullImage(ctx)
	}
	return s.buildImage(ctx)
}

func (s *DockerSandbox) buildImage(ctx context.Context) error {
	s.logger.Info().Str("image", s.opts.Image).Str("context", s.opts.BuildContext).Msg("building sandbox image")

	buildCtx, err := mobyarchive.TarWithOptions(s.opts.BuildContext, &mobyarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("%w: read build context: %v", ErrImageUnavailable, err)
	}
	defer buildCtx.Close()

	resp, err := s.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{s.opts.Image},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("%w: build %s: %v", ErrImageUnavailable, s.opts.Image, err)
	}
	defer resp.Body.Close()

	// The build only reports failure inside the message stream.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("%w: build %s: %v", ErrImageUnavailable, s.opts.Image, err)
	}

	s.logger.Info().Str("image", s.opts.Image).Msg("successfully built sandbox image")
	return nil
}

func (s *DockerSandbox) pullImage(ctx context.Context) error {
	s.logger.Info().Str("image", s.opts.Image).Msg("pulling docker image")
	reader, err := s.cli.ImagePull(ctx, s.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageUnavailable, s.opts.Image, err)
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageUnavailable, s.opts.Image, err)
	}

	s.logger.Info().Str("image", s.opts.Image).Msg("successfully pulled docker image")
	return nil
}

// Create starts a command-less unit that stays alive until destroyed.
func (s *DockerSandbox) Create(ctx context.Context, spec UnitSpec) (*Unit, error) {
	hostCfg, err := spec.Limits.hostConfig(s.opts.SeccompProfile)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		LabelSession:   spec.SessionID,
		LabelRole:      spec.Role,
		LabelManagedBy: ManagedBy,
	}
	name := UnitName(spec.SessionID)

	start := time.Now()
	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:           s.opts.Image,
		Cmd:             []string{"sleep", "infinity"},
		Tty:             false,
		OpenStdin:       false,
		NetworkDisabled: !spec.Limits.NetworkEnabled,
		WorkingDir:      WorkDir,
		User:            s.opts.User,
		Labels:          labels,
	}, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	unit := &Unit{ID: resp.ID, Name: name, SessionID: spec.SessionID, Labels: labels}
	metrics.ActiveUnits.Inc()

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		s.Destroy(unit)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	metrics.UnitCreationTime.Observe(float64(time.Since(start).Milliseconds()))
	s.logger.Debug().Str("container", resp.ID).Str("session_id", spec.SessionID).Msg("isolation unit started")
	return unit, nil
}

// Destroy stops the unit with a short grace period and force-removes it. It
// never fails: errors are logged and counted, and it ignores caller
// cancellation by running on its own context.
func (s *DockerSandbox) Destroy(unit *Unit) {
	if unit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TeardownTimeout)
	defer cancel()

	grace := int(s.opts.StopTimeout.Seconds())
	if err := s.cli.ContainerStop(ctx, unit.ID, container.StopOptions{Timeout: &grace}); err != nil && !client.IsErrNotFound(err) {
		s.logger.Warn().Err(err).Str("container", unit.ID).Msg("failed to stop container")
	}
	if err := s.cli.ContainerRemove(ctx, unit.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		// The unit is still there; keep counting it.
		metrics.TeardownFailures.Inc()
		s.logger.Error().Err(err).Str("container", unit.ID).Str("session_id", unit.SessionID).Msg("failed to remove container")
		return
	}
	metrics.ActiveUnits.Dec()
}

func (s *DockerSandbox) Kill(ctx context.Context, unit *Unit) error {
	if err := s.cli.ContainerKill(ctx, unit.ID, "KILL"); err != nil {
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

func (s *DockerSandbox) PutFiles(ctx context.Context, unit *Unit, dir string, files []File) error {
	entries := make([]archive.Entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, archive.Entry{Path: f.Path, Content: []byte(f.Content)})
	}
	blob, err := archive.Pack(entries)
	if err != nil {
		return err
	}
	if err := s.cli.CopyToContainer(ctx, unit.ID, dir, bytes.NewReader(blob), container.CopyToContainerOptions{
		// Files belong to the unit's user so programs can rewrite them.
		CopyUIDGID: true,
	}); err != nil {
		return fmt.Errorf("failed to upload files: %w", err)
	}
	s.logger.Debug().Str("container", unit.ID).Int("files", len(files)).Msg("files uploaded")
	return nil
}

// FetchFile downloads a single file from the unit. A missing path yields
// archive.ErrNotFound.
func (s *DockerSandbox) FetchFile(ctx context.Context, unit *Unit, p string) ([]byte, error) {
	rc, _, err := s.cli.CopyFromContainer(ctx, unit.ID, p)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", archive.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to download %s: %w", p, err)
	}
	defer rc.Close()
	return archive.UnpackFrom(rc, path.Base(p))
}

// Exec runs cmd to completion, or until ctx is done.
func (s *DockerSandbox) Exec(ctx context.Context, unit *Unit, cmd []string) (*ExecResult, error) {
	execResp, err := s.cli.ContainerExecCreate(ctx, unit.ID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	stdout := newCappedBuffer(s.opts.MaxOutputBytes)
	stderr := newCappedBuffer(s.opts.MaxOutputBytes)
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	exitCode, err := s.waitExec(ctx, execResp.ID)
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		Stdout:    toValidUTF8(stdout.String()),
		Stderr:    toValidUTF8(stderr.String()),
		ExitCode:  exitCode,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}, nil
}

// waitExec reads the exit code once the exec has finished. The output stream
// closes before the daemon marks the exec as stopped, and a command may close
// its own output and keep running, so only ctx bounds the wait.
func (s *DockerSandbox) waitExec(ctx context.Context, execID string) (int, error) {
	delay := execPollMin
	for {
		inspect, err := s.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
		if delay < execPollMax {
			delay *= 2
		}
	}
}

// Spawn starts cmd detached; its output is not collected.
func (s *DockerSandbox) Spawn(ctx context.Context, unit *Unit, cmd []string) (*Process, error) {
	execResp, err := s.cli.ContainerExecCreate(ctx, unit.ID, container.ExecOptions{
		Cmd:        cmd,
		WorkingDir: WorkDir,
		Detach:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}
	if err := s.cli.ContainerExecStart(ctx, execResp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return nil, fmt.Errorf("failed to start exec: %w", err)
	}
	return &Process{ExecID: execResp.ID, Unit: unit}, nil
}

func (s *DockerSandbox) Inspect(ctx context.Context, proc *Process) (ProcessState, error) {
	inspect, err := s.cli.ContainerExecInspect(ctx, proc.ExecID)
	if err != nil {
		return ProcessState{}, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return ProcessState{Running: inspect.Running, ExitCode: inspect.ExitCode}, nil
}

func (s *DockerSandbox) Stats(ctx context.Context, unit *Unit) (Stats, error) {
	resp, err := s.cli.ContainerStatsOneShot(ctx, unit.ID)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	defer resp.Body.Close()
	return decodeStats(resp.Body)
}

// Units lists the containers labeled with sessionID, running or not.
func (s *DockerSandbox) Units(ctx context.Context, sessionID string) ([]string, error) {
	return s.list(ctx, filters.NewArgs(
		filters.Arg("label", LabelManagedBy+"="+ManagedBy),
		filters.Arg("label", LabelSession+"="+sessionID),
	))
}

// Sweep force-removes every unit this service ever created. Run it before
// serving so units orphaned by a crash do not linger.
func (s *DockerSandbox) Sweep(ctx context.Context) (int, error) {
	ids, err := s.list(ctx, filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedBy)))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			s.logger.Warn().Err(err).Str("container", id).Msg("failed to remove orphaned container")
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *DockerSandbox) list(ctx context.Context, args filters.Args) ([]string, error) {
	containers, err := s.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// UnitName derives the container name from the session id. Characters the
// runtime does not accept in names are replaced.
func UnitName(sessionID string) string {
	var b strings.Builder
	b.WriteString("sandbox_")
	for _, r := range sessionID {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
