package sandbox

import (
	"context"
	"errors"
)

const (
	// WorkDir is where request files land inside every unit.
	WorkDir = "/work"

	RoleExecute = "sandbox"
	RoleRender  = "sandbox-render"

	LabelSession   = "session_id"
	LabelRole      = "role"
	LabelManagedBy = "managed-by"
	ManagedBy      = "sandboxd"
)

var ErrImageUnavailable = errors.New("sandbox image unavailable")

// File is one (path, content) pair of a request.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Unit is a handle to one live isolation unit. It is owned by the request
// that created it and must not be shared.
type Unit struct {
	ID        string
	Name      string
	SessionID string
	Labels    map[string]string
}

// UnitSpec describes the unit to create.
type UnitSpec struct {
	SessionID string
	Role      string
	Limits    ResourceLimits
}

// ExecResult is the outcome of a command run to completion inside a unit.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// Process is a detached command started inside a unit.
type Process struct {
	ExecID string
	Unit   *Unit
}

// ProcessState reports whether a detached process is still alive.
type ProcessState struct {
	Running  bool
	ExitCode int
}

// Stats is a single resource usage sample.
type Stats struct {
	CPUPercent float64
	MemMB      float64
}

// Sandbox manages isolation units. Implementations must be safe for
// concurrent use; the units they hand out are not.
type Sandbox interface {
	EnsureImage(ctx context.Context) error
	Create(ctx context.Context, spec UnitSpec) (*Unit, error)
	Destroy(unit *Unit)
	Kill(ctx context.Context, unit *Unit) error

	PutFiles(ctx context.Context, unit *Unit, dir string, files []File) error
	FetchFile(ctx context.Context, unit *Unit, path string) ([]byte, error)

	Exec(ctx context.Context, unit *Unit, cmd []string) (*ExecResult, error)
	Spawn(ctx context.Context, unit *Unit, cmd []string) (*Process, error)
	Inspect(ctx context.Context, proc *Process) (ProcessState, error)

	Stats(ctx context.Context, unit *Unit) (Stats, error)
}
