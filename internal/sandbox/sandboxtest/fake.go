// Package sandboxtest provides an in-memory sandbox.Sandbox for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/itstheanurag/sandboxd/internal/archive"
	"github.com/itstheanurag/sandboxd/internal/sandbox"
)

type ExecFunc func(ctx context.Context, unit *sandbox.Unit, cmd []string) (*sandbox.ExecResult, error)

// Fake records every call. Exported fields configure behaviour and must be
// set before use.
type Fake struct {
	EnsureErr    error
	CreateErr    error
	PutErr       error
	SpawnErr     error
	InspectErr   error
	StatsErr     error
	ProcessState sandbox.ProcessState
	StatsValue   sandbox.Stats
	OnExec       ExecFunc
	// Artifacts maps absolute paths inside any unit to their content.
	Artifacts map[string][]byte

	mu        sync.Mutex
	seq       int
	live      map[string]bool
	created   []*sandbox.Unit
	specs     []sandbox.UnitSpec
	destroyed []string
	killed    []string
	uploaded  map[string][]sandbox.File
	commands  [][]string
	spawned   [][]string
}

func New() *Fake {
	return &Fake{
		Artifacts: make(map[string][]byte),
		live:      make(map[string]bool),
		uploaded:  make(map[string][]sandbox.File),
	}
}

func (f *Fake) EnsureImage(context.Context) error { return f.EnsureErr }

func (f *Fake) Create(_ context.Context, spec sandbox.UnitSpec) (*sandbox.Unit, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	unit := &sandbox.Unit{
		ID:        fmt.Sprintf("unit-%d", f.seq),
		Name:      sandbox.UnitName(spec.SessionID),
		SessionID: spec.SessionID,
		Labels:    map[string]string{sandbox.LabelSession: spec.SessionID, sandbox.LabelRole: spec.Role},
	}
	f.live[unit.ID] = true
	f.created = append(f.created, unit)
	f.specs = append(f.specs, spec)
	return unit, nil
}

func (f *Fake) Destroy(unit *sandbox.Unit) {
	if unit == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, unit.ID)
	f.destroyed = append(f.destroyed, unit.ID)
}

func (f *Fake) Kill(_ context.Context, unit *sandbox.Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, unit.ID)
	return nil
}

func (f *Fake) PutFiles(_ context.Context, unit *sandbox.Unit, _ string, files []sandbox.File) error {
	if f.PutErr != nil {
		return f.PutErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded[unit.ID] = append(f.uploaded[unit.ID], files...)
	return nil
}

func (f *Fake) FetchFile(_ context.Context, _ *sandbox.Unit, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Artifacts[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", archive.ErrNotFound, p)
	}
	return data, nil
}

func (f *Fake) Exec(ctx context.Context, unit *sandbox.Unit, cmd []string) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	fn := f.OnExec
	f.mu.Unlock()
	if fn == nil {
		return &sandbox.ExecResult{}, nil
	}
	return fn(ctx, unit, cmd)
}

func (f *Fake) Spawn(_ context.Context, unit *sandbox.Unit, cmd []string) (*sandbox.Process, error) {
	if f.SpawnErr != nil {
		return nil, f.SpawnErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, cmd)
	return &sandbox.Process{ExecID: "exec-server", Unit: unit}, nil
}

func (f *Fake) Inspect(context.Context, *sandbox.Process) (sandbox.ProcessState, error) {
	return f.ProcessState, f.InspectErr
}

func (f *Fake) Stats(context.Context, *sandbox.Unit) (sandbox.Stats, error) {
	return f.StatsValue, f.StatsErr
}

// Live is the number of units created and not yet destroyed.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *Fake) Created() []*sandbox.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sandbox.Unit(nil), f.created...)
}

func (f *Fake) Specs() []sandbox.UnitSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.UnitSpec(nil), f.specs...)
}

func (f *Fake) Destroyed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func (f *Fake) Killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func (f *Fake) Uploaded(unitID string) []sandbox.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.File(nil), f.uploaded[unitID]...)
}

func (f *Fake) Commands() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.commands...)
}

func (f *Fake) Spawned() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.spawned...)
}

var _ sandbox.Sandbox = (*Fake)(nil)
