package languages

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/shlex"
)

// DefaultRuntime is assumed when nothing in the file set or the hint says
// otherwise.
const DefaultRuntime = "python"

// Resolution is the command chosen for a request.
type Resolution struct {
	Runtime string
	Command []string
}

// Resolve picks a run command from the uploaded file paths. It is a
// best-effort heuristic, not a build system:
//
//  1. a runtime whose manifest sits at the top level wins, in registry
//     order, and gets install-then-run;
//  2. otherwise, if hint names a known runtime, its entrypoints are
//     attempted; a hint therefore replaces the python default below, so a
//     "node" hint with no manifest runs "node main.js || ... || true";
//  3. otherwise "python main.py", with failure swallowed.
func (r *Registry) Resolve(paths []string, hint string) Resolution {
	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		present[strings.TrimPrefix(path.Clean(p), "./")] = true
	}

	for _, rt := range r.List() {
		if rt.Manifest != "" && present[rt.Manifest] {
			script := rt.Install + " && " + strings.Join(rt.Entrypoints, " || ")
			return Resolution{Runtime: rt.ID, Command: shell(script)}
		}
	}

	rt, err := r.Get(hint)
	if err != nil {
		rt, err = r.Get(DefaultRuntime)
		if err != nil {
			return Resolution{Runtime: DefaultRuntime, Command: shell("python main.py || true")}
		}
		return Resolution{Runtime: rt.ID, Command: shell(rt.Entrypoints[0] + " || true")}
	}
	return Resolution{Runtime: rt.ID, Command: shell(strings.Join(rt.Entrypoints, " || ") + " || true")}
}

// SplitCommand turns an explicit command line into argv using shell word
// splitting rules. Shell operators are not interpreted; wrap them in
// "bash -lc '...'" to use them.
func SplitCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("invalid command: empty")
	}
	return argv, nil
}

func shell(script string) []string {
	return []string{"bash", "-lc", script}
}
