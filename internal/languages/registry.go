package languages

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrLanguageNotFound = errors.New("language not found")
)

// Registry holds runtimes in detection order.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
	aliases  map[string]string
	order    []string
}

func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
		aliases:  make(map[string]string),
	}
	r.registerDefaults()
	return r
}

// Register adds or replaces a runtime. New runtimes are detected after the
// ones already registered.
func (r *Registry) Register(rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runtimes[rt.ID]; !ok {
		r.order = append(r.order, rt.ID)
	}
	r.runtimes[rt.ID] = rt
	r.aliases[rt.ID] = rt.ID
	for _, a := range rt.Aliases {
		r.aliases[strings.ToLower(a)] = rt.ID
	}
}

// Get looks a runtime up by id or alias, case-insensitively.
func (r *Registry) Get(id string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.aliases[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Runtime{}, ErrLanguageNotFound
	}
	return r.runtimes[canonical], nil
}

// List returns runtimes in detection order.
func (r *Registry) List() []Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rts := make([]Runtime, 0, len(r.order))
	for _, id := range r.order {
		rts = append(rts, r.runtimes[id])
	}
	return rts
}

func (r *Registry) registerDefaults() {
	r.Register(Runtime{
		ID:       "node",
		Name:     "Node.js",
		Aliases:  []string{"javascript", "js", "typescript", "ts"},
		Manifest: "package.json",
		// Prefer the lockfile for a reproducible install.
		Install:     "if [ -f package-lock.json ]; then npm ci --ignore-scripts; else npm i --ignore-scripts; fi",
		Entrypoints: []string{"node main.js", "npm run start", "node index.js"},
	})

	r.Register(Runtime{
		ID:          "python",
		Name:        "Python",
		Aliases:     []string{"python3", "py"},
		Manifest:    "requirements.txt",
		Install:     "pip install --no-cache-dir -r requirements.txt",
		Entrypoints: []string{"python main.py", "python app.py"},
	})
}
