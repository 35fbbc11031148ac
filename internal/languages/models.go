package languages

// Runtime describes how a project for one interpreter is installed and
// started inside the sandbox image.
type Runtime struct {
	ID      string
	Name    string
	Aliases []string
	// Manifest is the dependency file whose presence selects this runtime.
	Manifest string
	// Install runs before the entrypoints when Manifest is present.
	Install string
	// Entrypoints are tried in order; the first that succeeds wins.
	Entrypoints []string
}
