package executor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/itstheanurag/sandboxd/internal/archive"
	"github.com/itstheanurag/sandboxd/internal/languages"
	"github.com/itstheanurag/sandboxd/internal/sandbox"
)

const (
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 300
	DefaultTimeoutSeconds = 30

	// TimeoutExitCode is reported when the watchdog had to kill the unit.
	TimeoutExitCode = 124

	DefaultURLPath = "/index.html"
	maxViewportDim = 10000
)

var DefaultViewports = []string{"1280x800", "375x812"}

// sessionIDPattern admits exactly the ids that map one-to-one onto container
// names.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

type ExecuteRequest struct {
	SessionID       string                 `json:"session_id"`
	Language        string                 `json:"language"`
	Command         string                 `json:"command"`
	Files           []sandbox.File         `json:"files"`
	Limits          sandbox.ResourceLimits `json:"limits"`
	TimeoutSeconds  int                    `json:"timeout_seconds"`
	RunStaticChecks bool                   `json:"run_static_checks"`
}

// NewExecuteRequest returns a request carrying every default. Decoding JSON
// on top of it only overrides the fields the caller sent.
func NewExecuteRequest() ExecuteRequest {
	return ExecuteRequest{
		Limits:          sandbox.DefaultLimits(),
		TimeoutSeconds:  DefaultTimeoutSeconds,
		RunStaticChecks: true,
	}
}

func (r ExecuteRequest) Validate() error {
	if err := validateCommon(r.SessionID, r.Files, r.Limits, r.TimeoutSeconds); err != nil {
		return err
	}
	if strings.TrimSpace(r.Command) != "" {
		if _, err := languages.SplitCommand(r.Command); err != nil {
			return invalid(err.Error())
		}
	}
	return nil
}

type ExecuteResult struct {
	SessionID    string             `json:"session_id"`
	ExitCode     int                `json:"exit_code"`
	Stdout       string             `json:"stdout"`
	Stderr       string             `json:"stderr"`
	ESLintReport *string            `json:"eslint_report"`
	PylintReport *string            `json:"pylint_report"`
	DurationMs   int64              `json:"duration_ms"`
	Stats        map[string]float64 `json:"stats"`
	Truncated    bool               `json:"truncated,omitempty"`
}

type RenderRequest struct {
	SessionID      string                 `json:"session_id"`
	Files          []sandbox.File         `json:"files"`
	Limits         sandbox.ResourceLimits `json:"limits"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	URLPath        string                 `json:"url_path"`
	Viewports      []string               `json:"viewports"`
}

func NewRenderRequest() RenderRequest {
	return RenderRequest{
		Limits:         sandbox.DefaultLimits(),
		TimeoutSeconds: DefaultTimeoutSeconds,
		URLPath:        DefaultURLPath,
		Viewports:      append([]string(nil), DefaultViewports...),
	}
}

func (r RenderRequest) Validate() error {
	if err := validateCommon(r.SessionID, r.Files, r.Limits, r.TimeoutSeconds); err != nil {
		return err
	}
	if strings.ContainsAny(r.URLPath, " \t\r\n") {
		return invalid(fmt.Sprintf("url_path %q contains whitespace", r.URLPath))
	}
	for _, vp := range r.Viewports {
		if _, err := ParseViewport(vp); err != nil {
			return invalid(err.Error())
		}
	}
	return nil
}

type RenderResult struct {
	SessionID   string            `json:"session_id"`
	Screenshots map[string]string `json:"screenshots"`
	PDFBase64   *string           `json:"pdf_base64"`
	Logs        string            `json:"logs"`
}

type Viewport struct {
	Width  int
	Height int
}

func (v Viewport) String() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// ParseViewport reads a "WxH" string.
func ParseViewport(s string) (Viewport, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Viewport{}, fmt.Errorf("viewport %q is not WxH", s)
	}
	width, errW := strconv.Atoi(w)
	height, errH := strconv.Atoi(h)
	if errW != nil || errH != nil {
		return Viewport{}, fmt.Errorf("viewport %q is not WxH", s)
	}
	if width <= 0 || height <= 0 || width > maxViewportDim || height > maxViewportDim {
		return Viewport{}, fmt.Errorf("viewport %q out of range", s)
	}
	return Viewport{Width: width, Height: height}, nil
}

func validateCommon(sessionID string, files []sandbox.File, limits sandbox.ResourceLimits, timeout int) error {
	if sessionID != "" && !sessionIDPattern.MatchString(sessionID) {
		return invalid(fmt.Sprintf("session_id %q must match %s", sessionID, sessionIDPattern))
	}
	if timeout < MinTimeoutSeconds || timeout > MaxTimeoutSeconds {
		return invalid(fmt.Sprintf("timeout_seconds must be within [%d,%d], got %d",
			MinTimeoutSeconds, MaxTimeoutSeconds, timeout))
	}
	if err := limits.Validate(); err != nil {
		return invalid(err.Error())
	}
	for _, f := range files {
		if _, err := archive.CleanPath(f.Path); err != nil {
			return invalid(err.Error())
		}
	}
	return nil
}

// dedupeFiles normalizes paths and keeps the last file written to each one,
// in first-seen order. It reports the paths that were written more than once.
func dedupeFiles(files []sandbox.File) ([]sandbox.File, []string) {
	index := make(map[string]int, len(files))
	out := make([]sandbox.File, 0, len(files))
	var dups []string
	for _, f := range files {
		name, err := archive.CleanPath(f.Path)
		if err != nil {
			continue // rejected by Validate
		}
		f.Path = name
		if i, ok := index[name]; ok {
			out[i] = f
			dups = append(dups, name)
			continue
		}
		index[name] = len(out)
		out = append(out, f)
	}
	return out, dups
}

func filePaths(files []sandbox.File) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}
