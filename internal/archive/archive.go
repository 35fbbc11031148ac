package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("archive member not found")
	ErrInvalidPath = errors.New("invalid file path")
)

// Entry is a single file destined for (or extracted from) an isolation unit.
type Entry struct {
	Path    string
	Content []byte
}

// CleanPath normalizes a relative path and rejects anything that would land
// outside the destination directory.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	name := path.Clean(p)
	if name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return name, nil
}

// Pack writes every entry into a single uncompressed tar stream. Each header
// carries its own size, mode and mtime so the receiving side needs nothing else.
func Pack(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	dirs := make(map[string]bool)

	for _, e := range entries {
		name, err := CleanPath(e.Path)
		if err != nil {
			return nil, err
		}
		// Parent directories get their own entries so the receiver applies
		// the same ownership to them as to the files.
		for _, dir := range parents(name) {
			if dirs[dir] {
				continue
			}
			dirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     dir + "/",
				Mode:     0o755,
				ModTime:  now,
			}); err != nil {
				return nil, fmt.Errorf("failed to write header for %s: %w", dir, err)
			}
		}
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(e.Content)),
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write header for %s: %w", name, err)
		}
		if _, err := tw.Write(e.Content); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// parents lists the directories above name, outermost first.
func parents(name string) []string {
	var out []string
	for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
		out = append([]string{dir}, out...)
	}
	return out
}

// Unpack returns the content of the named member. Directory headers are
// skipped; a leading "./" on either side is ignored.
func Unpack(blob []byte, member string) ([]byte, error) {
	return UnpackFrom(bytes.NewReader(blob), member)
}

// UnpackFrom is Unpack over a stream, as returned by CopyFromContainer.
func UnpackFrom(r io.Reader, member string) ([]byte, error) {
	want := strings.TrimPrefix(path.Clean(member), "./")
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, member)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		if strings.TrimPrefix(path.Clean(hdr.Name), "./") != want {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", member, err)
		}
		return data, nil
	}
}
