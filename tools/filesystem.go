package tools

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/acpbridge/config"
	"github.com/m4xw311/acpbridge/errors"
)

// maxReadSize bounds workspace reads.
const maxReadSize = 4 << 20

// FileInfo is one entry of a workspace listing.
type FileInfo struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDirectory"`
}

// Workspace gives clients file access under the agent's working directory.
// Hidden paths are invisible and unreadable; read-only paths cannot be
// written. Patterns are doublestar globs relative to the root.
type Workspace struct {
	root   string
	access config.FilesystemAccess
}

func NewWorkspace(root string, access config.FilesystemAccess) (*Workspace, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve workspace root %s", root)
	}
	for _, p := range append(append([]string(nil), access.Hidden...), access.ReadOnly...) {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.New("invalid glob pattern '%s' in filesystem_access", p)
		}
	}
	return &Workspace{root: abs, access: access}, nil
}

func (w *Workspace) Root() string { return w.root }

// ListFiles returns the files matching pattern (all files when empty),
// skipping hidden ones.
func (w *Workspace) ListFiles(pattern string) ([]FileInfo, error) {
	if pattern == "" {
		pattern = "**"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, errors.New("invalid glob pattern '%s'", pattern)
	}
	var out []FileInfo
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(w.root, path)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		hidden, herr := isPathRestricted(rel, w.access.Hidden)
		if herr != nil {
			return herr
		}
		if hidden {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if match, _ := doublestar.Match(pattern, rel); !match {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		out = append(out, FileInfo{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list workspace files")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ReadFile returns the content of a file under the root.
func (w *Workspace) ReadFile(path string) (string, error) {
	rel, abs, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	hidden, err := isPathRestricted(rel, w.access.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	if info.Size() > maxReadSize {
		return "", errors.New("file '%s' is too large (%d bytes)", path, info.Size())
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(content), nil
}

// CreateFile writes a new file under the root, creating parent directories.
// Existing files are not overwritten unless overwrite is set.
func (w *Workspace) CreateFile(path, content string, overwrite bool) error {
	rel, abs, err := w.resolve(path)
	if err != nil {
		return err
	}
	hidden, err := isPathRestricted(rel, w.access.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	readOnly, err := isPathRestricted(rel, w.access.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", path)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for '%s'", path)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(abs, flags, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to create file '%s'", path)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return f.Close()
}

// resolve maps a client path to its root-relative and absolute forms,
// refusing paths that leave the root.
func (w *Workspace) resolve(path string) (string, string, error) {
	if path == "" {
		return "", "", errors.New("missing or invalid 'path' argument")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.root, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", errors.New("access denied: path '%s' is outside the workspace", path)
	}
	return filepath.ToSlash(rel), abs, nil
}
