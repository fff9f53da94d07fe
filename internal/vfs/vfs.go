// Package vfs exposes a host directory to the device as a small filesystem.
// Every operation is total: failures are reported through sentinel return
// values understood by the device firmware.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const DefaultListLimit = 200

const (
	StatMissing   int64 = -1
	StatDirectory int64 = -2
)

var (
	ErrOutsideRoot = errors.New("path escapes sandbox root")
	ErrRootTarget  = errors.New("operation not allowed on sandbox root")
)

type FS struct {
	root   string
	logger *slog.Logger
}

// New creates the sandbox root if needed and returns a filesystem rooted there.
func New(root string, logger *slog.Logger) (*FS, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("sandbox root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &FS{root: abs, logger: logger}, nil
}

func (f *FS) Root() string {
	return f.root
}

// Resolve maps a device path onto the host. Leading separators are dropped,
// the path is cleaned and the result must stay under the root, also after
// following any symlinks already present on the host. Dangling symlinks are
// rejected since their target cannot be checked.
func (f *FS) Resolve(devicePath string) (string, error) {
	rel := strings.TrimLeft(filepath.FromSlash(devicePath), string(filepath.Separator)+"/")
	joined := filepath.Join(f.root, rel)

	if !f.contains(joined) || !f.containsResolved(joined) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, devicePath)
	}

	return joined, nil
}

func (f *FS) contains(p string) bool {
	within, err := filepath.Rel(f.root, p)
	if err != nil {
		return false
	}

	return within != ".." && !strings.HasPrefix(within, ".."+string(filepath.Separator))
}

// containsResolved follows symlinks on the deepest existing ancestor of p.
func (f *FS) containsResolved(p string) bool {
	for existing := p; ; {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return f.contains(resolved)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false
		}
		if _, lerr := os.Lstat(existing); lerr == nil {
			return false
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return false
		}
		existing = parent
	}
}

// List returns up to max entry names of a directory in the order the host
// reports them. Directories carry a trailing "/".
func (f *FS) List(devicePath string, max int) []string {
	entries := []string{}
	if max <= 0 {
		return entries
	}
	dir, err := f.Resolve(devicePath)
	if err != nil {
		f.logger.Warn("list rejected", "path", devicePath, "error", err)

		return entries
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return entries
	}

	d, err := os.Open(dir)
	if err != nil {
		f.logger.Warn("list failed", "path", devicePath, "error", err)

		return entries
	}
	defer d.Close()

	for len(entries) < max {
		batch, err := d.ReadDir(max - len(entries))
		for _, e := range batch {
			entries = append(entries, f.entryName(dir, e))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.logger.Warn("list failed", "path", devicePath, "error", err)
			}

			break
		}
	}

	return entries
}

func (f *FS) entryName(dir string, e os.DirEntry) string {
	isDir := e.IsDir()
	if e.Type()&os.ModeSymlink != 0 {
		if info, err := os.Stat(filepath.Join(dir, e.Name())); err == nil {
			isDir = info.IsDir()
		}
	}
	if isDir {
		return e.Name() + "/"
	}

	return e.Name()
}

// Read returns length bytes starting at offset; a negative length reads to
// the end of the file.
func (f *FS) Read(devicePath string, offset, length int64) []byte {
	p, err := f.Resolve(devicePath)
	if err != nil {
		f.logger.Warn("read rejected", "path", devicePath, "error", err)

		return []byte{}
	}
	file, err := os.Open(p)
	if err != nil {
		return []byte{}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		return []byte{}
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		f.logger.Warn("read failed", "path", devicePath, "error", err)

		return []byte{}
	}

	var r io.Reader = file
	if length >= 0 {
		r = io.LimitReader(file, length)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		f.logger.Warn("read failed", "path", devicePath, "error", err)

		return []byte{}
	}

	return data
}

// Stat returns the file size, StatMissing or StatDirectory.
func (f *FS) Stat(devicePath string) int64 {
	p, err := f.Resolve(devicePath)
	if err != nil {
		return StatMissing
	}
	info, err := os.Stat(p)
	if err != nil {
		return StatMissing
	}
	if info.IsDir() {
		return StatDirectory
	}

	return info.Size()
}

// Write stores data at offset and returns the number of bytes written, 0 on
// failure. With inPlace on an existing file, the bytes around the written
// range are kept. Otherwise the file is truncated unless offset is positive
// and the file already exists. A new file written at a positive offset is
// zero-filled up to it.
func (f *FS) Write(devicePath string, data []byte, offset int64, inPlace bool) int {
	p, err := f.Resolve(devicePath)
	if err != nil {
		f.logger.Warn("write rejected", "path", devicePath, "error", err)

		return 0
	}
	if p == f.root {
		return 0
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		f.logger.Warn("write failed", "path", devicePath, "error", err)

		return 0
	}
	if offset < 0 {
		offset = 0
	}

	exists := false
	if info, err := os.Stat(p); err == nil {
		if info.IsDir() {
			return 0
		}
		exists = true
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if exists && (inPlace || offset > 0) {
		flags = os.O_RDWR
	}
	f.logger.Debug("write", "path", devicePath, "offset", offset, "in_place", inPlace, "bytes", len(data))

	file, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		f.logger.Warn("write failed", "path", devicePath, "error", err)

		return 0
	}
	defer file.Close()

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			f.logger.Warn("write failed", "path", devicePath, "error", err)

			return 0
		}
	}
	n, err := file.Write(data)
	if err != nil {
		f.logger.Warn("write failed", "path", devicePath, "written", n, "error", err)

		return 0
	}

	return n
}

// Mkdir creates the directory and its parents. Existing directories succeed.
func (f *FS) Mkdir(devicePath string) int {
	p, err := f.Resolve(devicePath)
	if err != nil {
		f.logger.Warn("mkdir rejected", "path", devicePath, "error", err)

		return -1
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		f.logger.Warn("mkdir failed", "path", devicePath, "error", err)

		return -1
	}

	return 0
}

// Remove deletes a file or a directory tree.
func (f *FS) Remove(devicePath string) int {
	p, err := f.Resolve(devicePath)
	if err != nil {
		f.logger.Warn("remove rejected", "path", devicePath, "error", err)

		return -1
	}
	if p == f.root {
		f.logger.Warn("remove rejected", "path", devicePath, "error", ErrRootTarget)

		return -1
	}
	if _, err := os.Stat(p); err != nil {
		return -1
	}
	if err := os.RemoveAll(p); err != nil {
		f.logger.Warn("remove failed", "path", devicePath, "error", err)

		return -1
	}

	return 0
}
