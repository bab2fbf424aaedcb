// Package uploads stores client-uploaded media files in one directory and
// resolves media references against it.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrOutsideDir is returned by [Store.Resolve] for references that point
	// outside the upload directory.
	ErrOutsideDir = errors.New("uploads: reference outside upload directory")

	// ErrNotFound is returned by [Store.Resolve] when the file does not exist.
	ErrNotFound = errors.New("uploads: file not found")

	// ErrTooLarge is returned by [Store.Save] when the upload exceeds the
	// configured limit.
	ErrTooLarge = errors.New("uploads: file too large")

	// ErrBadName is returned by [Store.Save] for unusable file names.
	ErrBadName = errors.New("uploads: invalid file name")
)

// Store saves and resolves files inside a single directory.
type Store struct {
	dir      string
	maxBytes int64
}

// New returns a Store rooted at dir, creating it if needed. maxBytes <= 0
// disables the size limit.
func New(dir string, maxBytes int64) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("uploads: resolve dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("uploads: create dir: %w", err)
	}
	return &Store{dir: abs, maxBytes: maxBytes}, nil
}

// Dir returns the absolute upload directory.
func (s *Store) Dir() string { return s.dir }

// MaxBytes returns the size limit, or 0 when unlimited.
func (s *Store) MaxBytes() int64 {
	if s.maxBytes < 0 {
		return 0
	}
	return s.maxBytes
}

// Save writes r to the upload directory under the base name of name and
// returns the absolute path. An existing file with that name is replaced.
// The file appears only once it was written completely.
func (s *Store) Save(name string, r io.Reader) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if base == "/" || base == "." || base == ".." || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("uploads: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("uploads: write %q: %w", base, err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return "", fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}

	dst := filepath.Join(s.dir, base)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("uploads: store %q: %w", base, err)
	}
	return dst, nil
}

// Resolve maps a media reference to an existing regular file inside the
// upload directory. ref may be an absolute path as returned by [Store.Save]
// or a name relative to the directory.
func (s *Store) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	p := ref
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.dir, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(s.dir, p)
	if err != nil || rel == "." || escapes(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideDir, ref)
	}

	// Symlinks must not lead out of the directory either.
	real, err := filepath.EvalSymlinks(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	if err != nil {
		return "", fmt.Errorf("uploads: resolve %q: %w", ref, err)
	}
	realDir, err := filepath.EvalSymlinks(s.dir)
	if err != nil {
		return "", fmt.Errorf("uploads: resolve dir: %w", err)
	}
	if rel, err := filepath.Rel(realDir, real); err != nil || escapes(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideDir, ref)
	}

	fi, err := os.Stat(real)
	if err != nil {
		return "", fmt.Errorf("uploads: stat %q: %w", ref, err)
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q is not a regular file", ErrNotFound, ref)
	}
	return p, nil
}

// escapes reports whether a path relative to the uploads directory points
// outside of it. Names that merely start with ".." stay inside.
func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
