// Package workspace maps users to their on-disk workspace directories and
// keeps every file operation confined to the owning workspace.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// MetadataDirName is the per-workspace directory holding synchronizer state.
// It is always excluded from synchronization.
const MetadataDirName = ".termsync"

var (
	ErrInvalidUser = errors.New("invalid user identity")
	ErrUnsafePath  = errors.New("path escapes workspace root")
)

var userPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateUser reports whether user is usable as a single directory name.
func ValidateUser(user string) error {
	if !userPattern.MatchString(user) || strings.Contains(user, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidUser, user)
	}
	return nil
}

// IsPathSafe resolves candidate against root and reports whether the result
// is root itself or lies beneath it. Absolute candidates are taken as-is.
func IsPathSafe(candidate, root string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	target := candidate
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	resolved, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	return resolved == absRoot || strings.HasPrefix(resolved, absRoot+string(os.PathSeparator))
}

// Rel returns abs relative to root using forward slashes. The root itself
// is reported as ".".
func Rel(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, abs)
	}
	return filepath.ToSlash(rel), nil
}

// Layout places each user's workspace under a common base directory.
type Layout struct {
	base string
}

func NewLayout(base string) (*Layout, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base %s: %w", base, err)
	}
	return &Layout{base: abs}, nil
}

func (l *Layout) Base() string { return l.base }

// Root returns the absolute workspace directory for user.
func (l *Layout) Root(user string) (string, error) {
	if err := ValidateUser(user); err != nil {
		return "", err
	}
	return filepath.Join(l.base, user), nil
}

// MetadataDir returns the synchronizer state directory inside user's workspace.
func (l *Layout) MetadataDir(user string) (string, error) {
	root, err := l.Root(user)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, MetadataDirName), nil
}

// Ensure creates the workspace directory for user if needed and returns it.
func (l *Layout) Ensure(user string) (string, error) {
	root, err := l.Root(user)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", root, err)
	}
	return root, nil
}

// Resolve maps a workspace-relative path to an absolute one, rejecting
// anything that would land outside user's workspace. Existing parent
// directories must not be symlinks; the final element is left to the
// caller (see RejectSymlink).
func (l *Layout) Resolve(user, rel string) (string, error) {
	root, err := l.Root(user)
	if err != nil {
		return "", err
	}
	rel = filepath.FromSlash(rel)
	if filepath.IsAbs(rel) || !IsPathSafe(rel, root) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, filepath.ToSlash(rel))
	}
	abs := filepath.Join(root, rel)
	if err := checkParents(root, abs); err != nil {
		return "", err
	}
	return abs, nil
}

// checkParents walks from root towards abs and fails on the first parent
// that is a symlink. The walk stops at the first component that does not
// exist yet.
func checkParents(root, abs string) error {
	if abs == root {
		return nil
	}
	dir, err := filepath.Rel(root, filepath.Dir(abs))
	if err != nil || dir == "." {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(dir, string(os.PathSeparator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(filepath.Join(root, cur))
		if err != nil {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s is a symlink", ErrUnsafePath, filepath.ToSlash(cur))
		}
	}
	return nil
}

// RejectSymlink fails if abs exists and is a symlink. Call it before writing
// through a path returned by Resolve.
func RejectSymlink(abs string) error {
	info, err := os.Lstat(abs)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: %s is a symlink", ErrUnsafePath, filepath.Base(abs))
	}
	return nil
}
