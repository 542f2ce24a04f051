// Package lock keeps two loops from driving the same repository at once.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// ErrHeld is returned by Acquire when another process owns the lock.
var ErrHeld = errors.New("lock held by another ciloop invocation")

// Lock is an acquired advisory file lock.
type Lock struct {
	fl   *flock.Flock
	path string
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock at path without blocking. The parent directory is
// created if needed.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("try lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrHeld)
	}
	return &Lock{fl: fl, path: path}, nil
}

// Release unlocks. The lock file is left in place.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// DefaultDir returns ~/.ciloop/locks.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".ciloop", "locks"), nil
}

// PathFor returns the lock file for repo ("owner/name") under dir. An empty
// repo means the repository of the current directory.
func PathFor(dir, repo string) string {
	return filepath.Join(dir, Slug(repo)+".lock")
}

// Slug turns a repository name into a file-name-safe string.
func Slug(repo string) string {
	repo = strings.ToLower(strings.TrimSpace(repo))
	if repo == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range repo {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
