package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrRootAlive is returned by Store.Delete for objects protected by a
// live temp root.
var ErrRootAlive = errors.New("object is protected by a live temp root")

// Store is a miniature object store with nix-style temp roots: each
// holder appends names to temproots/<pid> while holding an exclusive
// flock on it, and a deletion skips every name listed in a locked file.
type Store struct {
	Dir string
}

// NewStore lays out an empty store below dir.
func NewStore(dir string) (*Store, error) {
	s := &Store{Dir: dir}
	for _, sub := range []string{"objects", "temproots"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) objectPath(name string) string {
	return filepath.Join(s.Dir, "objects", name)
}

// Add creates an object.
func (s *Store) Add(name string, content []byte) error {
	return os.WriteFile(s.objectPath(name), content, 0644)
}

// Exists reports whether an object is present.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.objectPath(name))
	return err == nil
}

// Delete removes an object unless a live temp root protects it. Root
// files whose holder is gone are removed on the way.
func (s *Store) Delete(name string) error {
	dir := filepath.Join(s.Dir, "temproots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		protected, err := s.checkRoots(filepath.Join(dir, e.Name()), name)
		if err != nil {
			return err
		}
		if protected {
			return fmt.Errorf("deleting %s: %w", name, ErrRootAlive)
		}
	}
	return os.Remove(s.objectPath(name))
}

func (s *Store) checkRoots(path, name string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		// Nobody holds it: stale.
		_ = os.Remove(path)
		return false, nil
	}
	if !errors.Is(err, unix.EWOULDBLOCK) {
		return false, fmt.Errorf("locking %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	for _, root := range bytes.Split(data, []byte{0}) {
		if len(root) > 0 && string(root) == name {
			return true, nil
		}
	}
	return false, nil
}

// Roots is one holder's temp root file.
type Roots struct {
	f *os.File
}

// OpenRoots creates temproots/<pid> and locks it for the lifetime of the
// returned Roots.
func (s *Store) OpenRoots() (*Roots, error) {
	path := filepath.Join(s.Dir, "temproots", strconv.Itoa(os.Getpid()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &Roots{f: f}, nil
}

// Add records a root. Names are NUL terminated on disk.
func (r *Roots) Add(name []byte) error {
	buf := make([]byte, 0, len(name)+1)
	buf = append(append(buf, name...), 0)
	_, err := r.f.Write(buf)
	return err
}

// Close releases the lock. The file stays behind until a Delete finds it
// stale.
func (r *Roots) Close() error {
	return r.f.Close()
}
