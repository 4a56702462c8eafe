package resource

import (
	"fmt"
	"path/filepath"
)

// shmDir is where POSIX shared memory segments and named semaphores
// surface as files on Linux, semaphores with a "sem." prefix.
const shmDir = "/dev/shm"

// Unlinker removes named kernel objects from their namespace.
type Unlinker struct {
	dirs map[Kind]string
}

// NewUnlinker builds an Unlinker rooted at the platform default
// directories. Entries in overrides replace the default for that kind.
func NewUnlinker(overrides map[Kind]string) *Unlinker {
	dirs := map[Kind]string{
		KindSemaphore:    shmDir,
		KindSharedMemory: shmDir,
	}
	for kind, dir := range overrides {
		if dir != "" {
			dirs[kind] = dir
		}
	}
	return &Unlinker{dirs: dirs}
}

// Path returns the filesystem path backing the named object.
func (u *Unlinker) Path(key Key) string {
	name := key.Name
	if key.Kind == KindSemaphore {
		name = "sem." + name
	}
	return filepath.Join(u.dirs[key.Kind], name)
}

// Unlink removes the named object. A missing object is not an error: the
// owner may already have removed it through its own cleanup path.
func (u *Unlinker) Unlink(key Key) error {
	if _, ok := u.dirs[key.Kind]; !ok {
		return fmt.Errorf("no unlink rule for kind %q", key.Kind)
	}
	if err := removePath(u.Path(key)); err != nil {
		return fmt.Errorf("unlink %s: %w", u.Path(key), err)
	}
	return nil
}
