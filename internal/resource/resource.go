package resource

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies the category of kernel-namespace object being tracked.
type Kind string

const (
	KindSemaphore    Kind = "semaphore"
	KindSharedMemory Kind = "shared_memory"
)

// Kinds lists every kind the tracker understands, in display order.
func Kinds() []Kind {
	return []Kind{KindSemaphore, KindSharedMemory}
}

// ParseKind validates a wire-format kind token.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSemaphore, KindSharedMemory:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// Key uniquely identifies one kernel-namespace object.
type Key struct {
	Kind Kind
	Name string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Name
}

// Entry is one row of the registry's tracking table as reported over the
// wire. Count is zero for names that are only marked for forced unlink.
type Entry struct {
	Key   Key
	Count int
}

// ValidName reports whether a name is safe to place on the wire. The
// protocol delimiter and line terminator are forbidden.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, ":\n")
}

// RandomName returns a collision-resistant name for a new resource.
func RandomName(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
