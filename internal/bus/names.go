package bus

import (
	"fmt"
	"strings"
	"sync"
)

// uniqueNameAllocator hands out ":major.minor" names per spec.md §3, two
// strictly monotonic counters that are never reused for the lifetime of
// the process.
type uniqueNameAllocator struct {
	mu    sync.Mutex
	major uint64
	minor uint64
}

// next advances the sequence. The reference implementation bumps minor and
// rolls into major only on a configured threshold; busd simplifies to a
// fixed roll-over point of 1<<32 minors per major, astronomically far from
// ever mattering per spec.md §4.3's "exhaustion is fatal" note.
const minorRollover = 1 << 32

func (a *uniqueNameAllocator) next() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minor++
	if a.minor >= minorRollover {
		a.minor = 0
		a.major++
	}
	return fmt.Sprintf(":%d.%d", a.major, a.minor)
}

// IsUniqueName reports whether name has the unique-name prefix reserved by
// spec.md §3 ("never starts with : - that prefix is reserved for unique
// names" for well-known names, i.e. the inverse condition).
func IsUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

// ValidateWellKnownName enforces the well-known name invariant from
// spec.md §3 and the dotted-name syntax the driver methods expect.
func ValidateWellKnownName(name string) error {
	if name == "" {
		return newErr(KindInvalidArgs, "name must not be empty")
	}
	if IsUniqueName(name) {
		return newErr(KindInvalidArgs, "name %q must not start with ':'", name)
	}
	if !strings.Contains(name, ".") {
		return newErr(KindInvalidArgs, "name %q must contain at least one '.'", name)
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return newErr(KindInvalidArgs, "name %q has an empty component", name)
		}
	}
	return nil
}
