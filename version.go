package dynlib

import (
	"fmt"
	"strconv"
	"strings"
	"unsafe"
)

// Version of an API as exported by a module: three int32 values, major, minor and patch.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion accepts "1", "1.2", "1.2.3" with an optional leading "v".
func ParseVersion(s string) (v Version, err error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return v, fmt.Errorf("parse version %q: empty", s)
	}
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return v, fmt.Errorf("parse version %q: too many components", s)
	}
	n := [3]int{}
	for i, p := range parts {
		if n[i], err = strconv.Atoi(p); err != nil || n[i] < 0 {
			return Version{}, fmt.Errorf("parse version %q: bad component %q", s, p)
		}
	}
	return Version{n[0], n[1], n[2]}, nil
}

// MustVersion is ParseVersion that panics.
func MustVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	for _, d := range [3]int{v.Major - o.Major, v.Minor - o.Minor, v.Patch - o.Patch} {
		switch {
		case d < 0:
			return -1
		case d > 0:
			return 1
		}
	}
	return 0
}

// AtLeast reports v >= floor.
func (v Version) AtLeast(floor Version) bool { return v.Compare(floor) >= 0 }

// readVersion reads the three int32 layout at addr.
func readVersion(addr uintptr) Version {
	p := (*[3]int32)(*(*unsafe.Pointer)(unsafe.Pointer(&addr)))
	return Version{int(p[0]), int(p[1]), int(p[2])}
}
