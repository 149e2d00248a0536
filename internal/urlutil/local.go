package urlutil

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// MaxLocalPathLength bounds paths accepted as redirect targets
const MaxLocalPathLength = 2048

// ErrNotLocalPath is returned for targets that could leave the site
var ErrNotLocalPath = errors.New("not a local path")

// ValidateLocalPath checks that p is an absolute path on the current
// origin, optionally with query and fragment. Scheme-relative ("//host")
// and backslash forms that browsers resolve to another host are rejected.
func ValidateLocalPath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrNotLocalPath)
	}
	if len(p) > MaxLocalPathLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrNotLocalPath, MaxLocalPathLength)
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: must start with /", ErrNotLocalPath)
	}
	if strings.HasPrefix(p, "//") {
		return fmt.Errorf("%w: scheme-relative URL", ErrNotLocalPath)
	}
	if strings.ContainsRune(p, '\\') {
		return fmt.Errorf("%w: contains backslash", ErrNotLocalPath)
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: contains control character", ErrNotLocalPath)
		}
	}

	u, err := url.Parse(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotLocalPath, err)
	}
	if u.Scheme != "" || u.Host != "" || u.User != nil {
		return fmt.Errorf("%w: has scheme or host", ErrNotLocalPath)
	}
	return nil
}

// IsLocalPath reports whether ValidateLocalPath accepts p
func IsLocalPath(p string) bool {
	return ValidateLocalPath(p) == nil
}
