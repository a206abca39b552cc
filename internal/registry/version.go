package registry

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ParseVersion validates a model version string. Both "3.2.0" and
// "v3.2.0" are accepted; the leading v is preserved elsewhere.
func ParseVersion(version string) (*semver.Version, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("invalid model version %q: %w", version, err)
	}
	return v, nil
}

// NextMinor bumps the minor component, zeroing the patch. Weekly full
// retrains take the next minor of the active version.
func NextMinor(version string) (string, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return "", err
	}
	next := v.IncMinor()
	return withPrefix(version, &next), nil
}

// NextPatch bumps the patch component. Daily incremental children
// take the next patch of their parent.
func NextPatch(version string) (string, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return "", err
	}
	next := v.IncPatch()
	return withPrefix(version, &next), nil
}

// Newer reports whether a is strictly newer than b
func Newer(a, b string) (bool, error) {
	va, err := ParseVersion(a)
	if err != nil {
		return false, err
	}
	vb, err := ParseVersion(b)
	if err != nil {
		return false, err
	}
	return va.GreaterThan(vb), nil
}

func withPrefix(original string, v *semver.Version) string {
	if strings.HasPrefix(original, "v") {
		return "v" + v.String()
	}
	return v.String()
}
