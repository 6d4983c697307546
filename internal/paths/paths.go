package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidJobID returned when job id fails validation
	ErrInvalidJobID = errors.New("invalid job id")
	// ErrUnsafePath returned when a relative path would leave its root
	ErrUnsafePath = errors.New("unsafe path")
)

const (
	maxJobIDLen       = 64
	maxProjectNameLen = 64
	// ShortIDLen is the length of the job id prefix used in workspace names.
	ShortIDLen = 8
)

var jobIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,` + strconv.Itoa(maxJobIDLen) + `}$`)

// ValidateJobID returns nil for allowed job ids, or ErrInvalidJobID.
// Only ASCII letters, digits, underscore and dash are allowed, so an id can
// never carry a path separator or a dot segment.
func ValidateJobID(id string) error {
	if id == "" {
		return fmt.Errorf("empty job id: %w", ErrInvalidJobID)
	}
	if len(id) > maxJobIDLen {
		return fmt.Errorf("job id too long: %w", ErrInvalidJobID)
	}
	if !jobIDRe.MatchString(id) {
		return fmt.Errorf("job id contains invalid characters: %w", ErrInvalidJobID)
	}
	return nil
}

var unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeProjectName turns a free-form project name into a single
// filesystem-safe path element.
func SanitizeProjectName(name string) string {
	s := strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
	s = unsafeNameRe.ReplaceAllString(s, "")
	s = strings.TrimLeft(s, ".")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	if len(s) > maxProjectNameLen {
		s = s[:maxProjectNameLen]
	}
	if s == "" {
		return "project"
	}
	return s
}

// ShortID returns the prefix of id used as the default workspace suffix.
func ShortID(id string) string {
	if len(id) <= ShortIDLen {
		return id
	}
	return id[:ShortIDLen]
}

// ValidateRelPath rejects paths that are absolute, carry a volume name, or
// contain a parent-directory segment anywhere.
func ValidateRelPath(rel string) error {
	if strings.TrimSpace(rel) == "" {
		return fmt.Errorf("empty path: %w", ErrUnsafePath)
	}
	slashed := strings.ReplaceAll(rel, `\`, "/")
	if filepath.IsAbs(rel) || strings.HasPrefix(slashed, "/") || filepath.VolumeName(rel) != "" {
		return fmt.Errorf("absolute path %q: %w", rel, ErrUnsafePath)
	}
	if len(slashed) >= 2 && slashed[1] == ':' {
		return fmt.Errorf("drive path %q: %w", rel, ErrUnsafePath)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return fmt.Errorf("parent segment in %q: %w", rel, ErrUnsafePath)
		}
	}
	return nil
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Returns an error if the result would escape root or if rel is absolute.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	// If rel is absolute, joining will return rel; treat absolute rel as disallowed.
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute %s: %w", rel, ErrUnsafePath)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(filepath.Join(root, rel))
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absJoined)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root %s: %w", rel, ErrUnsafePath)
	}
	return absJoined, nil
}
