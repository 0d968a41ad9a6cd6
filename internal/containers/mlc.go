package containers

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidName is returned for container names, frameworks or versions
// that could not safely reach the remote command line.
var ErrInvalidName = errors.New("invalid container argument")

// Container is one ML container as reported by mlc-list.
type Container struct {
	Name      string `json:"name"`
	Framework string `json:"framework"`
	Version   string `json:"version"`
	Status    string `json:"status"`
}

// Running reports whether mlc-list shows the container as running.
func (c Container) Running() bool {
	return strings.Contains(strings.ToLower(c.Status), "running")
}

var (
	argPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,63}$`)
	linePattern = regexp.MustCompile(`^\[([^\]]+)\]\s+([^-\s]+)-(\S+)\s+(.+)$`)
)

// ValidateArg checks a container name, framework or version.
func ValidateArg(kind, v string) error {
	if !argPattern.MatchString(v) {
		return fmt.Errorf("%w: %s %q", ErrInvalidName, kind, v)
	}
	return nil
}

// ParseList parses mlc-list output. Lines look like
//
//	[name] Framework-version Status
//
// Header lines and anything else that does not match are skipped.
func ParseList(out string) []Container {
	var list []Container
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "Available ml-containers") || strings.Contains(line, "CONTAINER") {
			continue
		}
		m := linePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		list = append(list, Container{
			Name:      m[1],
			Framework: m[2],
			Version:   m[3],
			Status:    strings.TrimSpace(m[4]),
		})
	}
	return list
}
