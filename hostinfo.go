package sentry_capture

import (
	"maps"
	"os"
	"os/user"
	"runtime/debug"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// HostInfo supplies the host snapshot attached to every event.
// Implementations must be safe for concurrent use
type HostInfo interface {
	MachineName() string
	UserName() string
	Modules() map[string]string
}

// EmptyHostInfo reports nothing. Used when no provider is available
type EmptyHostInfo struct{}

func (EmptyHostInfo) MachineName() string        { return "" }
func (EmptyHostInfo) UserName() string           { return "" }
func (EmptyHostInfo) Modules() map[string]string { return nil }

// SystemHostInfo reads the host name, the current OS user and the modules
// compiled into the running binary. The module list is computed once
type SystemHostInfo struct {
	modulesOnce sync.Once
	modules     map[string]string
}

// NewSystemHostInfo creates a HostInfo backed by the running process
func NewSystemHostInfo() *SystemHostInfo {
	return &SystemHostInfo{}
}

func (s *SystemHostInfo) MachineName() string {
	hostname, _ := os.Hostname() // empty host name is acceptable
	return hostname
}

func (s *SystemHostInfo) UserName() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

func (s *SystemHostInfo) Modules() map[string]string {
	s.modulesOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		s.modules = make(map[string]string, len(info.Deps)+1)
		if info.Main.Path != "" {
			s.modules[info.Main.Path] = normalizeVersion(info.Main.Version)
		}
		for _, dep := range info.Deps {
			if dep.Replace != nil {
				dep = dep.Replace
			}
			s.modules[dep.Path] = normalizeVersion(dep.Version)
		}
	})

	return maps.Clone(s.modules)
}

// normalizeVersion strips the leading "v" of semantic versions, leaving
// anything else ("(devel)", local replaces) untouched
func normalizeVersion(v string) string {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return v
	}
	return parsed.String()
}
