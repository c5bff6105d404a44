package diagnostics

import (
	"os"
	"os/user"
	"runtime/debug"
	"strings"
	"time"
)

// EnvironmentInfo describes the process a component runs in.
type EnvironmentInfo struct {
	MachineName string
	Username    string
	DomainName  string
	Interactive bool
	BuildTime   time.Time
}

// EnvironmentProvider supplies the environment facts reported on discovery.
type EnvironmentProvider interface {
	Environment() EnvironmentInfo
}

// EnvironmentFunc adapts a function to EnvironmentProvider.
type EnvironmentFunc func() EnvironmentInfo

func (f EnvironmentFunc) Environment() EnvironmentInfo { return f() }

// SystemEnvironment reads the environment from the operating system and the
// binary's build information.
type SystemEnvironment struct{}

func (SystemEnvironment) Environment() EnvironmentInfo {
	host, _ := os.Hostname()
	machine, domain, _ := strings.Cut(host, ".")
	if d := os.Getenv("USERDOMAIN"); d != "" {
		domain = d
	}

	return EnvironmentInfo{
		MachineName: machine,
		Username:    currentUser(),
		DomainName:  domain,
		Interactive: stdinIsTerminal(),
		BuildTime:   buildTime(),
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return os.Getenv("USERNAME")
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// buildTime prefers the VCS commit time stamped by the go tool and falls back
// to the modification time of the executable.
func buildTime() time.Time {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key != "vcs.time" {
				continue
			}
			if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				return t.UTC()
			}
		}
	}
	exe, err := os.Executable()
	if err != nil {
		return time.Time{}
	}
	stat, err := os.Stat(exe)
	if err != nil {
		return time.Time{}
	}
	return stat.ModTime().UTC()
}
