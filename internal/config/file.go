package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/session-watchdog/internal/security"
	"github.com/p-blackswan/session-watchdog/internal/watchdog"
)

// File is the optional watchdog YAML file.
type File struct {
	Modes      map[string]FileDurations `yaml:"modes"`
	Users      []security.User          `yaml:"users"`
	Messages   FileMessages             `yaml:"messages"`
	Exclusions []string                 `yaml:"exclusions"`
}

// FileDurations overrides a mode's timings. Unset fields keep the defaults.
type FileDurations struct {
	Inactivity *time.Duration `yaml:"inactivity"`
	Countdown  *time.Duration `yaml:"countdown"`
}

func (fd FileDurations) negative() bool {
	return (fd.Inactivity != nil && *fd.Inactivity < 0) || (fd.Countdown != nil && *fd.Countdown < 0)
}

// apply overlays the set fields on d.
func (fd FileDurations) apply(d watchdog.Durations) watchdog.Durations {
	if fd.Inactivity != nil {
		d.Inactivity = *fd.Inactivity
	}
	if fd.Countdown != nil {
		d.Countdown = *fd.Countdown
	}
	return d
}

// FileMessages overrides user-facing texts. Mode maps are keyed by mode name.
type FileMessages struct {
	Warning         map[string]string `yaml:"warning"`
	Expiration      map[string]string `yaml:"expiration"`
	LockedBy        string            `yaml:"locked_by"`
	BadPassword     string            `yaml:"bad_password"`
	ShutdownAborted string            `yaml:"shutdown_aborted"`
	UserLogout      string            `yaml:"user_logout"`
}

// LoadFile reads and parses a watchdog file, expanding ${VAR} references.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	f, err := LoadFileBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return f, nil
}

// LoadFileBytes parses a watchdog file from bytes.
func LoadFileBytes(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	for name, d := range f.Modes {
		if _, ok := watchdog.ParseMode(name); !ok {
			return fmt.Errorf("unknown mode %q", name)
		}
		if d.negative() {
			return fmt.Errorf("mode %q: durations must not be negative", name)
		}
	}
	for _, m := range []map[string]string{f.Messages.Warning, f.Messages.Expiration} {
		for name := range m {
			if _, ok := watchdog.ParseMode(name); !ok {
				return fmt.Errorf("messages: unknown mode %q", name)
			}
		}
	}
	for i, u := range f.Users {
		if strings.TrimSpace(u.Name) == "" {
			return fmt.Errorf("users[%d]: name is required", i)
		}
	}
	return nil
}

// ModeTable returns the stock table with the file's overrides applied field
// by field. The shutdown countdown defaults to shutdownDelay.
func (f *File) ModeTable(shutdownDelay time.Duration) watchdog.ModeTable {
	t := watchdog.DefaultModeTable().
		With(watchdog.ModeShutdown, watchdog.Durations{Countdown: shutdownDelay})
	if f == nil {
		return t
	}
	for name, d := range f.Modes {
		if m, ok := watchdog.ParseMode(name); ok {
			t = t.With(m, d.apply(t.Get(m)))
		}
	}
	return t
}

// WatchdogMessages converts the overrides; empty fields keep the defaults.
func (f *File) WatchdogMessages() watchdog.Messages {
	if f == nil {
		return watchdog.Messages{}
	}
	return watchdog.Messages{
		Warning:         modeKeyed(f.Messages.Warning),
		Expiration:      modeKeyed(f.Messages.Expiration),
		LockedBy:        f.Messages.LockedBy,
		BadPassword:     f.Messages.BadPassword,
		ShutdownAborted: f.Messages.ShutdownAborted,
		UserLogout:      f.Messages.UserLogout,
	}
}

// Directory builds the user directory.
func (f *File) Directory() *security.Directory {
	if f == nil {
		return security.NewDirectory(nil)
	}
	return security.NewDirectory(f.Users)
}

// ExclusionsWith merges the file's exclusions with extra, dropping duplicates.
func (f *File) ExclusionsWith(extra []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(list []string) {
		for _, e := range list {
			e = strings.TrimSpace(e)
			if e != "" && !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	add(extra)
	if f != nil {
		add(f.Exclusions)
	}
	return out
}

func modeKeyed(in map[string]string) map[watchdog.Mode]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[watchdog.Mode]string, len(in))
	for name, v := range in {
		if m, ok := watchdog.ParseMode(name); ok {
			out[m] = v
		}
	}
	return out
}

// envVarPattern matches ${VAR_NAME}. Bare $VAR is left alone so bcrypt
// hashes in the user list survive expansion.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} with the environment value; missing vars
// become empty strings.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}
