package policy

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"gopkg.in/yaml.v3"
)

// NetworkMode controls sandbox egress.
type NetworkMode string

const (
	NetworkNone      NetworkMode = "none"
	NetworkAllowlist NetworkMode = "allowlist"
)

// Profile is a named bundle of security and resource limits applied to a
// BuildJob end-to-end. Profiles handed to in-flight jobs are immutable;
// reloads only affect jobs submitted afterwards.
type Profile struct {
	Name             string      `yaml:"name"`
	NetworkMode      NetworkMode `yaml:"network_mode"`
	NetworkAllowlist []string    `yaml:"network_allowlist,omitempty"`

	CPUSeconds       int   `yaml:"cpu_seconds"`
	MemoryBytes      int64 `yaml:"memory_bytes"`
	WallClockSeconds int   `yaml:"wall_clock_seconds"`
	MaxProcesses     int   `yaml:"max_processes"`
	MaxOpenFiles     int   `yaml:"max_open_files"`

	AllowedImportPrefixes []string `yaml:"allowed_import_prefixes,omitempty"`

	MaxChangedFiles   int   `yaml:"max_changed_files"`
	MaxBytesPerFile   int64 `yaml:"max_bytes_per_file"`
	MaxRepairAttempts int   `yaml:"max_repair_attempts"`

	RandomSeed    int64 `yaml:"random_seed"`
	CriticEnabled bool  `yaml:"critic_enabled"`
}

// DefaultProfile returns the baseline profile used when no profile file is
// configured: no network, tight caps, ten repair attempts.
func DefaultProfile() Profile {
	return Profile{
		Name:              "default",
		NetworkMode:       NetworkNone,
		CPUSeconds:        30,
		MemoryBytes:       256 << 20,
		WallClockSeconds:  120,
		MaxProcesses:      1,
		MaxOpenFiles:      64,
		MaxChangedFiles:   10,
		MaxBytesPerFile:   100 << 10,
		MaxRepairAttempts: 10,
		RandomSeed:        1,
	}
}

// Validate checks a loaded profile for internally consistent limits.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile missing name")
	}
	switch p.NetworkMode {
	case NetworkNone, NetworkAllowlist:
	default:
		return fmt.Errorf("profile %s: unknown network mode %q", p.Name, p.NetworkMode)
	}
	if p.NetworkMode == NetworkAllowlist && len(p.NetworkAllowlist) == 0 {
		return fmt.Errorf("profile %s: allowlist mode with empty allowlist", p.Name)
	}
	if p.WallClockSeconds <= 0 {
		return fmt.Errorf("profile %s: wall_clock_seconds must be positive", p.Name)
	}
	if p.MaxChangedFiles <= 0 || p.MaxBytesPerFile <= 0 {
		return fmt.Errorf("profile %s: file bounds must be positive", p.Name)
	}
	if p.MaxRepairAttempts <= 0 {
		return fmt.Errorf("profile %s: max_repair_attempts must be positive", p.Name)
	}
	for _, prefix := range p.AllowedImportPrefixes {
		if ImportForbidden(prefix) {
			return fmt.Errorf("profile %s: allowed prefix %q is in the forbidden set", p.Name, prefix)
		}
	}
	return nil
}

// HostAllowed reports whether an outbound destination is permitted under
// the profile. Mode none refuses everything.
func (p *Profile) HostAllowed(host string) bool {
	if p.NetworkMode != NetworkAllowlist {
		return false
	}
	for _, h := range p.NetworkAllowlist {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// ProfileSet holds the loaded profiles. Lookups hand out copies so that a
// caller can never mutate a live profile.
type ProfileSet struct {
	mu       sync.RWMutex
	dir      string
	profiles map[string]Profile
}

// LoadProfiles reads every *.yaml profile in dir. A missing dir yields a
// set containing only the default profile.
func LoadProfiles(dir string) (*ProfileSet, error) {
	ps := &ProfileSet{dir: dir, profiles: map[string]Profile{}}
	def := DefaultProfile()
	ps.profiles[def.Name] = def
	if dir == "" {
		return ps, nil
	}
	if err := ps.reload(); err != nil {
		return nil, err
	}
	return ps, nil
}

func (ps *ProfileSet) reload() error {
	entries, err := os.ReadDir(ps.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read profiles dir: %w", err)
	}

	loaded := map[string]Profile{}
	def := DefaultProfile()
	loaded[def.Name] = def
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ps.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read profile %s: %w", e.Name(), err)
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("parse profile %s: %w", e.Name(), err)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %s: %w", e.Name(), err)
		}
		loaded[p.Name] = p
	}

	ps.mu.Lock()
	ps.profiles = loaded
	ps.mu.Unlock()
	return nil
}

// Get returns a copy of the named profile.
func (ps *ProfileSet) Get(name string) (Profile, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.profiles[name]
	return p, ok
}

// Names returns the loaded profile names, sorted.
func (ps *ProfileSet) Names() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	names := make([]string, 0, len(ps.profiles))
	for n := range ps.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WatchSignals reloads the profile set on SIGHUP until stop is closed.
// Reload failures keep the previous set; onError is optional.
func (ps *ProfileSet) WatchSignals(stop <-chan struct{}, onError func(error)) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-stop:
				return
			case <-ch:
				if err := ps.reload(); err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
}
