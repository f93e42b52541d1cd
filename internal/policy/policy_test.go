package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestImportForbidden(t *testing.T) {
	testCases := []struct {
		path string
		want bool
	}{
		{"os", true},
		{"os/exec", true},
		{"net", true},
		{"net/http", true}, // prefix match on "net"
		{"syscall", true},
		{"unsafe", true},
		{"reflect", true},
		{"runtime/debug", true}, // prefix match on "runtime"
		{"strings", false},
		{"encoding/json", false},
		{"network", false}, // not a path prefix of "net"
		{"osmosis", false},
	}

	for _, tc := range testCases {
		if got := ImportForbidden(tc.path); got != tc.want {
			t.Errorf("ImportForbidden(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestImportAllowed(t *testing.T) {
	if !ImportAllowed("strings", nil) {
		t.Error("baseline safe import rejected")
	}
	if ImportAllowed("net/http", nil) {
		t.Error("forbidden import allowed")
	}
	if ImportAllowed("encoding/xml", nil) {
		t.Error("import outside whitelist allowed without prefix")
	}
	if !ImportAllowed("encoding/xml", []string{"encoding/xml"}) {
		t.Error("profile prefix extension not honored")
	}
	if !ImportAllowed("golang.org/x/text/cases", []string{"golang.org/x/text"}) {
		t.Error("prefix extension should cover subpackages")
	}
	// Profile extensions can never re-enable forbidden imports.
	if ImportAllowed("os/exec", []string{"os"}) {
		t.Error("forbidden import re-enabled by prefix")
	}
}

func TestPathCharForbidden(t *testing.T) {
	testCases := []struct {
		path string
		want string
	}{
		{"modules/weather/openweather/adapter.go", ""},
		{"modules/../etc/passwd", ".."},
		{"/etc/passwd", "/"},
		{"modules\\weather", "\\"},
		{"modules/~root", "~"},
	}
	for _, tc := range testCases {
		if got := PathCharForbidden(tc.path); got != tc.want {
			t.Errorf("PathCharForbidden(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestProfileValidate(t *testing.T) {
	p := DefaultProfile()
	if err := p.Validate(); err != nil {
		t.Fatalf("default profile invalid: %v", err)
	}

	bad := DefaultProfile()
	bad.NetworkMode = NetworkAllowlist
	if err := bad.Validate(); err == nil {
		t.Error("allowlist mode with empty allowlist should fail")
	}

	bad = DefaultProfile()
	bad.AllowedImportPrefixes = []string{"os/exec"}
	if err := bad.Validate(); err == nil {
		t.Error("profile must not whitelist a forbidden import")
	}
}

func TestProfileHostAllowed(t *testing.T) {
	p := DefaultProfile()
	if p.HostAllowed("api.openweathermap.org") {
		t.Error("network mode none must refuse all hosts")
	}
	p.NetworkMode = NetworkAllowlist
	p.NetworkAllowlist = []string{"api.openweathermap.org"}
	if !p.HostAllowed("api.openweathermap.org") {
		t.Error("allowlisted host refused")
	}
	if p.HostAllowed("evil.example.com") {
		t.Error("non-allowlisted host permitted")
	}
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	profile := `name: strict
network_mode: none
cpu_seconds: 10
memory_bytes: 67108864
wall_clock_seconds: 30
max_processes: 1
max_open_files: 16
max_changed_files: 5
max_bytes_per_file: 51200
max_repair_attempts: 3
random_seed: 7
`
	if err := os.WriteFile(filepath.Join(dir, "strict.yaml"), []byte(profile), 0o644); err != nil {
		t.Fatal(err)
	}

	ps, err := LoadProfiles(dir)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}

	if _, ok := ps.Get("default"); !ok {
		t.Error("default profile missing")
	}
	strict, ok := ps.Get("strict")
	if !ok {
		t.Fatal("strict profile missing")
	}
	if strict.MaxRepairAttempts != 3 {
		t.Errorf("max_repair_attempts = %d, want 3", strict.MaxRepairAttempts)
	}
	if _, ok := ps.Get("nonexistent"); ok {
		t.Error("unknown profile should not resolve")
	}

	// Mutating the returned copy must not affect the live set.
	strict.MaxRepairAttempts = 99
	again, _ := ps.Get("strict")
	if again.MaxRepairAttempts != 3 {
		t.Error("Get must return a copy")
	}
}

func TestLoadProfilesRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	bad := `name: broken
network_mode: full
wall_clock_seconds: 30
max_changed_files: 5
max_bytes_per_file: 1000
max_repair_attempts: 3
`
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfiles(dir); err == nil {
		t.Error("invalid profile should fail loading")
	}
}
