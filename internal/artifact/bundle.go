// Package artifact implements the content-addressed artifact bundle: a
// deterministic mapping from relative path to file bytes, with per-file and
// whole-bundle digests. Bundles are immutable once built and shared by
// digest; the digest is the supply-chain identity an installer trusts.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"modforge/internal/policy"
)

// FileEntry is one file in a bundle: relative path, bytes, content digest.
type FileEntry struct {
	Path    string
	Content []byte
	Digest  string
}

// Bundle is an ordered set of FileEntry, sorted by canonical (lexicographic)
// path order. The bundle digest hashes the (path, file digest) pairs in that
// order, so identical content always yields an identical digest regardless
// of construction order.
type Bundle struct {
	entries []FileEntry
	digest  string
}

// digestBytes returns the hex sha256 of b.
func digestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NewBundle builds a bundle from a path -> content map. Paths are validated
// against the forbidden character set and sorted lexicographically before
// hashing.
func NewBundle(files map[string][]byte) (*Bundle, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		if p == "" {
			return nil, fmt.Errorf("empty bundle path")
		}
		if bad := policy.PathCharForbidden(p); bad != "" {
			return nil, fmt.Errorf("bundle path %q contains forbidden sequence %q", p, bad)
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	b := &Bundle{entries: make([]FileEntry, 0, len(paths))}
	h := sha256.New()
	for _, p := range paths {
		fd := digestBytes(files[p])
		b.entries = append(b.entries, FileEntry{
			Path:    p,
			Content: append([]byte(nil), files[p]...),
			Digest:  fd,
		})
		fmt.Fprintf(h, "%s\x00%s\x00", p, fd)
	}
	b.digest = hex.EncodeToString(h.Sum(nil))
	return b, nil
}

// Digest returns the bundle digest.
func (b *Bundle) Digest() string { return b.digest }

// Len returns the number of files.
func (b *Bundle) Len() int { return len(b.entries) }

// Entries returns the files in canonical order. Callers must not mutate the
// returned contents.
func (b *Bundle) Entries() []FileEntry {
	return append([]FileEntry(nil), b.entries...)
}

// File returns the entry at path.
func (b *Bundle) File(path string) (FileEntry, bool) {
	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].Path >= path })
	if i < len(b.entries) && b.entries[i].Path == path {
		return b.entries[i], true
	}
	return FileEntry{}, false
}

// Paths returns the canonical path list.
func (b *Bundle) Paths() []string {
	out := make([]string, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Path
	}
	return out
}

// Merge returns a new bundle with changed files overlaid onto b and deleted
// paths removed. The receiver is unchanged.
func (b *Bundle) Merge(changed map[string][]byte, deleted []string) (*Bundle, error) {
	files := make(map[string][]byte, len(b.entries)+len(changed))
	for _, e := range b.entries {
		files[e.Path] = e.Content
	}
	for _, d := range deleted {
		delete(files, d)
	}
	for p, c := range changed {
		files[p] = c
	}
	return NewBundle(files)
}

// Verify recomputes the bundle digest and compares it to expected. An
// installer must call this immediately before accepting a bundle.
func (b *Bundle) Verify(expected string) error {
	files := make(map[string][]byte, len(b.entries))
	for _, e := range b.entries {
		files[e.Path] = e.Content
	}
	rebuilt, err := NewBundle(files)
	if err != nil {
		return err
	}
	if rebuilt.Digest() != expected {
		return fmt.Errorf("bundle digest mismatch: recomputed %s, expected %s", rebuilt.Digest(), expected)
	}
	return nil
}

// Diff compares two bundles and returns paths added in b2, deleted from b1,
// and changed (same path, different file digest). Each slice is sorted.
type Diff struct {
	Added   []string
	Deleted []string
	Changed []string
}

// DiffBundles computes the three-way path diff between a and b.
func DiffBundles(a, b *Bundle) Diff {
	var d Diff
	aFiles := map[string]string{}
	for _, e := range a.entries {
		aFiles[e.Path] = e.Digest
	}
	for _, e := range b.entries {
		if old, ok := aFiles[e.Path]; !ok {
			d.Added = append(d.Added, e.Path)
		} else if old != e.Digest {
			d.Changed = append(d.Changed, e.Path)
		}
		delete(aFiles, e.Path)
	}
	for p := range aFiles {
		d.Deleted = append(d.Deleted, p)
	}
	sort.Strings(d.Added)
	sort.Strings(d.Deleted)
	sort.Strings(d.Changed)
	return d
}

// FormatDiff renders a diff as a short human-readable preview, one line per
// path prefixed with +/-/~.
func FormatDiff(d Diff) string {
	var sb strings.Builder
	for _, p := range d.Added {
		sb.WriteString("+ " + p + "\n")
	}
	for _, p := range d.Deleted {
		sb.WriteString("- " + p + "\n")
	}
	for _, p := range d.Changed {
		sb.WriteString("~ " + p + "\n")
	}
	return sb.String()
}
