// Package policy is the single declarative source of truth for what
// generated code may import and call, and for the resource caps a build
// runs under. Pure data plus lookups; no I/O outside profile loading.
//
// Every other component (static analyzer, sandbox runner, gateway schema
// checks) imports these sets from here. They are defined nowhere else.
package policy

import "strings"

// ForbiddenImports lists import paths known to enable arbitrary code
// execution, filesystem escape, network bypass, or introspection-based
// sandbox evasion. Matching is exact or by path prefix (see ImportForbidden).
var ForbiddenImports = []string{
	"os",
	"os/exec",
	"os/signal",
	"os/user",
	"net",
	"syscall",
	"unsafe",
	"plugin",
	"reflect",
	"runtime",
	"debug",
	"io/fs",
	"path/filepath",
	"github.com/traefik/yaegi",
}

// HarnessImport is the virtual import path of the test harness the sandbox
// injects into the interpreter. It resolves to no on-disk package.
const HarnessImport = "sandboxtest"

// SafeImports is the baseline whitelist of packages generated adapters may
// import without any profile extension: a conservative stdlib subset plus
// the injected harness.
var SafeImports = []string{
	HarnessImport,
	"bytes",
	"container/heap",
	"container/list",
	"encoding/base64",
	"encoding/csv",
	"encoding/hex",
	"encoding/json",
	"errors",
	"fmt",
	"hash/fnv",
	"math",
	"math/bits",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// ForbiddenCallPatterns are selector expressions the analyzer rejects even
// when the import slipped past (aliasing, dot imports, generated wrappers).
// Each entry is a dotted pattern matched against resolved call targets.
var ForbiddenCallPatterns = []string{
	"exec.Command",
	"exec.CommandContext",
	"os.StartProcess",
	"os.Exit",
	"syscall.Exec",
	"syscall.ForkExec",
	"plugin.Open",
	"reflect.ValueOf",
	"reflect.TypeOf",
	"filepath.Walk",
	"filepath.WalkDir",
	"interp.New",
	"interp.Eval",
}

// ForbiddenPathChars are characters and sequences no bundle path may
// contain. Traversal and absolute paths are rejected separately.
var ForbiddenPathChars = []string{
	"..",
	"\\",
	"\x00",
	"~",
	":",
}

// ImportForbidden reports whether the import path matches the forbidden set
// exactly or as a path prefix (e.g. "net/http" matches the "net" entry).
func ImportForbidden(path string) bool {
	for _, f := range ForbiddenImports {
		if path == f || strings.HasPrefix(path, f+"/") {
			return true
		}
	}
	return false
}

// ImportAllowed reports whether the import path is in the baseline safe set
// or matches one of the profile's extra allowed prefixes. A forbidden import
// is never allowed, regardless of profile extensions.
func ImportAllowed(path string, extraPrefixes []string) bool {
	if ImportForbidden(path) {
		return false
	}
	for _, s := range SafeImports {
		if path == s {
			return true
		}
	}
	for _, p := range extraPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// CallForbidden reports whether a resolved selector call like
// "exec.Command" matches the forbidden pattern set.
func CallForbidden(selector string) bool {
	for _, p := range ForbiddenCallPatterns {
		if selector == p {
			return true
		}
	}
	return false
}

// PathCharForbidden returns the first forbidden character or sequence found
// in the path, or "" if the path is clean.
func PathCharForbidden(path string) string {
	if strings.HasPrefix(path, "/") {
		return "/"
	}
	for _, c := range ForbiddenPathChars {
		if strings.Contains(path, c) {
			return c
		}
	}
	return ""
}
