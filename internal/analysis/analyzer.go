// Package analysis statically validates a candidate bundle before anything
// is executed. It parses every Go source file, checks the import graph and
// call sites against the security policy, and verifies the adapter contract.
// The analyzer never executes the code.
package analysis

import (
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"strconv"
	"strings"

	"modforge/internal/artifact"
	"modforge/internal/buildtypes"
	"modforge/internal/policy"
)

// Adapter contract: the entrypoint file must expose a constructor and the
// three adapter methods with these arities (receiver excluded).
const (
	constructorName = "NewAdapter"
	adapterPackage  = "adapter"
)

var requiredMethods = map[string]int{
	"FetchRaw":  1,
	"Transform": 1,
	"GetSchema": 0,
}

// Analyzer applies the security policy to bundles.
type Analyzer struct {
	profile policy.Profile
}

// New creates an analyzer bound to one policy profile.
func New(profile policy.Profile) *Analyzer {
	return &Analyzer{profile: profile}
}

// Analyze produces the static findings for a bundle, stable-sorted by
// (path, line, kind). Identical input always yields the identical sequence.
func (a *Analyzer) Analyze(b *artifact.Bundle, moduleID buildtypes.ModuleID) *buildtypes.ValidationReport {
	report := &buildtypes.ValidationReport{}
	entrypoint := moduleID.PathPrefix() + "adapter.go"

	for _, entry := range b.Entries() {
		switch {
		case strings.HasSuffix(entry.Path, ".go"):
			report.Findings = append(report.Findings, a.analyzeGoFile(entry, entry.Path == entrypoint)...)
		case strings.HasSuffix(entry.Path, ".json"):
			report.Findings = append(report.Findings, analyzeJSONFile(entry)...)
		}
	}

	buildtypes.SortFindings(report.Findings)
	return report
}

// analyzeGoFile parses one source file and applies import, call-pattern,
// and (for the entrypoint) contract checks.
func (a *Analyzer) analyzeGoFile(entry artifact.FileEntry, isEntrypoint bool) []buildtypes.Finding {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, entry.Path, entry.Content, parser.AllErrors)
	if err != nil {
		return syntaxFindings(entry.Path, err)
	}

	var findings []buildtypes.Finding
	packageNames := map[string]string{} // local name -> import path

	for _, imp := range file.Imports {
		path, perr := strconv.Unquote(imp.Path.Value)
		if perr != nil {
			continue
		}
		local := localImportName(imp, path)
		packageNames[local] = path

		pos := fset.Position(imp.Pos())
		if policy.ImportForbidden(path) {
			findings = append(findings, buildtypes.Finding{
				Severity: buildtypes.SeverityFatal,
				Kind:     buildtypes.KindImportPolicy,
				Message:  fmt.Sprintf("import %q is forbidden by security policy", path),
				Location: buildtypes.Location{Path: entry.Path, Line: pos.Line, Col: pos.Column},
				FixHint:  fmt.Sprintf("remove the %q import; it is on the forbidden list", path),
			})
		} else if !policy.ImportAllowed(path, a.profile.AllowedImportPrefixes) {
			findings = append(findings, buildtypes.Finding{
				Severity: buildtypes.SeverityError,
				Kind:     buildtypes.KindImportPolicy,
				Message:  fmt.Sprintf("import %q is outside the allowed import set", path),
				Location: buildtypes.Location{Path: entry.Path, Line: pos.Line, Col: pos.Column},
				FixHint:  fmt.Sprintf("replace %q with an allowed package or drop it", path),
			})
		}
	}

	findings = append(findings, findForbiddenCalls(fset, file, entry.Path, packageNames)...)

	if isEntrypoint {
		findings = append(findings, checkAdapterContract(fset, file, entry.Path)...)
	}
	return findings
}

// localImportName resolves the identifier a file uses for an import.
func localImportName(imp *ast.ImportSpec, path string) string {
	if imp.Name != nil {
		return imp.Name.Name
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// findForbiddenCalls walks call expressions looking for selector calls that
// match the forbidden pattern set, resolving import aliases so that
// "x.Command" with x aliased to os/exec is still caught.
func findForbiddenCalls(fset *token.FileSet, file *ast.File, path string, packageNames map[string]string) []buildtypes.Finding {
	var findings []buildtypes.Finding
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		ident, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		importPath, isPackage := packageNames[ident.Name]
		if !isPackage {
			return true
		}
		// Normalize to the canonical package base name for pattern matching.
		base := importPath
		if i := strings.LastIndex(base, "/"); i >= 0 {
			base = base[i+1:]
		}
		target := base + "." + sel.Sel.Name
		if policy.CallForbidden(target) {
			pos := fset.Position(call.Pos())
			findings = append(findings, buildtypes.Finding{
				Severity: buildtypes.SeverityFatal,
				Kind:     buildtypes.KindPolicyViolation,
				Message:  fmt.Sprintf("forbidden call pattern %s", target),
				Location: buildtypes.Location{Path: path, Line: pos.Line, Col: pos.Column},
				FixHint:  fmt.Sprintf("remove the call to %s; dynamic execution and process spawning are not permitted", target),
			})
		}
		return true
	})
	return findings
}

// checkAdapterContract verifies the registration constructor and the three
// required methods with correct arity.
func checkAdapterContract(fset *token.FileSet, file *ast.File, path string) []buildtypes.Finding {
	var findings []buildtypes.Finding

	if file.Name.Name != adapterPackage {
		findings = append(findings, buildtypes.Finding{
			Severity: buildtypes.SeverityError,
			Kind:     buildtypes.KindContractBadDecorator,
			Message:  fmt.Sprintf("entrypoint declares package %q, want %q", file.Name.Name, adapterPackage),
			Location: buildtypes.Location{Path: path, Line: 1},
			FixHint:  fmt.Sprintf("declare `package %s` in the entrypoint file", adapterPackage),
		})
	}

	haveConstructor := false
	methodArity := map[string]int{}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		if fn.Recv == nil {
			if fn.Name.Name == constructorName {
				haveConstructor = true
				if fn.Type.Results == nil || len(fn.Type.Results.List) != 1 {
					findings = append(findings, buildtypes.Finding{
						Severity: buildtypes.SeverityError,
						Kind:     buildtypes.KindContractBadDecorator,
						Message:  constructorName + " must return exactly the adapter value",
						Location: position(fset, fn.Pos(), path),
						FixHint:  "declare `func NewAdapter() *Adapter`",
					})
				}
			}
			continue
		}
		methodArity[fn.Name.Name] = paramCount(fn.Type)
	}

	if !haveConstructor {
		findings = append(findings, buildtypes.Finding{
			Severity: buildtypes.SeverityError,
			Kind:     buildtypes.KindContractBadDecorator,
			Message:  "adapter entrypoint lacks the required " + constructorName + " constructor",
			Location: buildtypes.Location{Path: path, Line: 1},
			FixHint:  "add `func NewAdapter() *Adapter` so the runner can instantiate the adapter explicitly",
		})
	}

	for name, wantArity := range requiredMethods {
		arity, ok := methodArity[name]
		if !ok {
			findings = append(findings, buildtypes.Finding{
				Severity: buildtypes.SeverityError,
				Kind:     buildtypes.KindContractMissingMethod,
				Message:  fmt.Sprintf("required method %s is missing", name),
				Location: buildtypes.Location{Path: path, Line: 1},
				FixHint:  fmt.Sprintf("implement method %s with %d parameter(s) on the adapter type", name, wantArity),
			})
			continue
		}
		if arity != wantArity {
			findings = append(findings, buildtypes.Finding{
				Severity: buildtypes.SeverityError,
				Kind:     buildtypes.KindContractMissingMethod,
				Message:  fmt.Sprintf("method %s has %d parameter(s), want %d", name, arity, wantArity),
				Location: buildtypes.Location{Path: path, Line: 1},
				FixHint:  fmt.Sprintf("change %s to take exactly %d parameter(s)", name, wantArity),
			})
		}
	}
	return findings
}

func paramCount(t *ast.FuncType) int {
	if t.Params == nil {
		return 0
	}
	n := 0
	for _, field := range t.Params.List {
		if len(field.Names) == 0 {
			n++
		} else {
			n += len(field.Names)
		}
	}
	return n
}

func position(fset *token.FileSet, pos token.Pos, path string) buildtypes.Location {
	p := fset.Position(pos)
	return buildtypes.Location{Path: path, Line: p.Line, Col: p.Column}
}

// syntaxFindings converts parser errors into SYNTAX findings with
// line/column positions.
func syntaxFindings(path string, err error) []buildtypes.Finding {
	var findings []buildtypes.Finding
	if list, ok := err.(scanner.ErrorList); ok {
		for _, e := range list {
			findings = append(findings, buildtypes.Finding{
				Severity: buildtypes.SeverityError,
				Kind:     buildtypes.KindSyntax,
				Message:  e.Msg,
				Location: buildtypes.Location{Path: path, Line: e.Pos.Line, Col: e.Pos.Column},
				FixHint:  "fix the Go syntax error: " + e.Msg,
			})
		}
		return findings
	}
	return []buildtypes.Finding{{
		Severity: buildtypes.SeverityError,
		Kind:     buildtypes.KindSyntax,
		Message:  err.Error(),
		Location: buildtypes.Location{Path: path},
		FixHint:  "fix the Go syntax error",
	}}
}

// analyzeJSONFile checks JSON documents for well-formedness.
func analyzeJSONFile(entry artifact.FileEntry) []buildtypes.Finding {
	var v interface{}
	if err := json.Unmarshal(entry.Content, &v); err != nil {
		return []buildtypes.Finding{{
			Severity: buildtypes.SeverityError,
			Kind:     buildtypes.KindSyntax,
			Message:  "invalid JSON: " + err.Error(),
			Location: buildtypes.Location{Path: entry.Path},
			FixHint:  "emit well-formed JSON",
		}}
	}
	return nil
}
