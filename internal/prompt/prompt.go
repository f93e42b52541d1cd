// Package prompt composes the generator prompts for each stage. The repair
// prompt is the heart of the loop: it turns the previous attempt's
// validation findings into structured context, emphasizing the
// highest-priority fix hint so the next attempt addresses the most urgent
// defect first.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"modforge/internal/buildtypes"
	"modforge/internal/gateway"
)

// responseContract is appended to every system prompt; it restates the
// hard schema rules the gateway enforces.
const responseContract = `RESPONSE CONTRACT (hard rules, violations are rejected):
- Respond with a single JSON object, no surrounding prose, no markdown.
- Required fields: stage, module, changed_files, rationale, policy.
- changed_files is a list of {"path": ..., "content": ...}.
- File content must never contain markdown code fences.
- Every path must start with the module prefix and contain no ".." or absolute prefixes.
- Declare every capability and credential your code relies on under policy.`

// systemCodegen frames the implement lane.
const systemCodegen = `You generate data-integration adapter modules in Go.
Each module consists of three files under its module prefix:
- manifest.json: module metadata with module_id, version, category, platform, entrypoint, capabilities.
- adapter.go: package adapter, exporting NewAdapter() returning the adapter value, with methods FetchRaw(query) / Transform(raw) / GetSchema().
- adapter_test.go: package adapter, importing "sandboxtest" and exporting RunTests(t *sandboxtest.T); name each test <capability>_<case>.
The sandbox permits only a small stdlib subset: no os, no net, no reflection, no process control. Use the harness clock, never real waits.

` + responseContract

// systemRepair frames the repair lane.
const systemRepair = `You repair a data-integration adapter module that failed validation.
Change only what the findings require; do not rewrite working files.
Address the PRIMARY FIX first, then the remaining findings in the order given.

` + responseContract

// systemScaffold frames the plan request.
const systemScaffold = `You plan data-integration adapter modules before any code is written.
Produce a build plan as JSON: the files you will generate, the assumptions you are making
about the upstream platform, and the capabilities the module will declare.

` + responseContract

// systemCritic frames the plan-scoring call.
const systemCritic = `You review build plans for data-integration adapter modules.
Score the plan on four axes, each 0.0 to 1.0, and respond with a single JSON object:
{"completeness": ..., "feasibility": ..., "edge_case_handling": ..., "efficiency": ..., "critique": "..."}
Be severe: a plan that ignores authentication, pagination, or error handling of the upstream platform scores low.`

// Scaffold builds the plan request for a module intent.
func Scaffold(module buildtypes.ModuleID, intent string) (system, user string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan a build for module %s.\n\n", module)
	fmt.Fprintf(&sb, "Intent: %s\n\n", intent)
	fmt.Fprintf(&sb, "All files must live under %s.\n", module.PathPrefix())
	sb.WriteString("Respond with stage \"SCAFFOLD\" and an empty changed_files list; put the planned file list and capabilities in assumptions and policy.\n")
	return systemScaffold, sb.String()
}

// Implement builds the first code-generation request from the intent and
// the accepted plan.
func Implement(module buildtypes.ModuleID, intent string, plan *gateway.GenerateResponse) (system, user string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Implement module %s.\n\n", module)
	fmt.Fprintf(&sb, "Intent: %s\n\n", intent)
	if plan != nil {
		if len(plan.Assumptions) > 0 {
			sb.WriteString("Plan assumptions:\n")
			for _, a := range plan.Assumptions {
				fmt.Fprintf(&sb, "- %s\n", a)
			}
			sb.WriteString("\n")
		}
		if len(plan.Policy.Capabilities) > 0 {
			fmt.Fprintf(&sb, "Declared capabilities: %s\n\n", strings.Join(plan.Policy.Capabilities, ", "))
		}
	}
	fmt.Fprintf(&sb, "Generate manifest.json, adapter.go, and adapter_test.go under %s.\n", module.PathPrefix())
	sb.WriteString("Respond with stage \"IMPLEMENT\".\n")
	return systemCodegen, sb.String()
}

// Repair builds the next attempt's prompt from the failed attempt's
// report. Findings are ordered by repair priority; the top finding's fix
// hint is emphasized as the primary fix.
func Repair(module buildtypes.ModuleID, intent string, attempt int, report *buildtypes.ValidationReport, currentPaths []string) (system, user string) {
	findings := orderForRepair(report.BlockingFindings())

	var sb strings.Builder
	fmt.Fprintf(&sb, "Repair module %s (attempt %d).\n\n", module, attempt)
	fmt.Fprintf(&sb, "Intent: %s\n\n", intent)

	if len(currentPaths) > 0 {
		sb.WriteString("Current bundle files:\n")
		for _, p := range currentPaths {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
		sb.WriteString("\n")
	}

	if len(findings) > 0 {
		primary := findings[0]
		if primary.FixHint != "" {
			fmt.Fprintf(&sb, "PRIMARY FIX: %s\n\n", primary.FixHint)
		}
		sb.WriteString("Validation findings, most urgent first:\n")
		for i, f := range findings {
			fmt.Fprintf(&sb, "%d. [%s] %s", i+1, f.Kind, f.Message)
			if f.Location.Path != "" {
				fmt.Fprintf(&sb, " (%s", f.Location.Path)
				if f.Location.Line > 0 {
					fmt.Fprintf(&sb, ":%d", f.Location.Line)
				}
				sb.WriteString(")")
			}
			if f.TestID != "" {
				fmt.Fprintf(&sb, " [test %s]", f.TestID)
			}
			sb.WriteString("\n")
			if f.FixHint != "" {
				fmt.Fprintf(&sb, "   fix: %s\n", f.FixHint)
			}
		}
		sb.WriteString("\n")
	}

	if len(report.Suites) > 0 {
		sb.WriteString("Suite outcomes:\n")
		for _, s := range report.Suites {
			status := "passed"
			if !s.Passed {
				status = "FAILED"
			}
			fmt.Fprintf(&sb, "- %s: %s\n", s.Name, status)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Return only the files that need to change. Respond with stage \"IMPLEMENT\".\n")
	return systemRepair, sb.String()
}

// Critic builds the plan-scoring request. rejectedCritique carries the
// previous critique when the plan is being re-requested after a rejection.
func Critic(module buildtypes.ModuleID, planJSON string, rejectedCritique string) (system, user string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Score this build plan for module %s:\n\n%s\n", module, planJSON)
	if rejectedCritique != "" {
		fmt.Fprintf(&sb, "\nA previous version of this plan was rejected with this critique:\n%s\n", rejectedCritique)
	}
	return systemCritic, sb.String()
}

// orderForRepair sorts findings by repair priority, keeping report order
// within equal priorities so the ordering stays deterministic.
func orderForRepair(findings []buildtypes.Finding) []buildtypes.Finding {
	out := append([]buildtypes.Finding(nil), findings...)
	sort.SliceStable(out, func(i, j int) bool {
		return buildtypes.RepairPriority(out[i].Kind) < buildtypes.RepairPriority(out[j].Kind)
	})
	return out
}
