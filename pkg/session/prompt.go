package session

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wavefix/wavefix/pkg/models"
)

// ServiceOverride carries per-service instructions injected into prompts.
type ServiceOverride struct {
	TestCommand        string `yaml:"test_command"`
	BranchPrefix       string `yaml:"branch_prefix"`
	DeploymentNotes    string `yaml:"deployment_notes"`
	CustomInstructions string `yaml:"custom_instructions"`
}

// ServiceOverrides maps service name to its override block.
type ServiceOverrides map[string]ServiceOverride

// LoadServiceOverrides reads the overrides file. A missing or unreadable
// file yields an empty map; overrides are always optional.
func LoadServiceOverrides(path string) ServiceOverrides {
	if path == "" {
		return ServiceOverrides{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Could not read service overrides", "path", path, "error", err)
		}
		return ServiceOverrides{}
	}
	var overrides ServiceOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		slog.Warn("Could not parse service overrides", "path", path, "error", err)
		return ServiceOverrides{}
	}
	return overrides
}

// OutputSchema is the JSON Schema every remediation session must report
// against. The first four properties are required at every report.
func OutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"finding_id": map[string]any{"type": "string"},
			"status": map[string]any{
				"type": "string",
				"enum": []string{"analyzing", "fixing", "testing", "creating_pr", "completed", "failed"},
			},
			"progress_pct":   map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
			"current_step":   map[string]any{"type": "string"},
			"fix_approach":   map[string]any{"type": []string{"string", "null"}},
			"files_modified": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"tests_passed":   map[string]any{"type": []string{"boolean", "null"}},
			"tests_added":    map[string]any{"type": "integer"},
			"pr_url":         map[string]any{"type": []string{"string", "null"}},
			"error_message":  map[string]any{"type": []string{"string", "null"}},
			"confidence": map[string]any{
				"type": "string",
				"enum": []string{"high", "medium", "low"},
			},
		},
		"required": []string{"finding_id", "status", "progress_pct", "current_step"},
	}
}

// BuildPrompt constructs the session prompt for a finding, optionally
// enriched with prior-remediation memory and per-service overrides.
func BuildPrompt(finding models.Finding, runID, memoryContext string, overrides ServiceOverrides) string {
	line := "N/A"
	if finding.LineNumber != nil {
		line = fmt.Sprintf("%d", *finding.LineNumber)
	}
	cwe := finding.CWEID
	if cwe == "" {
		cwe = "N/A"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `## Security Remediation Task

**Run ID**: %s
**Finding ID**: %s
**Service**: %s
**Category**: %s
**Severity**: %s
**File**: %s
**Line**: %s
**CWE**: %s

**Title**: %s

**Description**: %s
`, runID, finding.FindingID, finding.ServiceName, finding.Category, finding.Severity,
		finding.FilePath, line, cwe, finding.Title, finding.Description)

	if finding.Category == models.CategoryDependencyVulnerability {
		fmt.Fprintf(&b, `
**Dependency**: %s
**Current Version**: %s
**Fixed Version**: %s
`, orNA(finding.DependencyName), orNA(finding.CurrentVersion), orNA(finding.FixedVersion))
	}

	if finding.Language != "" {
		fmt.Fprintf(&b, "\n**Language**: %s\n", finding.Language)
	}

	fmt.Fprintf(&b, `
## Instructions
1. Clone the repository at %s
2. Fix the vulnerability described above following the playbook instructions
3. Update structured output after each major step (analyzing, fixing, testing, creating_pr, completed)
4. Run existing tests and ensure they pass
5. Create a pull request with the fix on a new branch
`, finding.RepoURL)

	if ov, ok := overrides[finding.ServiceName]; ok {
		fmt.Fprintf(&b, `
## Service-Specific Instructions (%s)
- **Test Command**: %s
- **Branch Prefix**: %s
- **Deployment Notes**: %s
`, finding.ServiceName,
			orDefault(ov.TestCommand, "N/A"),
			orDefault(ov.BranchPrefix, "security/fix"),
			orDefault(ov.DeploymentNotes, "Standard deployment."))
		if ov.CustomInstructions != "" {
			fmt.Fprintf(&b, "\n%s\n", ov.CustomInstructions)
		}
	}

	if memoryContext != "" {
		fmt.Fprintf(&b, `
## Prior Remediation Knowledge
The following context is from previous remediation sessions for similar findings.
Use this as reference but verify applicability to the current codebase.

%s
`, memoryContext)
	}

	return b.String()
}

func orNA(s string) string {
	return orDefault(s, "N/A")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
