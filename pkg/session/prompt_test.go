package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavefix/wavefix/pkg/models"
)

func sqlFinding() models.Finding {
	line := 42
	return models.Finding{
		FindingID:   "FIND-001",
		Category:    models.CategorySQLInjection,
		Severity:    models.SeverityCritical,
		Title:       "SQL injection in PaymentDao",
		Description: "Raw string concatenation in query builder",
		ServiceName: "payment-service",
		RepoURL:     "https://github.com/org/payment-service",
		FilePath:    "src/dao/PaymentDao.java",
		LineNumber:  &line,
		CWEID:       "CWE-89",
		Language:    "java",
	}
}

func TestBuildPrompt_CoreFields(t *testing.T) {
	prompt := BuildPrompt(sqlFinding(), "run-abc", "", nil)

	assert.Contains(t, prompt, "**Run ID**: run-abc")
	assert.Contains(t, prompt, "**Finding ID**: FIND-001")
	assert.Contains(t, prompt, "**Service**: payment-service")
	assert.Contains(t, prompt, "**Category**: sql_injection")
	assert.Contains(t, prompt, "**Severity**: critical")
	assert.Contains(t, prompt, "**Line**: 42")
	assert.Contains(t, prompt, "**CWE**: CWE-89")
	assert.Contains(t, prompt, "**Language**: java")
	assert.Contains(t, prompt, "Clone the repository at https://github.com/org/payment-service")
	assert.NotContains(t, prompt, "**Dependency**")
	assert.NotContains(t, prompt, "Prior Remediation Knowledge")
}

func TestBuildPrompt_MissingOptionalFields(t *testing.T) {
	finding := sqlFinding()
	finding.LineNumber = nil
	finding.CWEID = ""
	finding.Language = ""

	prompt := BuildPrompt(finding, "run-abc", "", nil)
	assert.Contains(t, prompt, "**Line**: N/A")
	assert.Contains(t, prompt, "**CWE**: N/A")
	assert.NotContains(t, prompt, "**Language**")
}

func TestBuildPrompt_DependencyBlock(t *testing.T) {
	finding := sqlFinding()
	finding.Category = models.CategoryDependencyVulnerability
	finding.DependencyName = "jackson-databind"
	finding.CurrentVersion = "2.9.8"
	finding.FixedVersion = "2.12.7"

	prompt := BuildPrompt(finding, "run-abc", "", nil)
	assert.Contains(t, prompt, "**Dependency**: jackson-databind")
	assert.Contains(t, prompt, "**Current Version**: 2.9.8")
	assert.Contains(t, prompt, "**Fixed Version**: 2.12.7")
}

func TestBuildPrompt_ServiceOverrides(t *testing.T) {
	overrides := ServiceOverrides{
		"payment-service": {
			TestCommand:        "mvn verify",
			BranchPrefix:       "sec/fix",
			CustomInstructions: "Never touch the ledger tables.",
		},
	}

	prompt := BuildPrompt(sqlFinding(), "run-abc", "", overrides)
	assert.Contains(t, prompt, "Service-Specific Instructions (payment-service)")
	assert.Contains(t, prompt, "**Test Command**: mvn verify")
	assert.Contains(t, prompt, "**Branch Prefix**: sec/fix")
	assert.Contains(t, prompt, "**Deployment Notes**: Standard deployment.")
	assert.Contains(t, prompt, "Never touch the ledger tables.")
}

func TestBuildPrompt_MemoryContext(t *testing.T) {
	prompt := BuildPrompt(sqlFinding(), "run-abc", "### [Memory from run x]\n\nUse prepared statements.", nil)
	assert.Contains(t, prompt, "Prior Remediation Knowledge")
	assert.Contains(t, prompt, "Use prepared statements.")
	assert.Contains(t, prompt, "verify applicability")
}

func TestOutputSchema(t *testing.T) {
	schema := OutputSchema()

	assert.Equal(t, "object", schema["type"])
	assert.ElementsMatch(t,
		[]string{"finding_id", "status", "progress_pct", "current_step"},
		schema["required"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"fix_approach", "files_modified", "tests_passed",
		"tests_added", "pr_url", "error_message", "confidence"} {
		assert.Contains(t, props, key)
	}
}

func TestLoadServiceOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	content := `payment-service:
  test_command: mvn verify
  branch_prefix: sec/fix
  deployment_notes: Deploy behind the canary.
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	overrides := LoadServiceOverrides(path)
	require.Contains(t, overrides, "payment-service")
	assert.Equal(t, "mvn verify", overrides["payment-service"].TestCommand)
	assert.Equal(t, "Deploy behind the canary.", overrides["payment-service"].DeploymentNotes)
}

func TestLoadServiceOverrides_MissingOrCorrupt(t *testing.T) {
	assert.Empty(t, LoadServiceOverrides(""))
	assert.Empty(t, LoadServiceOverrides(filepath.Join(t.TempDir(), "nope.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("::::"), 0o644))
	assert.Empty(t, LoadServiceOverrides(path))
}
