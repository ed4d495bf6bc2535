package models

// Severity classifies how dangerous a finding is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	default:
		return false
	}
}

// Rank returns a comparable ordering (higher = more severe).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// FindingCategory classifies the vulnerability class of a finding.
type FindingCategory string

const (
	CategoryDependencyVulnerability FindingCategory = "dependency_vulnerability"
	CategorySQLInjection            FindingCategory = "sql_injection"
	CategoryHardcodedSecret         FindingCategory = "hardcoded_secret"
	CategoryPIILogging              FindingCategory = "pii_logging"
	CategoryMissingEncryption       FindingCategory = "missing_encryption"
	CategoryAccessLogging           FindingCategory = "access_logging"
	CategoryXSS                     FindingCategory = "xss"
	CategoryPathTraversal           FindingCategory = "path_traversal"
	CategoryOther                   FindingCategory = "other"
)

// IsValid checks if the category is a known value.
func (c FindingCategory) IsValid() bool {
	switch c {
	case CategoryDependencyVulnerability, CategorySQLInjection,
		CategoryHardcodedSecret, CategoryPIILogging, CategoryMissingEncryption,
		CategoryAccessLogging, CategoryXSS, CategoryPathTraversal, CategoryOther:
		return true
	default:
		return false
	}
}

// AllCategories lists every valid finding category.
func AllCategories() []FindingCategory {
	return []FindingCategory{
		CategoryDependencyVulnerability,
		CategorySQLInjection,
		CategoryHardcodedSecret,
		CategoryPIILogging,
		CategoryMissingEncryption,
		CategoryAccessLogging,
		CategoryXSS,
		CategoryPathTraversal,
		CategoryOther,
	}
}

// Finding is one scanner-reported issue — the immutable input unit of a run.
// Created by the ingest pipeline, never mutated by the engine.
type Finding struct {
	FindingID      string          `json:"finding_id"`
	Scanner        string          `json:"scanner"`
	Category       FindingCategory `json:"category"`
	Severity       Severity        `json:"severity"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	ServiceName    string          `json:"service_name"`
	RepoURL        string          `json:"repo_url"`
	FilePath       string          `json:"file_path"`
	LineNumber     *int            `json:"line_number,omitempty"`
	CWEID          string          `json:"cwe_id,omitempty"`
	DependencyName string          `json:"dependency_name,omitempty"`
	CurrentVersion string          `json:"current_version,omitempty"`
	FixedVersion   string          `json:"fixed_version,omitempty"`
	Language       string          `json:"language,omitempty"`
	PriorityScore  float64         `json:"priority_score"`
}
