// Package playbook maps finding categories to playbook documents and keeps
// them uploaded on the agent platform.
package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wavefix/wavefix/pkg/backend"
	"github.com/wavefix/wavefix/pkg/models"
)

// categoryFiles maps categories to their playbook file under the playbooks
// directory. Categories without a dedicated playbook fall back.
var categoryFiles = map[models.FindingCategory]string{
	models.CategoryDependencyVulnerability: "dependency_vulnerability.devin.md",
	models.CategorySQLInjection:            "sql_injection.devin.md",
	models.CategoryHardcodedSecret:         "hardcoded_secrets.devin.md",
	models.CategoryPIILogging:              "pii_logging.devin.md",
	models.CategoryMissingEncryption:       "missing_encryption.devin.md",
	models.CategoryAccessLogging:           "access_logging.devin.md",
}

const fallbackFile = "dependency_vulnerability.devin.md"

// PathFor returns the playbook file path for a category.
func PathFor(category models.FindingCategory, playbooksDir string) string {
	file, ok := categoryFiles[category]
	if !ok {
		file = fallbackFile
	}
	return filepath.Join(playbooksDir, file)
}

// EnsureUploaded uploads every playbook document missing from the platform
// and returns the path→playbook_id mapping. Already-uploaded playbooks are
// matched by title and reused. Missing files are skipped with a warning.
func EnsureUploaded(ctx context.Context, be backend.Backend, playbooksDir string) (map[string]string, error) {
	existing := map[string]string{}
	playbooks, err := be.ListPlaybooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	for _, pb := range playbooks {
		existing[pb.Title] = pb.PlaybookID
	}

	uniquePaths := map[string]bool{}
	for _, file := range categoryFiles {
		uniquePaths[filepath.Join(playbooksDir, file)] = true
	}
	paths := make([]string, 0, len(uniquePaths))
	for p := range uniquePaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	pathToID := map[string]string{}
	for _, path := range paths {
		title := strings.TrimSuffix(filepath.Base(path), ".devin.md")
		if id, ok := existing[title]; ok {
			pathToID[path] = id
			slog.Info("Playbook already uploaded", "path", path, "playbook_id", id)
			continue
		}

		body, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Playbook file not found on disk", "path", path)
			continue
		}
		pb, err := be.CreatePlaybook(ctx, title, string(body))
		if err != nil {
			return nil, fmt.Errorf("upload playbook %s: %w", path, err)
		}
		pathToID[path] = pb.PlaybookID
		slog.Info("Uploaded playbook", "path", path, "playbook_id", pb.PlaybookID)
	}
	return pathToID, nil
}

// Assigner resolves playbook ids per finding category.
type Assigner struct {
	playbooksDir string
	pathToID     map[string]string
	fallbackID   string
}

// NewAssigner builds an assigner over an uploaded path→id mapping.
func NewAssigner(playbooksDir string, pathToID map[string]string) *Assigner {
	a := &Assigner{playbooksDir: playbooksDir, pathToID: pathToID}
	paths := make([]string, 0, len(pathToID))
	for p := range pathToID {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if len(paths) > 0 {
		a.fallbackID = pathToID[paths[0]]
	}
	return a
}

// IDFor returns the playbook id for a finding, falling back to the first
// available id when the category's playbook is missing. Returns empty when
// no playbooks exist at all.
func (a *Assigner) IDFor(finding models.Finding) string {
	path := PathFor(finding.Category, a.playbooksDir)
	if id, ok := a.pathToID[path]; ok {
		return id
	}
	if a.fallbackID != "" {
		slog.Warn("No playbook for category, using fallback",
			"category", finding.Category, "path", path)
		return a.fallbackID
	}
	slog.Warn("No playbook available, leaving session without one",
		"category", finding.Category)
	return ""
}
