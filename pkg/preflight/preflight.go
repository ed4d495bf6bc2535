// Package preflight validates credentials, connectivity, playbooks and
// routing configuration before any wave is dispatched.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/wavefix/wavefix/pkg/backend"
	"github.com/wavefix/wavefix/pkg/config"
	"github.com/wavefix/wavefix/pkg/models"
	"github.com/wavefix/wavefix/pkg/playbook"
)

// Check runs every pre-dispatch validation and returns the list of
// failures. An empty list means the run may proceed. In mock mode the API
// checks are skipped; playbook and findings checks always run.
func Check(ctx context.Context, be backend.Backend, cfg *config.Config, findings []models.Finding) []string {
	var errors []string

	if cfg.MockMode && !cfg.HybridMode {
		if len(findings) == 0 {
			return []string{"No findings to remediate"}
		}
		return checkPlaybooks(findings, cfg.PlaybooksDir)
	}

	if cfg.APIKey == "" {
		errors = append(errors, "WAVEFIX_API_KEY is not set")
	} else if be != nil {
		if _, err := be.ListSessions(ctx, nil, 1, 0); err != nil {
			errors = append(errors, fmt.Sprintf("Cannot reach agent API: %v", err))
		} else {
			slog.Info("Preflight: agent API is reachable")
		}
	}

	if len(findings) > 0 {
		errors = append(errors, checkPlaybooks(findings, cfg.PlaybooksDir)...)
	}

	if cfg.HybridMode && len(cfg.ConnectedRepos) == 0 {
		errors = append(errors, "CONNECTED_REPOS must be set when using hybrid mode")
	}

	if len(findings) == 0 {
		errors = append(errors, "No findings to remediate")
	}

	return errors
}

// checkPlaybooks verifies a playbook file exists on disk for every finding
// category present.
func checkPlaybooks(findings []models.Finding, playbooksDir string) []string {
	var errors []string
	seen := map[models.FindingCategory]bool{}

	for _, finding := range findings {
		if seen[finding.Category] {
			continue
		}
		seen[finding.Category] = true

		path := playbook.PathFor(finding.Category, playbooksDir)
		if _, err := os.Stat(path); err != nil {
			errors = append(errors, fmt.Sprintf(
				"Playbook file missing for category %q: %s", finding.Category, path))
		}
	}
	if len(errors) == 0 {
		slog.Info("Preflight: all required playbook files exist", "categories", len(seen))
	}
	return errors
}
