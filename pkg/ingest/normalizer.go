package ingest

import (
	"fmt"
	"log/slog"

	"github.com/wavefix/wavefix/pkg/models"
)

// Normalize deduplicates findings. The dedup key is (service_name,
// file_path, line_number, category); on collision the higher-severity row
// wins, and at equal severity the first row encountered wins. Kept items
// preserve input order.
func Normalize(findings []models.Finding) []models.Finding {
	type dedupKey struct {
		service  string
		filePath string
		line     string
		category models.FindingCategory
	}
	lineKey := func(n *int) string {
		if n == nil {
			return ""
		}
		return fmt.Sprintf("%d", *n)
	}

	seen := make(map[dedupKey]int)
	result := make([]models.Finding, 0, len(findings))

	for _, finding := range findings {
		key := dedupKey{
			service:  finding.ServiceName,
			filePath: finding.FilePath,
			line:     lineKey(finding.LineNumber),
			category: finding.Category,
		}
		idx, dup := seen[key]
		if !dup {
			seen[key] = len(result)
			result = append(result, finding)
			continue
		}
		if finding.Severity.Rank() > result[idx].Severity.Rank() {
			slog.Debug("Replacing duplicate finding with higher severity",
				"kept", finding.FindingID, "dropped", result[idx].FindingID)
			result[idx] = finding
		}
	}

	if removed := len(findings) - len(result); removed > 0 {
		slog.Info("Removed duplicate findings", "count", removed)
	}
	return result
}
