package ingest

import (
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/wavefix/wavefix/pkg/models"
)

var severityWeights = map[models.Severity]float64{
	models.SeverityCritical: 40,
	models.SeverityHigh:     30,
	models.SeverityMedium:   15,
	models.SeverityLow:      5,
}

var categoryWeights = map[models.FindingCategory]float64{
	models.CategorySQLInjection:            25,
	models.CategoryHardcodedSecret:         25,
	models.CategoryDependencyVulnerability: 20,
	models.CategoryXSS:                     20,
	models.CategoryPathTraversal:           20,
	models.CategoryPIILogging:              15,
	models.CategoryMissingEncryption:       15,
	models.CategoryAccessLogging:           10,
	models.CategoryOther:                   10,
}

const defaultServiceWeight = 10.0

// ServiceWeights maps service name to its business-criticality weight.
// Unlisted services get the default weight.
type ServiceWeights map[string]float64

// LoadServiceWeights reads the configurable service weight table. A
// missing or unreadable file yields an empty table.
func LoadServiceWeights(path string) ServiceWeights {
	if path == "" {
		return ServiceWeights{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Could not read service weights", "path", path, "error", err)
		}
		return ServiceWeights{}
	}
	var weights ServiceWeights
	if err := yaml.Unmarshal(data, &weights); err != nil {
		slog.Warn("Could not parse service weights", "path", path, "error", err)
		return ServiceWeights{}
	}
	return weights
}

// Prioritize scores every finding and returns a new list sorted by
// priority descending. The score is severity weight + category weight +
// service weight. Sorting is stable, so equal scores keep input order.
func Prioritize(findings []models.Finding, serviceWeights ServiceWeights) []models.Finding {
	scored := make([]models.Finding, len(findings))
	copy(scored, findings)

	for i := range scored {
		weight, ok := serviceWeights[scored[i].ServiceName]
		if !ok {
			weight = defaultServiceWeight
		}
		scored[i].PriorityScore = severityWeights[scored[i].Severity] +
			categoryWeights[scored[i].Category] + weight
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].PriorityScore > scored[j].PriorityScore
	})
	return scored
}

// Pipeline runs the full ingest chain on a CSV file: parse, deduplicate,
// prioritize.
func Pipeline(csvPath, serviceWeightsPath string) ([]models.Finding, error) {
	findings, err := ParseCSVFile(csvPath)
	if err != nil {
		return nil, err
	}
	findings = Normalize(findings)
	return Prioritize(findings, LoadServiceWeights(serviceWeightsPath)), nil
}
