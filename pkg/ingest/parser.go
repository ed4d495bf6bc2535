// Package ingest turns scanner CSV exports into prioritized Finding lists:
// parse, validate, deduplicate, score.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/wavefix/wavefix/pkg/models"
)

// RequiredColumns is the mandatory CSV header set.
var RequiredColumns = []string{
	"finding_id", "scanner", "category", "severity", "title",
	"description", "service_name", "repo_url", "file_path",
}

// MaxRows caps how many data rows one upload may carry.
const MaxRows = 5000

// ParseCSVFile reads and parses a findings CSV from disk.
func ParseCSVFile(path string) ([]models.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open findings csv: %w", err)
	}
	defer f.Close()
	return ParseCSV(f)
}

// ParseCSV parses findings from r. Rows with an invalid category or
// severity are dropped with a warning; empty optional cells map to absent
// values. A missing required column or an empty file is an error naming
// the problem.
func ParseCSV(r io.Reader) ([]models.Finding, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range RequiredColumns {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	cell := func(record []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var findings []models.Finding
	rows := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		rows++
		if rows > MaxRows {
			return nil, fmt.Errorf("csv exceeds %d rows", MaxRows)
		}

		findingID := cell(record, "finding_id")
		category := models.FindingCategory(cell(record, "category"))
		if !category.IsValid() {
			slog.Warn("Skipping finding with invalid category",
				"finding_id", findingID, "category", string(category))
			continue
		}
		severity := models.Severity(cell(record, "severity"))
		if !severity.IsValid() {
			slog.Warn("Skipping finding with invalid severity",
				"finding_id", findingID, "severity", string(severity))
			continue
		}

		var lineNumber *int
		if raw := cell(record, "line_number"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				lineNumber = &n
			}
		}

		findings = append(findings, models.Finding{
			FindingID:      findingID,
			Scanner:        cell(record, "scanner"),
			Category:       category,
			Severity:       severity,
			Title:          cell(record, "title"),
			Description:    cell(record, "description"),
			ServiceName:    cell(record, "service_name"),
			RepoURL:        cell(record, "repo_url"),
			FilePath:       cell(record, "file_path"),
			LineNumber:     lineNumber,
			CWEID:          cell(record, "cwe_id"),
			DependencyName: cell(record, "dependency_name"),
			CurrentVersion: cell(record, "current_version"),
			FixedVersion:   cell(record, "fixed_version"),
			Language:       cell(record, "language"),
		})
	}
	if rows == 0 {
		return nil, fmt.Errorf("csv contains no data rows")
	}

	slog.Info("Parsed findings", "count", len(findings), "rows", rows)
	return findings, nil
}
