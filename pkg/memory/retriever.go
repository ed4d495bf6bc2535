package memory

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/wavefix/wavefix/pkg/models"
)

// Scoring weights for ranked retrieval.
const (
	categoryMatchScore = 10.0
	serviceMatchScore  = 5.0
	severityMatchScore = 2.0
	liveSourceBonus    = 2.0
	successBonus       = 3.0
	freshnessHalfLife  = 30.0 // days for the score to halve
)

var confidenceScores = map[string]float64{
	"high":   3.0,
	"medium": 1.5,
	"low":    0.5,
}

// Retriever ranks prior memory items against a query finding.
type Retriever struct {
	store      *Store
	maxResults int
	now        func() time.Time
}

// NewRetriever creates a retriever returning at most maxResults items.
func NewRetriever(store *Store, maxResults int) *Retriever {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &Retriever{store: store, maxResults: maxResults, now: time.Now}
}

// Retrieve returns the top-ranked relevant memories for a finding, sorted
// by score descending. Items matching neither category nor service are
// excluded by the zero-relevance gate. Mock-sourced items carry a warning
// in the citation.
func (r *Retriever) Retrieve(finding models.Finding) []Retrieved {
	graph := r.store.LoadGraph()
	if len(graph.Entries) == 0 {
		return nil
	}

	type scored struct {
		score float64
		entry GraphEntry
	}
	var candidates []scored
	for _, entry := range graph.Entries {
		if score := r.score(entry, finding); score > 0 {
			candidates = append(candidates, scored{score, entry})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	var results []Retrieved
	for _, c := range candidates {
		if len(results) >= r.maxResults {
			break
		}
		content, ok := r.store.LoadItem(c.entry.ItemID)
		if !ok {
			continue // item markdown gone, skip silently
		}
		note := fmt.Sprintf("[Memory from run %s, source: %s]", c.entry.RunID, c.entry.DataSource)
		if c.entry.DataSource == "mock" {
			note += " (Note: this memory is from a mock session — actual behavior may differ)"
		}
		results = append(results, Retrieved{
			Content:    content,
			Score:      c.score,
			SourceNote: note,
			DataSource: c.entry.DataSource,
		})
	}

	slog.Info("Retrieved memories",
		"count", len(results),
		"finding_id", finding.FindingID,
		"category", finding.Category,
		"service", finding.ServiceName)
	return results
}

// ContextFor renders the retrieval results as a prompt-injectable block.
// Implements session.MemoryRetriever.
func (r *Retriever) ContextFor(finding models.Finding) string {
	results := r.Retrieve(finding)
	if len(results) == 0 {
		return ""
	}
	parts := make([]string, len(results))
	for i, res := range results {
		parts[i] = fmt.Sprintf("### %s\n\n%s", res.SourceNote, res.Content)
	}
	return strings.Join(parts, "\n---\n\n")
}

func (r *Retriever) score(entry GraphEntry, finding models.Finding) float64 {
	score := 0.0
	if entry.Category == string(finding.Category) {
		score += categoryMatchScore
	}
	if entry.ServiceName == finding.ServiceName {
		score += serviceMatchScore
	}
	// Zero-relevance gate: no category and no service match means excluded.
	if score == 0 {
		return 0
	}
	if entry.Severity == string(finding.Severity) {
		score += severityMatchScore
	}
	score += confidenceScores[entry.Confidence]
	if entry.DataSource == "live" {
		score += liveSourceBonus
	}
	if entry.Outcome == "success" {
		score += successBonus
	}

	if created, err := time.Parse(time.RFC3339, entry.CreatedAt); err == nil {
		ageDays := r.now().Sub(created).Hours() / 24
		if ageDays > 0 {
			score *= math.Pow(0.5, ageDays/freshnessHalfLife)
		}
	}
	return score
}
