package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/wavefix/wavefix/pkg/state"
)

// Store manages graph.json and the items directory under one memory root.
type Store struct {
	dir       string
	graphPath string
	itemsDir  string
}

// NewStore opens a memory store rooted at dir, creating the layout if
// needed.
func NewStore(dir string) (*Store, error) {
	itemsDir := filepath.Join(dir, "items")
	if err := os.MkdirAll(itemsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &Store{
		dir:       dir,
		graphPath: filepath.Join(dir, "graph.json"),
		itemsDir:  itemsDir,
	}, nil
}

// GraphPath returns the path of the metadata index.
func (s *Store) GraphPath() string { return s.graphPath }

// LoadGraph reads the metadata index. Missing or corrupt files load as an
// empty graph; items already on disk remain usable.
func (s *Store) LoadGraph() *Graph {
	data, err := os.ReadFile(s.graphPath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Could not read memory graph", "path", s.graphPath, "error", err)
		}
		return &Graph{Version: 1}
	}
	var graph Graph
	if err := json.Unmarshal(data, &graph); err != nil {
		slog.Warn("Corrupt memory graph, treating as empty", "path", s.graphPath, "error", err)
		return &Graph{Version: 1}
	}
	if graph.Version == 0 {
		graph.Version = 1
	}
	return &graph
}

// SaveGraph persists the index under the file lock with atomic rename.
func (s *Store) SaveGraph(graph *Graph) error {
	lock, err := state.AcquireLock(s.graphPath, state.LockOptions{Writer: "memory"})
	if err != nil {
		return err
	}
	defer lock.Release()
	return state.AtomicWriteJSON(s.graphPath, graph)
}

// SaveItem renders and writes the item's narrative markdown.
func (s *Store) SaveItem(item *Item) error {
	path := filepath.Join(s.itemsDir, item.ItemID+".md")
	if err := os.WriteFile(path, []byte(renderMarkdown(item)), 0o644); err != nil {
		return fmt.Errorf("write memory item: %w", err)
	}
	slog.Debug("Saved memory item", "item_id", item.ItemID)
	return nil
}

// LoadItem returns an item's markdown content, or false when absent.
func (s *Store) LoadItem(itemID string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.itemsDir, itemID+".md"))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Upsert writes the item's markdown and inserts it into the graph, linking
// same_category and same_service relationships symmetrically: both the new
// entry and each matching existing entry carry the edge.
func (s *Store) Upsert(item *Item, graph *Graph) (*Graph, error) {
	if err := s.SaveItem(item); err != nil {
		return graph, err
	}

	entry := GraphEntry{
		ItemID:             item.ItemID,
		FindingID:          item.FindingID,
		Category:           item.Category,
		ServiceName:        item.ServiceName,
		Severity:           item.Severity,
		DataSource:         item.DataSource,
		Outcome:            item.Outcome,
		Confidence:         item.Confidence,
		FixApproachSummary: truncate(item.FixApproach, 100),
		CreatedAt:          item.CreatedAt,
		RunID:              item.RunID,
	}

	for i := range graph.Entries {
		existing := &graph.Entries[i]
		if existing.ItemID == entry.ItemID {
			continue
		}
		if existing.Category == entry.Category {
			entry.Relationships = append(entry.Relationships,
				Relationship{TargetID: existing.ItemID, RelationType: "same_category"})
			addRelationship(existing, entry.ItemID, "same_category")
		}
		if existing.ServiceName == entry.ServiceName {
			entry.Relationships = append(entry.Relationships,
				Relationship{TargetID: existing.ItemID, RelationType: "same_service"})
			addRelationship(existing, entry.ItemID, "same_service")
		}
	}

	replaced := false
	for i, e := range graph.Entries {
		if e.ItemID == entry.ItemID {
			graph.Entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		graph.Entries = append(graph.Entries, entry)
	}
	return graph, nil
}

func addRelationship(entry *GraphEntry, targetID, relType string) {
	for _, rel := range entry.Relationships {
		if rel.TargetID == targetID && rel.RelationType == relType {
			return
		}
	}
	entry.Relationships = append(entry.Relationships,
		Relationship{TargetID: targetID, RelationType: relType})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func renderMarkdown(item *Item) string {
	outcome := "FAILED"
	if item.Outcome == "success" {
		outcome = "SUCCESS"
	}
	confidence := item.Confidence
	if confidence == "" {
		confidence = "unknown"
	}
	files := "- None"
	if len(item.FilesModified) > 0 {
		lines := make([]string, len(item.FilesModified))
		for i, f := range item.FilesModified {
			lines[i] = fmt.Sprintf("- `%s`", f)
		}
		files = strings.Join(lines, "\n")
	}
	tests := "N/A"
	if item.TestsPassed != nil {
		if *item.TestsPassed {
			tests = "Yes"
		} else {
			tests = "No"
		}
	}

	return fmt.Sprintf(`# Memory: %s — %s

## Metadata
- **Category**: %s
- **Service**: %s
- **Severity**: %s
- **Outcome**: %s
- **Confidence**: %s
- **Data Source**: %s
- **Run ID**: %s
- **Created**: %s

## Fix Approach
%s

## Files Modified
%s

## Test Results
- **Tests Passed**: %s
- **Tests Added**: %d

## PR
%s

## Error
%s
`,
		item.FindingID, item.Title,
		item.Category, item.ServiceName, item.Severity, outcome, confidence,
		item.DataSource, item.RunID, item.CreatedAt,
		orText(item.FixApproach, "No fix approach recorded."),
		files,
		tests, item.TestsAdded,
		orText(item.PRURL, "No PR created."),
		orText(item.ErrorMessage, "No errors."))
}

func orText(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
