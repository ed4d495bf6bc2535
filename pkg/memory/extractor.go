package memory

import (
	"log/slog"
	"time"

	"github.com/wavefix/wavefix/pkg/models"
)

// Extract converts every terminal session of a run into memory items.
// Blocked sessions that survived to run end are included as failures.
func Extract(run *models.BatchRun) []*Item {
	var items []*Item
	for _, wave := range run.Waves {
		for _, sess := range wave.Sessions {
			if !sess.Status.IsTerminal() && sess.Status != models.StatusBlocked {
				continue
			}
			items = append(items, sessionToItem(sess, run.RunID))
		}
	}
	slog.Info("Extracted memory items", "count", len(items), "run_id", run.RunID)
	return items
}

// ExtractAndStore extracts memory from a run and upserts every item into
// the store. Per-item failures are logged and skipped; extraction never
// fails a run.
func ExtractAndStore(run *models.BatchRun, store *Store) int {
	items := Extract(run)
	if len(items) == 0 {
		return 0
	}
	graph := store.LoadGraph()
	saved := 0
	for _, item := range items {
		updated, err := store.Upsert(item, graph)
		if err != nil {
			slog.Warn("Could not save memory item", "item_id", item.ItemID, "error", err)
			continue
		}
		graph = updated
		saved++
	}
	if err := store.SaveGraph(graph); err != nil {
		slog.Warn("Could not save memory graph", "error", err)
	}
	return saved
}

func sessionToItem(sess *models.RemediationSession, runID string) *Item {
	finding := sess.Finding
	outcome := "failed"
	if sess.Status == models.StatusSuccess {
		outcome = "success"
	}
	errMsg := sess.ErrorMessage
	if errMsg == "" {
		errMsg = sess.StructuredOutput.ErrorMessage()
	}
	return &Item{
		ItemID:        runID + "-" + finding.FindingID,
		FindingID:     finding.FindingID,
		Category:      string(finding.Category),
		ServiceName:   finding.ServiceName,
		Severity:      string(finding.Severity),
		Title:         finding.Title,
		DataSource:    string(sess.DataSource),
		Outcome:       outcome,
		Confidence:    sess.StructuredOutput.Confidence(),
		FixApproach:   sess.StructuredOutput.FixApproach(),
		FilesModified: sess.StructuredOutput.FilesModified(),
		ErrorMessage:  errMsg,
		TestsPassed:   sess.StructuredOutput.TestsPassed(),
		TestsAdded:    sess.StructuredOutput.TestsAdded(),
		PRURL:         sess.PRURL,
		RunID:         runID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
}
