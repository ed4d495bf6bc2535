// Package memory is the filesystem-backed knowledge store for cross-run
// learning. graph.json holds a metadata index with same_category and
// same_service relationships; items/<id>.md hold the full narratives.
package memory

// Relationship links two memory items sharing an attribute. Links are
// symmetric: both endpoints carry the edge.
type Relationship struct {
	TargetID     string `json:"target_id"`
	RelationType string `json:"relation_type"` // same_category | same_service
}

// GraphEntry is a metadata-only row in graph.json.
type GraphEntry struct {
	ItemID             string         `json:"item_id"`
	FindingID          string         `json:"finding_id"`
	Category           string         `json:"category"`
	ServiceName        string         `json:"service_name"`
	Severity           string         `json:"severity"`
	DataSource         string         `json:"data_source"`
	Outcome            string         `json:"outcome"`
	Confidence         string         `json:"confidence,omitempty"`
	FixApproachSummary string         `json:"fix_approach_summary,omitempty"`
	CreatedAt          string         `json:"created_at"`
	RunID              string         `json:"run_id"`
	Relationships      []Relationship `json:"relationships"`
}

// Graph is the full graph.json structure.
type Graph struct {
	Version int          `json:"version"`
	Entries []GraphEntry `json:"entries"`
}

// Item is the full narrative memory extracted from one terminal session.
// ItemID is {run_id}-{finding_id}, so reruns of the same finding produce
// distinct items.
type Item struct {
	ItemID        string
	FindingID     string
	Category      string
	ServiceName   string
	Severity      string
	Title         string
	DataSource    string
	Outcome       string // success | failed
	Confidence    string
	FixApproach   string
	FilesModified []string
	ErrorMessage  string
	TestsPassed   *bool
	TestsAdded    int
	PRURL         string
	RunID         string
	CreatedAt     string
}

// Retrieved is one ranked retrieval result with its prompt citation.
type Retrieved struct {
	Content    string
	Score      float64
	SourceNote string
	DataSource string
}
