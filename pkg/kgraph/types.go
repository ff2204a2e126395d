package kgraph

import (
	"time"

	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/query"
	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/store"
)

// Output format constants for operations that can render Mermaid diagrams.
const (
	OutputJSON    = "json"
	OutputMermaid = "mermaid"
	OutputBoth    = "both"
)

// Status is the envelope header shared by every operation result.
// Failures carry a human-readable message plus a stable machine kind.
type Status struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func success() Status {
	return Status{Success: true}
}

func failure(err error) Status {
	return Status{Success: false, Error: err.Error(), ErrorKind: ClassifyError(err)}
}

// AddNodeInput carries the fields for creating a concept node.
type AddNodeInput struct {
	Concept     string   `json:"concept"`
	Description string   `json:"description,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	Difficulty  *float64 `json:"difficulty,omitempty"` // nil means 0.5
	Tags        []string `json:"tags,omitempty"`
	NodeID      string   `json:"node_id,omitempty"` // derived from Concept when empty
}

// AddNodeResult is the envelope for AddNode.
type AddNodeResult struct {
	Status
	Node    *store.Node `json:"node,omitempty"`
	Message string      `json:"message,omitempty"`
}

// AddEdgeInput carries the fields for creating a relationship.
// Source and Target accept node IDs or concept names.
type AddEdgeInput struct {
	Source       string  `json:"source_concept"`
	Target       string  `json:"target_concept"`
	RelationType string   `json:"relation_type"`
	Strength     *float64 `json:"strength,omitempty"` // nil means 1.0; explicit 0 is kept
	Reasoning    string   `json:"reasoning,omitempty"`
}

// AddEdgeResult is the envelope for AddEdge.
type AddEdgeResult struct {
	Status
	Edge    *store.Edge `json:"edge,omitempty"`
	Message string      `json:"message,omitempty"`
}

// UpdateNodeInput carries a node identifier plus a partial update.
type UpdateNodeInput struct {
	Identifier string // node ID or concept name
	Patch      store.NodeUpdate
}

// UpdateNodeResult is the envelope for UpdateNode. The review fields are set
// only when the patch carried a quality rating.
type UpdateNodeResult struct {
	Status
	Node           *store.Node `json:"node,omitempty"`
	Message        string      `json:"message,omitempty"`
	ReviewRecorded bool        `json:"review_recorded,omitempty"`
	IntervalDays   int         `json:"interval_days,omitempty"`
	NextReviewAt   *time.Time  `json:"next_review_at,omitempty"`
}

// ReadSubgraphInput selects a neighborhood around a center node.
type ReadSubgraphInput struct {
	Center         string `json:"center_node"` // node ID or concept name
	Depth          int    `json:"depth"`       // edge hops from the center
	Direction      string `json:"direction"`   // upstream, downstream, or both (default both)
	IncludeMastery *bool  `json:"include_mastery,omitempty"` // nil means true
	OutputFormat   string `json:"output_format"`             // json, mermaid, or both (default both)
	Title          string `json:"title,omitempty"`
}

// NodeSummary is the reduced node view returned when mastery data is
// excluded from a subgraph read.
type NodeSummary struct {
	ID      string `json:"id"`
	Concept string `json:"concept"`
	Domain  string `json:"domain,omitempty"`
}

// ReadSubgraphResult is the envelope for ReadSubgraph. Nodes or NodeSummaries
// is populated depending on IncludeMastery; both are empty for mermaid-only
// output.
type ReadSubgraphResult struct {
	Status
	CenterNode    string        `json:"center_node,omitempty"`
	Depth         int           `json:"depth"`
	Direction     string        `json:"direction,omitempty"`
	NodeCount     int           `json:"node_count"`
	EdgeCount     int           `json:"edge_count"`
	Nodes         []*store.Node `json:"nodes,omitempty"`
	NodeSummaries []NodeSummary `json:"node_summaries,omitempty"`
	Edges         []*store.Edge `json:"edges,omitempty"`
	Mermaid       string        `json:"mermaid,omitempty"`
}

// LearningPathInput selects the route to a target concept.
type LearningPathInput struct {
	Target          string `json:"target_concept"` // node ID or concept name
	IncludeMastered bool   `json:"include_mastered"`
}

// LearningPathResult is the envelope for LearningPath. The embedded path
// carries the ordered prerequisites and gap analysis.
type LearningPathResult struct {
	Status
	*query.LearningPath
	Mermaid string `json:"mermaid,omitempty"`
}

// QueryGraphInput selects a derived query.
type QueryGraphInput struct {
	QueryType string `json:"query_type"`
	NodeID    string `json:"node_id,omitempty"` // node ID or concept name
	Domain    string `json:"domain,omitempty"`
	Limit     int    `json:"limit,omitempty"` // default 10
}

// QueryGraphResult is the envelope for QueryGraph.
type QueryGraphResult struct {
	Status
	*query.Result
}

// StatisticsResult is the envelope for GetStatistics.
type StatisticsResult struct {
	Status
	*store.Statistics
}
