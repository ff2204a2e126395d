// Package store provides storage for the learning knowledge graph.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RelationType is the typed relationship between two concept nodes.
type RelationType string

const (
	RelationPrerequisite RelationType = "prerequisite" // must know source before target
	RelationBuildsOn     RelationType = "builds_on"    // target extends source
	RelationRelatedTo    RelationType = "related_to"   // concepts are connected
	RelationContradicts  RelationType = "contradicts"  // common misconception
	RelationAppliesTo    RelationType = "applies_to"   // application domain
	RelationParentOf     RelationType = "parent_of"    // ontological hierarchy
)

// RelationTypes lists every valid relation type.
var RelationTypes = []RelationType{
	RelationPrerequisite,
	RelationBuildsOn,
	RelationRelatedTo,
	RelationContradicts,
	RelationAppliesTo,
	RelationParentOf,
}

// ParseRelationType validates a relation type string.
func ParseRelationType(s string) (RelationType, error) {
	for _, rt := range RelationTypes {
		if s == string(rt) {
			return rt, nil
		}
	}
	return "", fmt.Errorf("%w: unknown relation type %q", ErrInvalidInput, s)
}

// Node represents a learnable concept with mastery and scheduling state.
type Node struct {
	ID          string `json:"id"`
	Concept     string `json:"concept"`
	Description string `json:"description,omitempty"`
	Domain      string `json:"domain,omitempty"`

	// Mastery tracking (0.0 - 1.0)
	MasteryLevel       float64 `json:"mastery_level"`
	MasteryRecall      float64 `json:"mastery_recall"`
	MasteryApplication float64 `json:"mastery_application"`
	MasteryExplanation float64 `json:"mastery_explanation"`

	// Spaced repetition state
	Difficulty     float64    `json:"difficulty"`
	EaseFactor     float64    `json:"ease_factor"`
	IntervalDays   int        `json:"interval_days"`
	Repetitions    int        `json:"repetitions"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty"`
	NextReviewAt   *time.Time `json:"next_review_at,omitempty"`
	ReviewCount    int        `json:"review_count"`

	Tags           []string  `json:"tags"`
	Misconceptions []string  `json:"misconceptions"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Edge represents a directed, typed relationship between two nodes.
// Identity is the (SourceID, TargetID, RelationType) triple.
type Edge struct {
	SourceID     string       `json:"source_id"`
	TargetID     string       `json:"target_id"`
	RelationType RelationType `json:"relation_type"`
	Strength     float64      `json:"strength"`
	Reasoning    string       `json:"reasoning,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ReviewHistory is an append-only log entry recorded with each quality-bearing
// node update. Entries are never mutated; they are removed only by cascade
// when the node is deleted.
type ReviewHistory struct {
	ID                    string    `json:"id"`
	NodeID                string    `json:"node_id"`
	ReviewedAt            time.Time `json:"reviewed_at"`
	Quality               int       `json:"quality"`
	MasteryBefore         float64   `json:"mastery_before"`
	MasteryAfter          float64   `json:"mastery_after"`
	Notes                 string    `json:"notes,omitempty"`
	MisconceptionDetected string    `json:"misconception_detected,omitempty"`
}

// NodeCreate carries the caller-supplied fields for a new node.
type NodeCreate struct {
	Concept     string
	Description string
	Domain      string
	Difficulty  float64 // cognitive load estimate, 0-1
	Tags        []string
	NodeID      string // optional; derived from Concept when empty
}

// NodeUpdate is a partial update. All fields are pointers to distinguish
// "not provided" from "set to zero value".
type NodeUpdate struct {
	Concept     *string
	Description *string
	Domain      *string
	Difficulty  *float64

	MasteryLevel       *float64
	MasteryRecall      *float64
	MasteryApplication *float64
	MasteryExplanation *float64

	// Quality triggers spaced-repetition scheduling and a review-history
	// entry. Valid range 0-5.
	Quality               *int
	MisconceptionDetected *string
	Notes                 *string
}

// EdgeCreate carries the caller-supplied fields for a new edge.
type EdgeCreate struct {
	SourceID     string
	TargetID     string
	RelationType RelationType
	Strength     float64
	Reasoning    string
}

// EdgeFilter selects edges by any combination of fields.
// Zero-valued fields act as wildcards.
type EdgeFilter struct {
	SourceID     string
	TargetID     string
	RelationType RelationType
}

// NodeOrder selects the sort order for ListNodes.
type NodeOrder string

const (
	OrderByConcept         NodeOrder = "concept"          // alphabetic by concept name
	OrderByNextReview      NodeOrder = "next_review"      // soonest review first
	OrderByStrugglingScore NodeOrder = "struggling_score" // (difficulty - mastery) descending
	OrderByReviewCount     NodeOrder = "review_count"     // most reviewed first
)

// NodeFilter is the filtered-scan surface for node listings.
// Nil/zero fields act as wildcards.
type NodeFilter struct {
	Domain             string
	MasteryBelow       *float64
	DifficultyAbove    *float64
	DueBefore          *time.Time // matches only nodes with a non-null next_review_at
	MinReviewCount     int
	WithMisconceptions bool
	OrderBy            NodeOrder
	Limit              int
}

// StrugglingConcept is a statistics entry for a high-difficulty, low-mastery node.
type StrugglingConcept struct {
	ID         string  `json:"id"`
	Concept    string  `json:"concept"`
	Mastery    float64 `json:"mastery"`
	Difficulty float64 `json:"difficulty"`
}

// Statistics aggregates learning progress over the graph, optionally
// restricted to a single domain.
type Statistics struct {
	TotalConcepts          int                 `json:"total_concepts"`
	MasteryDistribution    map[string]int      `json:"mastery_distribution"`
	AverageMasteryByDomain map[string]float64  `json:"average_mastery_by_domain"`
	OverallMastery         float64             `json:"overall_mastery"`
	ConceptsDueForReview   int                 `json:"concepts_due_for_review"`
	MisconceptionsCount    int                 `json:"misconceptions_count"`
	StrugglingConcepts     []StrugglingConcept `json:"struggling_concepts"`
}

// GraphStore defines the storage contract for the knowledge graph.
// Every mutating operation runs in a single transaction: on any failure the
// graph is left unmodified.
type GraphStore interface {
	// AddNode inserts a new node. The ID is taken from NodeCreate.NodeID or
	// derived from the concept name. Returns ErrDuplicateNode if the ID exists.
	AddNode(ctx context.Context, nc *NodeCreate) (*Node, error)

	// GetNode retrieves a node by ID. Returns (nil, nil) if not found.
	GetNode(ctx context.Context, id string) (*Node, error)

	// GetNodeByConcept retrieves a node by exact concept name.
	// Returns (nil, nil) if not found.
	GetNodeByConcept(ctx context.Context, concept string) (*Node, error)

	// UpdateNode applies a partial update. A quality rating triggers the
	// scheduler and appends a review-history entry in the same transaction.
	// Returns ErrNodeNotFound if the node does not exist.
	UpdateNode(ctx context.Context, id string, u *NodeUpdate) (*Node, error)

	// DeleteNode removes a node, cascading to its edges and review history.
	// Reports whether a node was removed; a missing node is not an error.
	DeleteNode(ctx context.Context, id string) (bool, error)

	// AddEdge inserts a new edge after validating endpoint existence,
	// uniqueness of the (source, target, relation) triple, and, for
	// prerequisite edges, acyclicity of the prerequisite graph.
	AddEdge(ctx context.Context, ec *EdgeCreate) (*Edge, error)

	// GetEdges returns edges matching the filter; zero fields are wildcards.
	GetEdges(ctx context.Context, f EdgeFilter) ([]*Edge, error)

	// DeleteEdge removes the edge with the exact (source, target, relation)
	// key. Reports whether an edge was removed.
	DeleteEdge(ctx context.Context, sourceID, targetID string, rt RelationType) (bool, error)

	// ResolveNodeID maps a human identifier (node ID, concept name, or text
	// normalizable to an ID) to a canonical node ID. Returns "" with a nil
	// error when nothing matches.
	ResolveNodeID(ctx context.Context, identifier string) (string, error)

	// ListNodes returns nodes matching the filter.
	ListNodes(ctx context.Context, f NodeFilter) ([]*Node, error)

	// KnowledgeGaps returns nodes below the mastery threshold that are the
	// source of at least one prerequisite edge, ordered by how many targets
	// they block, descending.
	KnowledgeGaps(ctx context.Context, domain string, masteryBelow float64, limit int) ([]*Node, error)

	// GetReviewHistory returns the review log for a node, oldest first.
	GetReviewHistory(ctx context.Context, nodeID string) ([]*ReviewHistory, error)

	// Statistics aggregates learning progress, optionally for one domain.
	Statistics(ctx context.Context, domain string) (*Statistics, error)

	// NodeCount returns the total number of nodes.
	NodeCount(ctx context.Context) (int64, error)

	// EdgeCount returns the total number of edges.
	EdgeCount(ctx context.Context) (int64, error)

	// Close releases database resources.
	Close() error
}

// ErrNodeNotFound indicates a reference to a node that does not exist.
var ErrNodeNotFound = errors.New("node not found")

// ErrDuplicateNode indicates an insert with an ID that already exists.
var ErrDuplicateNode = errors.New("node already exists")

// ErrDuplicateEdge indicates an insert of an existing (source, target, relation) triple.
var ErrDuplicateEdge = errors.New("edge already exists")

// ErrCycleDetected indicates a prerequisite edge that would create a cycle.
var ErrCycleDetected = errors.New("prerequisite edge would create a cycle")

// ErrInvalidInput indicates a malformed or out-of-range input value.
var ErrInvalidInput = errors.New("invalid input")

// NormalizeID derives a stable node ID from a concept name: lowercase, with
// runs of non-alphanumeric characters collapsed to single underscores.
func NormalizeID(concept string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(concept) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	id := strings.Trim(b.String(), "_")
	if id == "" {
		return "node"
	}
	return id
}
