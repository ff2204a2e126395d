// Package query implements graph traversal and the derived pedagogical
// queries: subgraph extraction, learning paths, and recommendations.
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/store"
)

// MasteryThreshold is the mastery level at which a concept counts as
// mastered for gap analysis and readiness checks.
const MasteryThreshold = 0.8

// prerequisiteDepth bounds the transitive prerequisite traversal.
const prerequisiteDepth = 10

// Direction selects which edges a subgraph traversal follows.
type Direction string

const (
	DirectionUpstream   Direction = "upstream"   // toward prerequisites (frontier node is target)
	DirectionDownstream Direction = "downstream" // toward dependents (frontier node is source)
	DirectionBoth       Direction = "both"
)

// ParseDirection validates a traversal direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionUpstream, DirectionDownstream, DirectionBoth:
		return Direction(s), nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", store.ErrInvalidInput, s)
}

// Type identifies a derived graph query.
type Type string

const (
	TypePrerequisites   Type = "prerequisites"    // all prerequisites for a concept
	TypeReadyToLearn    Type = "ready_to_learn"   // concepts whose prerequisites are mastered
	TypeDueForReview    Type = "due_for_review"   // scheduled review date has passed
	TypeStruggling      Type = "struggling"       // high difficulty + low mastery
	TypeStalled         Type = "stalled"          // multiple reviews, no improvement
	TypeMisconceptions  Type = "misconceptions"   // nodes with recorded misconceptions
	TypeKnowledgeGaps   Type = "knowledge_gaps"   // low mastery blocking downstream
	TypeNextRecommended Type = "next_recommended" // best concepts to study next
	TypeAllNodes        Type = "all_nodes"        // full listing
)

// Types lists every valid query type.
var Types = []Type{
	TypePrerequisites,
	TypeReadyToLearn,
	TypeDueForReview,
	TypeStruggling,
	TypeStalled,
	TypeMisconceptions,
	TypeKnowledgeGaps,
	TypeNextRecommended,
	TypeAllNodes,
}

// ParseType validates a query type string.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if s == string(t) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown query type %q", store.ErrInvalidInput, s)
}

// Recommendation is a scored study suggestion. Lower priority means more
// urgent: 1 = overdue review, 2 = gap blocking other concepts, 3 = newly
// available to learn.
type Recommendation struct {
	Node     *store.Node `json:"node"`
	Reason   string      `json:"reason"`
	Priority int         `json:"priority"`
}

// Result holds the outcome of a derived query.
type Result struct {
	QueryType       Type             `json:"query_type"`
	TargetNode      string           `json:"target_node,omitempty"`
	Nodes           []*store.Node    `json:"nodes,omitempty"`
	Edges           []*store.Edge    `json:"edges,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	Count           int              `json:"count"`
	TotalCount      int              `json:"total_count,omitempty"`
}

// LearningPath is the ordered route to a target concept with gap analysis.
type LearningPath struct {
	Target             string        `json:"target"`
	Path               []*store.Node `json:"path"`
	Gaps               []*store.Node `json:"gaps"`
	TotalPrerequisites int           `json:"total_prerequisites"`
	GapsCount          int           `json:"gaps_count"`
	Ready              bool          `json:"ready"`
}

// Engine executes traversal queries against a graph store's read operations.
type Engine struct {
	store store.GraphStore
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source, for testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a query engine over the given store.
func NewEngine(gs store.GraphStore, opts ...Option) *Engine {
	e := &Engine{store: gs, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetSubgraph extracts the neighborhood around a center node via bounded BFS.
// Every edge touched during the traversal is collected; nodes are returned
// once each in discovery order, the center first. depth=0 yields just the
// center node.
func (e *Engine) GetSubgraph(ctx context.Context, centerID string, depth int, direction Direction) ([]*store.Node, []*store.Edge, error) {
	if depth < 0 {
		return nil, nil, fmt.Errorf("%w: depth must be non-negative", store.ErrInvalidInput)
	}
	if _, err := ParseDirection(string(direction)); err != nil {
		return nil, nil, err
	}

	type queueItem struct {
		nodeID string
		depth  int
	}

	visited := map[string]bool{centerID: true}
	order := []string{centerID}
	var collected []*store.Edge
	queue := []queueItem{{centerID, 0}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.depth >= depth {
			continue
		}

		if direction == DirectionUpstream || direction == DirectionBoth {
			edges, err := e.store.GetEdges(ctx, store.EdgeFilter{TargetID: current.nodeID})
			if err != nil {
				return nil, nil, err
			}
			for _, edge := range edges {
				collected = append(collected, edge)
				if !visited[edge.SourceID] {
					visited[edge.SourceID] = true
					order = append(order, edge.SourceID)
					queue = append(queue, queueItem{edge.SourceID, current.depth + 1})
				}
			}
		}

		if direction == DirectionDownstream || direction == DirectionBoth {
			edges, err := e.store.GetEdges(ctx, store.EdgeFilter{SourceID: current.nodeID})
			if err != nil {
				return nil, nil, err
			}
			for _, edge := range edges {
				collected = append(collected, edge)
				if !visited[edge.TargetID] {
					visited[edge.TargetID] = true
					order = append(order, edge.TargetID)
					queue = append(queue, queueItem{edge.TargetID, current.depth + 1})
				}
			}
		}
	}

	var nodes []*store.Node
	for _, id := range order {
		node, err := e.store.GetNode(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if node != nil {
			nodes = append(nodes, node)
		}
	}

	return nodes, collected, nil
}

// GetLearningPath collects the transitive prerequisite closure of the target,
// topologically sorts it, and reports which concepts are still gaps
// (mastery below the threshold). Ready means no gaps remain, or the only gap
// is the target itself.
func (e *Engine) GetLearningPath(ctx context.Context, targetID string, includeMastered bool) (*LearningPath, error) {
	visited := map[string]bool{targetID: true}
	order := []string{targetID}
	var pathEdges []*store.Edge
	queue := []string{targetID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		edges, err := e.store.GetEdges(ctx, store.EdgeFilter{
			TargetID:     current,
			RelationType: store.RelationPrerequisite,
		})
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			pathEdges = append(pathEdges, edge)
			if !visited[edge.SourceID] {
				visited[edge.SourceID] = true
				order = append(order, edge.SourceID)
				queue = append(queue, edge.SourceID)
			}
		}
	}

	sorted := topologicalSort(order, pathEdges)

	path := []*store.Node{}
	gaps := []*store.Node{}
	for _, id := range sorted {
		node, err := e.store.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		if node.MasteryLevel < MasteryThreshold {
			gaps = append(gaps, node)
		}
		if includeMastered || node.MasteryLevel < MasteryThreshold {
			path = append(path, node)
		}
	}

	return &LearningPath{
		Target:             targetID,
		Path:               path,
		Gaps:               gaps,
		TotalPrerequisites: len(order) - 1,
		GapsCount:          len(gaps),
		Ready:              len(gaps) == 0 || (len(gaps) == 1 && gaps[0].ID == targetID),
	}, nil
}

// topologicalSort orders node IDs with Kahn's algorithm over the
// prerequisite edges whose endpoints both lie in the set. Prerequisite-free
// nodes come first. The prerequisite graph is acyclic by the insertion
// invariant, so every input node is emitted exactly once.
func topologicalSort(nodeIDs []string, edges []*store.Edge) []string {
	inSet := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		inSet[id] = true
	}

	inDegree := make(map[string]int, len(nodeIDs))
	adjacency := make(map[string][]string, len(nodeIDs))
	seen := make(map[string]bool) // the closure BFS can touch an edge twice

	for _, edge := range edges {
		if edge.RelationType != store.RelationPrerequisite {
			continue
		}
		if !inSet[edge.SourceID] || !inSet[edge.TargetID] {
			continue
		}
		key := edge.SourceID + "\x00" + edge.TargetID
		if seen[key] {
			continue
		}
		seen[key] = true
		adjacency[edge.SourceID] = append(adjacency[edge.SourceID], edge.TargetID)
		inDegree[edge.TargetID]++
	}

	var queue, result []string
	for _, id := range nodeIDs {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)

		for _, next := range adjacency[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	return result
}

// Query executes a derived query. nodeID is required only for
// TypePrerequisites; domain and limit restrict all result sets.
func (e *Engine) Query(ctx context.Context, t Type, nodeID, domain string, limit int) (*Result, error) {
	if limit <= 0 {
		limit = 10
	}

	switch t {
	case TypePrerequisites:
		return e.queryPrerequisites(ctx, nodeID, limit)
	case TypeReadyToLearn:
		return e.queryReadyToLearn(ctx, domain, limit)
	case TypeDueForReview:
		return e.queryDueForReview(ctx, domain, limit)
	case TypeStruggling:
		return e.queryStruggling(ctx, domain, limit)
	case TypeStalled:
		return e.queryStalled(ctx, domain, limit)
	case TypeMisconceptions:
		return e.queryMisconceptions(ctx, domain, limit)
	case TypeKnowledgeGaps:
		return e.queryKnowledgeGaps(ctx, domain, limit)
	case TypeNextRecommended:
		return e.queryNextRecommended(ctx, domain, limit)
	case TypeAllNodes:
		return e.queryAllNodes(ctx, domain, limit)
	}
	return nil, fmt.Errorf("%w: unknown query type %q", store.ErrInvalidInput, t)
}

func (e *Engine) queryPrerequisites(ctx context.Context, nodeID string, limit int) (*Result, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("%w: node_id is required for prerequisites query", store.ErrInvalidInput)
	}

	nodes, edges, err := e.GetSubgraph(ctx, nodeID, prerequisiteDepth, DirectionUpstream)
	if err != nil {
		return nil, err
	}

	var prereqEdges []*store.Edge
	for _, edge := range edges {
		if edge.RelationType == store.RelationPrerequisite {
			prereqEdges = append(prereqEdges, edge)
		}
	}

	total := len(nodes)
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}

	return &Result{
		QueryType:  TypePrerequisites,
		TargetNode: nodeID,
		Nodes:      nodes,
		Edges:      prereqEdges,
		Count:      len(nodes),
		TotalCount: total,
	}, nil
}

func (e *Engine) queryReadyToLearn(ctx context.Context, domain string, limit int) (*Result, error) {
	threshold := MasteryThreshold
	candidates, err := e.store.ListNodes(ctx, store.NodeFilter{
		Domain:       domain,
		MasteryBelow: &threshold,
	})
	if err != nil {
		return nil, err
	}

	var ready []*store.Node
	for _, node := range candidates {
		ok, err := e.prerequisitesMastered(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, node)
		}
		if len(ready) >= limit {
			break
		}
	}

	return &Result{QueryType: TypeReadyToLearn, Nodes: ready, Count: len(ready)}, nil
}

// prerequisitesMastered reports whether every direct prerequisite of the node
// meets the mastery threshold. Nodes without prerequisites trivially qualify.
func (e *Engine) prerequisitesMastered(ctx context.Context, nodeID string) (bool, error) {
	edges, err := e.store.GetEdges(ctx, store.EdgeFilter{
		TargetID:     nodeID,
		RelationType: store.RelationPrerequisite,
	})
	if err != nil {
		return false, err
	}

	for _, edge := range edges {
		prereq, err := e.store.GetNode(ctx, edge.SourceID)
		if err != nil {
			return false, err
		}
		if prereq != nil && prereq.MasteryLevel < MasteryThreshold {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) queryDueForReview(ctx context.Context, domain string, limit int) (*Result, error) {
	now := e.now()
	nodes, err := e.store.ListNodes(ctx, store.NodeFilter{
		Domain:    domain,
		DueBefore: &now,
		OrderBy:   store.OrderByNextReview,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	return &Result{QueryType: TypeDueForReview, Nodes: nodes, Count: len(nodes)}, nil
}

func (e *Engine) queryStruggling(ctx context.Context, domain string, limit int) (*Result, error) {
	difficulty, mastery := 0.5, 0.4
	nodes, err := e.store.ListNodes(ctx, store.NodeFilter{
		Domain:          domain,
		DifficultyAbove: &difficulty,
		MasteryBelow:    &mastery,
		OrderBy:         store.OrderByStrugglingScore,
		Limit:           limit,
	})
	if err != nil {
		return nil, err
	}
	return &Result{QueryType: TypeStruggling, Nodes: nodes, Count: len(nodes)}, nil
}

func (e *Engine) queryStalled(ctx context.Context, domain string, limit int) (*Result, error) {
	mastery := 0.5
	nodes, err := e.store.ListNodes(ctx, store.NodeFilter{
		Domain:         domain,
		MasteryBelow:   &mastery,
		MinReviewCount: 3,
		OrderBy:        store.OrderByReviewCount,
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}
	return &Result{QueryType: TypeStalled, Nodes: nodes, Count: len(nodes)}, nil
}

func (e *Engine) queryMisconceptions(ctx context.Context, domain string, limit int) (*Result, error) {
	nodes, err := e.store.ListNodes(ctx, store.NodeFilter{
		Domain:             domain,
		WithMisconceptions: true,
		Limit:              limit,
	})
	if err != nil {
		return nil, err
	}
	return &Result{QueryType: TypeMisconceptions, Nodes: nodes, Count: len(nodes)}, nil
}

func (e *Engine) queryKnowledgeGaps(ctx context.Context, domain string, limit int) (*Result, error) {
	nodes, err := e.store.KnowledgeGaps(ctx, domain, 0.6, limit)
	if err != nil {
		return nil, err
	}
	return &Result{QueryType: TypeKnowledgeGaps, Nodes: nodes, Count: len(nodes)}, nil
}

// queryNextRecommended merges overdue reviews, blocking knowledge gaps, and
// newly available concepts, in that priority order.
func (e *Engine) queryNextRecommended(ctx context.Context, domain string, limit int) (*Result, error) {
	var recommendations []Recommendation
	chosen := make(map[string]bool)

	due, err := e.queryDueForReview(ctx, domain, 3)
	if err != nil {
		return nil, err
	}
	for _, node := range due.Nodes {
		recommendations = append(recommendations, Recommendation{
			Node:     node,
			Reason:   "Due for review",
			Priority: 1,
		})
		chosen[node.ID] = true
	}

	gaps, err := e.queryKnowledgeGaps(ctx, domain, 3)
	if err != nil {
		return nil, err
	}
	for _, node := range gaps.Nodes {
		if chosen[node.ID] {
			continue
		}
		recommendations = append(recommendations, Recommendation{
			Node:     node,
			Reason:   "Knowledge gap blocking other concepts",
			Priority: 2,
		})
		chosen[node.ID] = true
	}

	ready, err := e.queryReadyToLearn(ctx, domain, 3)
	if err != nil {
		return nil, err
	}
	for _, node := range ready.Nodes {
		if chosen[node.ID] {
			continue
		}
		recommendations = append(recommendations, Recommendation{
			Node:     node,
			Reason:   "Prerequisites mastered, ready to learn",
			Priority: 3,
		})
		chosen[node.ID] = true
	}

	sort.SliceStable(recommendations, func(i, j int) bool {
		return recommendations[i].Priority < recommendations[j].Priority
	})
	if len(recommendations) > limit {
		recommendations = recommendations[:limit]
	}

	return &Result{
		QueryType:       TypeNextRecommended,
		Recommendations: recommendations,
		Count:           len(recommendations),
	}, nil
}

func (e *Engine) queryAllNodes(ctx context.Context, domain string, limit int) (*Result, error) {
	nodes, err := e.store.ListNodes(ctx, store.NodeFilter{
		Domain:  domain,
		OrderBy: store.OrderByConcept,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return &Result{QueryType: TypeAllNodes, Nodes: nodes, Count: len(nodes)}, nil
}
