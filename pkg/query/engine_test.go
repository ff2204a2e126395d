package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/store"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func setupEngine(t *testing.T) (*Engine, *store.SQLiteGraphStore) {
	t.Helper()
	gs, err := store.NewSQLiteGraphStore(":memory:", store.WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { gs.Close() })
	return NewEngine(gs, WithClock(func() time.Time { return fixedNow })), gs
}

func addNode(t *testing.T, gs *store.SQLiteGraphStore, concept, domain string) *store.Node {
	t.Helper()
	node, err := gs.AddNode(context.Background(), &store.NodeCreate{Concept: concept, Domain: domain})
	if err != nil {
		t.Fatalf("AddNode(%q) failed: %v", concept, err)
	}
	return node
}

func addPrereq(t *testing.T, gs *store.SQLiteGraphStore, sourceID, targetID string) {
	t.Helper()
	_, err := gs.AddEdge(context.Background(), &store.EdgeCreate{
		SourceID:     sourceID,
		TargetID:     targetID,
		RelationType: store.RelationPrerequisite,
		Strength:     1.0,
	})
	if err != nil {
		t.Fatalf("AddEdge(%s -> %s) failed: %v", sourceID, targetID, err)
	}
}

func setMastery(t *testing.T, gs *store.SQLiteGraphStore, id string, mastery float64) {
	t.Helper()
	_, err := gs.UpdateNode(context.Background(), id, &store.NodeUpdate{MasteryLevel: &mastery})
	if err != nil {
		t.Fatalf("UpdateNode(%s) failed: %v", id, err)
	}
}

// buildChain creates the prerequisite chain a -> b -> c -> d.
func buildChain(t *testing.T, gs *store.SQLiteGraphStore) {
	t.Helper()
	for _, concept := range []string{"A", "B", "C", "D"} {
		addNode(t, gs, concept, "math")
	}
	addPrereq(t, gs, "a", "b")
	addPrereq(t, gs, "b", "c")
	addPrereq(t, gs, "c", "d")
}

// TestGetSubgraph_DepthZero tests that depth 0 yields only the center.
func TestGetSubgraph_DepthZero(t *testing.T) {
	engine, gs := setupEngine(t)
	buildChain(t, gs)

	nodes, edges, err := engine.GetSubgraph(context.Background(), "b", 0, DirectionBoth)
	if err != nil {
		t.Fatalf("GetSubgraph failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "b" {
		t.Errorf("Expected only the center node, got %v", nodes)
	}
	if len(edges) != 0 {
		t.Errorf("Expected no edges at depth 0, got %d", len(edges))
	}
}

// TestGetSubgraph_Upstream tests bounded traversal toward prerequisites.
func TestGetSubgraph_Upstream(t *testing.T) {
	engine, gs := setupEngine(t)
	buildChain(t, gs)

	ctx := context.Background()

	nodes, edges, err := engine.GetSubgraph(ctx, "d", 1, DirectionUpstream)
	if err != nil {
		t.Fatalf("GetSubgraph failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 nodes at depth 1, got %d", len(nodes))
	}
	if nodes[0].ID != "d" || nodes[1].ID != "c" {
		t.Errorf("Expected discovery order [d c], got [%s %s]", nodes[0].ID, nodes[1].ID)
	}
	if len(edges) != 1 {
		t.Errorf("Expected 1 edge at depth 1, got %d", len(edges))
	}

	nodes, _, err = engine.GetSubgraph(ctx, "d", 10, DirectionUpstream)
	if err != nil {
		t.Fatalf("GetSubgraph failed: %v", err)
	}
	if len(nodes) != 4 {
		t.Errorf("Expected full upstream closure of 4 nodes, got %d", len(nodes))
	}
}

// TestGetSubgraph_Downstream tests traversal toward dependents.
func TestGetSubgraph_Downstream(t *testing.T) {
	engine, gs := setupEngine(t)
	buildChain(t, gs)

	nodes, _, err := engine.GetSubgraph(context.Background(), "a", 2, DirectionDownstream)
	if err != nil {
		t.Fatalf("GetSubgraph failed: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("Expected nodes a, b, c, got %d", len(nodes))
	}
	for i, want := range []string{"a", "b", "c"} {
		if nodes[i].ID != want {
			t.Errorf("nodes[%d] = %s, want %s", i, nodes[i].ID, want)
		}
	}
}

// TestGetSubgraph_BothRevisitsEdges tests that both-direction traversal
// reports an edge from each endpoint it expands.
func TestGetSubgraph_BothRevisitsEdges(t *testing.T) {
	engine, gs := setupEngine(t)
	addNode(t, gs, "A", "")
	addNode(t, gs, "B", "")
	addPrereq(t, gs, "a", "b")

	nodes, edges, err := engine.GetSubgraph(context.Background(), "a", 2, DirectionBoth)
	if err != nil {
		t.Fatalf("GetSubgraph failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("Expected 2 nodes, got %d", len(nodes))
	}
	// a expands downstream over a->b, then b expands upstream over the same
	// edge. Both sightings are kept.
	if len(edges) != 2 {
		t.Errorf("Expected the edge reported twice, got %d", len(edges))
	}
}

// TestGetSubgraph_Validation tests input validation.
func TestGetSubgraph_Validation(t *testing.T) {
	engine, gs := setupEngine(t)
	addNode(t, gs, "A", "")

	_, _, err := engine.GetSubgraph(context.Background(), "a", -1, DirectionBoth)
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for negative depth, got %v", err)
	}

	_, _, err = engine.GetSubgraph(context.Background(), "a", 1, "sideways")
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for bad direction, got %v", err)
	}
}

// TestGetLearningPath tests closure, ordering, gaps, and readiness.
func TestGetLearningPath(t *testing.T) {
	engine, gs := setupEngine(t)
	buildChain(t, gs)

	ctx := context.Background()
	setMastery(t, gs, "a", 0.9)
	setMastery(t, gs, "b", 0.3)

	path, err := engine.GetLearningPath(ctx, "d", false)
	if err != nil {
		t.Fatalf("GetLearningPath failed: %v", err)
	}

	if path.TotalPrerequisites != 3 {
		t.Errorf("Expected 3 prerequisites, got %d", path.TotalPrerequisites)
	}
	if path.GapsCount != 3 {
		t.Errorf("Expected gaps b, c, d, got %d", path.GapsCount)
	}
	if path.Ready {
		t.Error("Path with prerequisite gaps must not be ready")
	}
	// Mastered a is filtered out; remaining path keeps prerequisite order.
	if len(path.Path) != 3 {
		t.Fatalf("Expected path of 3, got %d", len(path.Path))
	}
	for i, want := range []string{"b", "c", "d"} {
		if path.Path[i].ID != want {
			t.Errorf("path[%d] = %s, want %s", i, path.Path[i].ID, want)
		}
	}

	withMastered, err := engine.GetLearningPath(ctx, "d", true)
	if err != nil {
		t.Fatalf("GetLearningPath failed: %v", err)
	}
	if len(withMastered.Path) != 4 || withMastered.Path[0].ID != "a" {
		t.Errorf("Expected full ordered path starting at a, got %v", withMastered.Path)
	}
}

// TestGetLearningPath_ReadyWhenOnlyTargetRemains tests the readiness rule.
func TestGetLearningPath_ReadyWhenOnlyTargetRemains(t *testing.T) {
	engine, gs := setupEngine(t)
	buildChain(t, gs)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		setMastery(t, gs, id, 0.85)
	}

	path, err := engine.GetLearningPath(ctx, "d", false)
	if err != nil {
		t.Fatalf("GetLearningPath failed: %v", err)
	}
	if !path.Ready {
		t.Error("Target with all prerequisites mastered should be ready")
	}
	if path.GapsCount != 1 || path.Gaps[0].ID != "d" {
		t.Errorf("Expected the target as the only gap, got %v", path.Gaps)
	}
}

// TestTopologicalSort tests Kahn ordering over a diamond.
func TestTopologicalSort(t *testing.T) {
	edge := func(src, dst string) *store.Edge {
		return &store.Edge{SourceID: src, TargetID: dst, RelationType: store.RelationPrerequisite}
	}
	// a -> b, a -> c, b -> d, c -> d
	sorted := topologicalSort(
		[]string{"d", "b", "c", "a"},
		[]*store.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")},
	)

	if len(sorted) != 4 {
		t.Fatalf("Expected 4 nodes, got %d", len(sorted))
	}
	pos := make(map[string]int, len(sorted))
	for i, id := range sorted {
		pos[id] = i
	}
	for _, pair := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		if pos[pair[0]] > pos[pair[1]] {
			t.Errorf("%s must sort before %s, got %v", pair[0], pair[1], sorted)
		}
	}
}

// TestQuery_ReadyToLearn tests the prerequisite-mastery gate.
func TestQuery_ReadyToLearn(t *testing.T) {
	engine, gs := setupEngine(t)
	buildChain(t, gs)

	ctx := context.Background()
	setMastery(t, gs, "a", 0.9)

	res, err := engine.Query(ctx, TypeReadyToLearn, "", "", 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	// a is mastered (excluded as a candidate), b's prerequisite is mastered,
	// c and d are blocked.
	if res.Count != 1 || res.Nodes[0].ID != "b" {
		t.Errorf("Expected only b ready to learn, got %v", res.Nodes)
	}
}

// TestQuery_DueForReview tests the scheduling filter through the engine clock.
func TestQuery_DueForReview(t *testing.T) {
	engine, gs := setupEngine(t)
	node := addNode(t, gs, "Scheduled", "")
	addNode(t, gs, "Unscheduled", "")

	ctx := context.Background()
	quality := 5
	if _, err := gs.UpdateNode(ctx, node.ID, &store.NodeUpdate{Quality: &quality}); err != nil {
		t.Fatalf("UpdateNode failed: %v", err)
	}

	res, err := engine.Query(ctx, TypeDueForReview, "", "", 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Count != 0 {
		t.Errorf("Nothing should be due before the interval elapses, got %d", res.Count)
	}

	lateEngine := NewEngine(gs, WithClock(func() time.Time { return fixedNow.AddDate(0, 0, 2) }))
	res, err = lateEngine.Query(ctx, TypeDueForReview, "", "", 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Count != 1 || res.Nodes[0].ID != node.ID {
		t.Errorf("Expected the reviewed node due after 2 days, got %v", res.Nodes)
	}
}

// TestQuery_NextRecommended tests the priority merge and deduplication.
func TestQuery_NextRecommended(t *testing.T) {
	_, gs := setupEngine(t)
	ctx := context.Background()

	// due: reviewed in the past, checked from a later clock.
	due := addNode(t, gs, "Due", "")
	quality := 5
	if _, err := gs.UpdateNode(ctx, due.ID, &store.NodeUpdate{Quality: &quality}); err != nil {
		t.Fatalf("UpdateNode failed: %v", err)
	}

	// gap: low mastery blocking another concept.
	gap := addNode(t, gs, "Gap", "")
	blocked := addNode(t, gs, "Blocked", "")
	addPrereq(t, gs, gap.ID, blocked.ID)

	// fresh: no prerequisites, immediately learnable.
	fresh := addNode(t, gs, "Fresh", "")

	lateEngine := NewEngine(gs, WithClock(func() time.Time { return fixedNow.AddDate(0, 0, 2) }))
	res, err := lateEngine.Query(ctx, TypeNextRecommended, "", "", 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(res.Recommendations) == 0 {
		t.Fatal("Expected recommendations")
	}
	if res.Recommendations[0].Node.ID != due.ID || res.Recommendations[0].Priority != 1 {
		t.Errorf("Expected the due node first at priority 1, got %+v", res.Recommendations[0])
	}

	seen := make(map[string]bool)
	lastPriority := 0
	for _, rec := range res.Recommendations {
		if seen[rec.Node.ID] {
			t.Errorf("Node %s recommended twice", rec.Node.ID)
		}
		seen[rec.Node.ID] = true
		if rec.Priority < lastPriority {
			t.Errorf("Recommendations out of priority order: %+v", res.Recommendations)
		}
		lastPriority = rec.Priority
	}
	if !seen[gap.ID] {
		t.Errorf("Expected the blocking gap %s recommended", gap.ID)
	}
	if !seen[fresh.ID] {
		t.Errorf("Expected the learnable node %s recommended", fresh.ID)
	}
}

// TestQuery_Prerequisites tests the node-scoped query and its requirement.
func TestQuery_Prerequisites(t *testing.T) {
	engine, gs := setupEngine(t)
	buildChain(t, gs)

	ctx := context.Background()

	_, err := engine.Query(ctx, TypePrerequisites, "", "", 10)
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput without node_id, got %v", err)
	}

	res, err := engine.Query(ctx, TypePrerequisites, "c", "", 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Count != 3 {
		t.Errorf("Expected c plus 2 prerequisites, got %d", res.Count)
	}
	if res.TargetNode != "c" {
		t.Errorf("Expected target node c, got %s", res.TargetNode)
	}
	if len(res.Edges) != 2 {
		t.Errorf("Expected 2 prerequisite edges, got %d", len(res.Edges))
	}
}

// TestQuery_AllNodesAndDomain tests listing with a domain restriction.
func TestQuery_AllNodesAndDomain(t *testing.T) {
	engine, gs := setupEngine(t)
	addNode(t, gs, "Calculus", "math")
	addNode(t, gs, "Parsing", "cs")

	res, err := engine.Query(context.Background(), TypeAllNodes, "", "math", 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Count != 1 || res.Nodes[0].Domain != "math" {
		t.Errorf("Expected only the math node, got %v", res.Nodes)
	}
}

// TestQuery_UnknownType tests type validation.
func TestQuery_UnknownType(t *testing.T) {
	engine, _ := setupEngine(t)

	_, err := engine.Query(context.Background(), Type("popularity"), "", "", 10)
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}

	if _, err := ParseType("ready_to_learn"); err != nil {
		t.Errorf("ParseType rejected a valid type: %v", err)
	}
	if _, err := ParseType("bogus"); !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput from ParseType, got %v", err)
	}
}
