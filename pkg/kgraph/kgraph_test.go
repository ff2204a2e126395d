package kgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/store"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := New(Config{
		DBPath: ":memory:",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func addTestNode(t *testing.T, g *Graph, concept, domain string) *store.Node {
	t.Helper()
	res := g.AddNode(context.Background(), AddNodeInput{Concept: concept, Domain: domain})
	if !res.Success {
		t.Fatalf("AddNode(%q) failed: %s", concept, res.Error)
	}
	return res.Node
}

func TestAddNode_Envelope(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	difficulty := 0.7
	res := g.AddNode(ctx, AddNodeInput{
		Concept:    "Quadratic Formula",
		Domain:     "mathematics",
		Difficulty: &difficulty,
		Tags:       []string{"algebra"},
	})
	if !res.Success {
		t.Fatalf("Expected success, got error: %s", res.Error)
	}
	if res.Node == nil || res.Node.ID != "quadratic_formula" {
		t.Errorf("Expected derived ID quadratic_formula, got %+v", res.Node)
	}
	if res.Node.Difficulty != 0.7 {
		t.Errorf("Expected difficulty 0.7, got %f", res.Node.Difficulty)
	}
	if !strings.Contains(res.Message, "quadratic_formula") {
		t.Errorf("Message should name the new ID, got %q", res.Message)
	}

	// Omitted difficulty defaults to 0.5.
	plain := g.AddNode(ctx, AddNodeInput{Concept: "Linear Equations"})
	if !plain.Success {
		t.Fatalf("Expected success, got error: %s", plain.Error)
	}
	if plain.Node.Difficulty != 0.5 {
		t.Errorf("Expected default difficulty 0.5, got %f", plain.Node.Difficulty)
	}

	dup := g.AddNode(ctx, AddNodeInput{Concept: "quadratic formula"})
	if dup.Success {
		t.Fatal("Expected duplicate to fail")
	}
	if dup.ErrorKind != ErrKindDuplicateID {
		t.Errorf("Expected error kind %s, got %s", ErrKindDuplicateID, dup.ErrorKind)
	}
	if dup.Node != nil {
		t.Error("Failed result must not carry a node")
	}
}

func TestAddEdge_ResolvesConceptNames(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	addTestNode(t, g, "Algebra", "math")
	addTestNode(t, g, "Quadratic Formula", "math")

	res := g.AddEdge(ctx, AddEdgeInput{
		Source:       "Algebra",
		Target:       "Quadratic Formula",
		RelationType: "prerequisite",
		Reasoning:    "algebraic manipulation comes first",
	})
	if !res.Success {
		t.Fatalf("Expected success, got: %s", res.Error)
	}
	if res.Edge.SourceID != "algebra" || res.Edge.TargetID != "quadratic_formula" {
		t.Errorf("Concept names not resolved: %+v", res.Edge)
	}
	if res.Edge.Strength != 1.0 {
		t.Errorf("Expected default strength 1.0, got %f", res.Edge.Strength)
	}

	// An explicit strength of zero is stored as given, not defaulted.
	zero := 0.0
	weak := g.AddEdge(ctx, AddEdgeInput{
		Source:       "Algebra",
		Target:       "Quadratic Formula",
		RelationType: "related_to",
		Strength:     &zero,
	})
	if !weak.Success {
		t.Fatalf("Expected success, got: %s", weak.Error)
	}
	if weak.Edge.Strength != 0.0 {
		t.Errorf("Explicit strength 0.0 stored as %f", weak.Edge.Strength)
	}

	missing := g.AddEdge(ctx, AddEdgeInput{
		Source: "Nonexistent", Target: "Algebra", RelationType: "prerequisite",
	})
	if missing.Success || missing.ErrorKind != ErrKindNotFound {
		t.Errorf("Expected not_found, got %+v", missing.Status)
	}

	cycle := g.AddEdge(ctx, AddEdgeInput{
		Source: "Quadratic Formula", Target: "Algebra", RelationType: "prerequisite",
	})
	if cycle.Success || cycle.ErrorKind != ErrKindCycleDetected {
		t.Errorf("Expected cycle_detected, got %+v", cycle.Status)
	}

	badRelation := g.AddEdge(ctx, AddEdgeInput{
		Source: "Algebra", Target: "Quadratic Formula", RelationType: "friend_of",
	})
	if badRelation.Success || badRelation.ErrorKind != ErrKindInvalidInput {
		t.Errorf("Expected invalid_input, got %+v", badRelation.Status)
	}
}

func TestUpdateNode_ReviewEnvelope(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	addTestNode(t, g, "Derivatives", "math")

	quality := 4
	res := g.UpdateNode(ctx, UpdateNodeInput{
		Identifier: "Derivatives", // concept name resolution
		Patch:      store.NodeUpdate{Quality: &quality},
	})
	if !res.Success {
		t.Fatalf("Expected success, got: %s", res.Error)
	}
	if !res.ReviewRecorded {
		t.Error("Expected review_recorded for a quality update")
	}
	if res.IntervalDays != 1 {
		t.Errorf("Expected interval 1 for first review, got %d", res.IntervalDays)
	}
	if res.NextReviewAt == nil {
		t.Error("Expected next review timestamp")
	}

	// Non-review update carries no review fields.
	difficulty := 0.8
	plain := g.UpdateNode(ctx, UpdateNodeInput{
		Identifier: "derivatives",
		Patch:      store.NodeUpdate{Difficulty: &difficulty},
	})
	if !plain.Success {
		t.Fatalf("Expected success, got: %s", plain.Error)
	}
	if plain.ReviewRecorded {
		t.Error("Plain update must not record a review")
	}

	ghost := g.UpdateNode(ctx, UpdateNodeInput{Identifier: "ghost"})
	if ghost.Success || ghost.ErrorKind != ErrKindNotFound {
		t.Errorf("Expected not_found, got %+v", ghost.Status)
	}
}

func TestReadSubgraph_Formats(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	addTestNode(t, g, "Sets", "math")
	addTestNode(t, g, "Functions", "math")
	edge := g.AddEdge(ctx, AddEdgeInput{Source: "sets", Target: "functions", RelationType: "prerequisite"})
	if !edge.Success {
		t.Fatalf("AddEdge failed: %s", edge.Error)
	}

	// Default output is both, with full mastery data per node.
	res := g.ReadSubgraph(ctx, ReadSubgraphInput{Center: "Functions", Depth: 2})
	if !res.Success {
		t.Fatalf("Expected success, got: %s", res.Error)
	}
	if res.CenterNode != "functions" {
		t.Errorf("Expected resolved center functions, got %s", res.CenterNode)
	}
	if res.NodeCount != 2 || res.EdgeCount != 1 {
		t.Errorf("Expected 2 nodes / 1 edge, got %d / %d", res.NodeCount, res.EdgeCount)
	}
	if len(res.Nodes) != 2 || res.NodeSummaries != nil {
		t.Errorf("Expected full nodes by default, got %+v", res)
	}
	if !strings.Contains(res.Mermaid, "graph TD") {
		t.Errorf("Expected mermaid output, got %q", res.Mermaid)
	}

	// Opting out of mastery data reduces nodes to summaries.
	noMastery := false
	reduced := g.ReadSubgraph(ctx, ReadSubgraphInput{
		Center: "functions", Depth: 1, IncludeMastery: &noMastery, OutputFormat: OutputJSON,
	})
	if !reduced.Success {
		t.Fatalf("Expected success, got: %s", reduced.Error)
	}
	if len(reduced.NodeSummaries) != 2 || reduced.Nodes != nil {
		t.Errorf("Expected summaries without mastery, got %+v", reduced)
	}
	if reduced.Mermaid != "" {
		t.Errorf("JSON-only output must not render mermaid")
	}

	diagram := g.ReadSubgraph(ctx, ReadSubgraphInput{
		Center: "functions", Depth: 1, OutputFormat: OutputMermaid,
	})
	if !diagram.Success {
		t.Fatalf("Expected success, got: %s", diagram.Error)
	}
	if diagram.Nodes != nil || diagram.NodeSummaries != nil || diagram.Edges != nil {
		t.Errorf("Mermaid-only output must not carry node payloads")
	}

	badFormat := g.ReadSubgraph(ctx, ReadSubgraphInput{Center: "functions", OutputFormat: "yaml"})
	if badFormat.Success || badFormat.ErrorKind != ErrKindInvalidInput {
		t.Errorf("Expected invalid_input for bad format, got %+v", badFormat.Status)
	}

	badDirection := g.ReadSubgraph(ctx, ReadSubgraphInput{Center: "functions", Direction: "sideways"})
	if badDirection.Success || badDirection.ErrorKind != ErrKindInvalidInput {
		t.Errorf("Expected invalid_input for bad direction, got %+v", badDirection.Status)
	}

	missing := g.ReadSubgraph(ctx, ReadSubgraphInput{Center: "ghost"})
	if missing.Success || missing.ErrorKind != ErrKindNotFound {
		t.Errorf("Expected not_found for unknown center, got %+v", missing.Status)
	}
}

func TestLearningPath_Envelope(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	addTestNode(t, g, "Arithmetic", "math")
	addTestNode(t, g, "Algebra", "math")
	addTestNode(t, g, "Calculus", "math")
	for _, pair := range [][2]string{{"arithmetic", "algebra"}, {"algebra", "calculus"}} {
		if res := g.AddEdge(ctx, AddEdgeInput{
			Source: pair[0], Target: pair[1], RelationType: "prerequisite",
		}); !res.Success {
			t.Fatalf("AddEdge failed: %s", res.Error)
		}
	}
	mastery := 0.9
	if res := g.UpdateNode(ctx, UpdateNodeInput{
		Identifier: "arithmetic",
		Patch:      store.NodeUpdate{MasteryLevel: &mastery},
	}); !res.Success {
		t.Fatalf("UpdateNode failed: %s", res.Error)
	}

	res := g.LearningPath(ctx, LearningPathInput{Target: "Calculus"})
	if !res.Success {
		t.Fatalf("Expected success, got: %s", res.Error)
	}
	if res.Target != "calculus" {
		t.Errorf("Expected resolved target calculus, got %s", res.Target)
	}
	if res.TotalPrerequisites != 2 || res.GapsCount != 2 {
		t.Errorf("Expected 2 prerequisites and 2 gaps, got %d / %d",
			res.TotalPrerequisites, res.GapsCount)
	}
	if len(res.Path) != 2 || res.Path[0].ID != "algebra" {
		t.Errorf("Expected unmastered path [algebra calculus], got %v", res.Path)
	}
	if !strings.Contains(res.Mermaid, ":::target") {
		t.Errorf("Expected target highlighted in mermaid:\n%s", res.Mermaid)
	}

	missing := g.LearningPath(ctx, LearningPathInput{Target: "ghost"})
	if missing.Success || missing.ErrorKind != ErrKindNotFound {
		t.Errorf("Expected not_found, got %+v", missing.Status)
	}
}

func TestQueryGraph_Envelope(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	addTestNode(t, g, "Alpha", "math")
	addTestNode(t, g, "Beta", "math")

	res := g.QueryGraph(ctx, QueryGraphInput{QueryType: "all_nodes", Domain: "math"})
	if !res.Success {
		t.Fatalf("Expected success, got: %s", res.Error)
	}
	if res.Count != 2 {
		t.Errorf("Expected 2 nodes, got %d", res.Count)
	}

	bad := g.QueryGraph(ctx, QueryGraphInput{QueryType: "popularity"})
	if bad.Success || bad.ErrorKind != ErrKindInvalidInput {
		t.Errorf("Expected invalid_input, got %+v", bad.Status)
	}

	prereqs := g.QueryGraph(ctx, QueryGraphInput{QueryType: "prerequisites", NodeID: "Alpha"})
	if !prereqs.Success {
		t.Fatalf("Expected success, got: %s", prereqs.Error)
	}
	if prereqs.TargetNode != "alpha" {
		t.Errorf("Expected resolved node alpha, got %s", prereqs.TargetNode)
	}

	missing := g.QueryGraph(ctx, QueryGraphInput{QueryType: "prerequisites", NodeID: "ghost"})
	if missing.Success || missing.ErrorKind != ErrKindNotFound {
		t.Errorf("Expected not_found, got %+v", missing.Status)
	}
}

func TestGetStatistics_Envelope(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	addTestNode(t, g, "Alpha", "math")

	res := g.GetStatistics(ctx, "")
	if !res.Success {
		t.Fatalf("Expected success, got: %s", res.Error)
	}
	if res.TotalConcepts != 1 {
		t.Errorf("Expected 1 concept, got %d", res.TotalConcepts)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{store.ErrInvalidInput, ErrKindInvalidInput},
		{fmt.Errorf("wrap: %w", store.ErrNodeNotFound), ErrKindNotFound},
		{store.ErrDuplicateNode, ErrKindDuplicateID},
		{store.ErrDuplicateEdge, ErrKindDuplicateEdge},
		{store.ErrCycleDetected, ErrKindCycleDetected},
		{errors.New("prerequisite cycle via x"), ErrKindCycleDetected},
		{errors.New("node 'x' not found"), ErrKindNotFound},
		{errors.New("concept cannot be empty"), ErrKindInvalidInput},
		{errors.New("disk I/O error"), ErrKindStoreFailure},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
