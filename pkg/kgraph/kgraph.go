// Package kgraph wires the graph store, traversal engine, and diagram
// renderer into a single facade for tracking learning progress over a
// knowledge graph.
package kgraph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/mermaid"
	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/metrics"
	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/query"
	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/store"
	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/trace"
)

// DefaultDBPath returns the default database location under the user's home
// directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".knowledge_graph", "knowledge.db")
	}
	return filepath.Join(home, ".knowledge_graph", "knowledge.db")
}

// Config holds configuration for the knowledge graph system.
type Config struct {
	// DBPath is the SQLite database location.
	// Default: ~/.knowledge_graph/knowledge.db. Use ":memory:" for tests.
	DBPath string

	// Logger receives structured operation logs (default: slog.Default()).
	Logger *slog.Logger

	// Metrics collects operation counters and gauges (default: no-op).
	Metrics metrics.Collector

	// Trace exports per-operation trace records (default: none).
	Trace trace.Exporter

	// Clock overrides the time source, for testing.
	Clock func() time.Time
}

// Graph is the main entry point for the learning tracker.
type Graph struct {
	store   store.GraphStore
	engine  *query.Engine
	logger  *slog.Logger
	metrics metrics.Collector
	trace   trace.Exporter
	now     func() time.Time
}

// New creates a new Graph instance, opening (and if needed initializing)
// the backing database.
func New(cfg Config) (*Graph, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopCollector()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	gs, err := store.NewSQLiteGraphStore(cfg.DBPath, store.WithClock(now))
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}

	return &Graph{
		store:   gs,
		engine:  query.NewEngine(gs, query.WithClock(now)),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		trace:   cfg.Trace,
		now:     now,
	}, nil
}

// Store exposes the underlying graph store for direct access.
func (g *Graph) Store() store.GraphStore {
	return g.store
}

// Close releases the database and flushes the trace exporter.
func (g *Graph) Close() error {
	if g.trace != nil {
		if err := g.trace.Close(); err != nil {
			g.logger.Warn("trace exporter close failed", "error", err)
		}
	}
	return g.store.Close()
}

// AddNode creates a concept node.
func (g *Graph) AddNode(ctx context.Context, in AddNodeInput) *AddNodeResult {
	start := time.Now()

	difficulty := 0.5
	if in.Difficulty != nil {
		difficulty = *in.Difficulty
	}

	node, err := g.store.AddNode(ctx, &store.NodeCreate{
		Concept:     in.Concept,
		Description: in.Description,
		Domain:      in.Domain,
		Difficulty:  difficulty,
		Tags:        in.Tags,
		NodeID:      in.NodeID,
	})
	if err != nil {
		g.finishOp(ctx, "add_node", start, err, nil)
		return &AddNodeResult{Status: failure(err)}
	}

	g.finishOp(ctx, "add_node", start, nil, map[string]interface{}{"nodeId": node.ID})
	g.refreshStorageGauges(ctx)
	return &AddNodeResult{
		Status:  success(),
		Node:    node,
		Message: fmt.Sprintf("Created node %q with ID %q", node.Concept, node.ID),
	}
}

// AddEdge creates a relationship between two concepts. Source and target
// accept node IDs or concept names.
func (g *Graph) AddEdge(ctx context.Context, in AddEdgeInput) *AddEdgeResult {
	start := time.Now()

	sourceID, err := g.resolve(ctx, "source node", in.Source)
	if err != nil {
		g.finishOp(ctx, "add_edge", start, err, nil)
		return &AddEdgeResult{Status: failure(err)}
	}
	targetID, err := g.resolve(ctx, "target node", in.Target)
	if err != nil {
		g.finishOp(ctx, "add_edge", start, err, nil)
		return &AddEdgeResult{Status: failure(err)}
	}

	strength := 1.0
	if in.Strength != nil {
		strength = *in.Strength
	}

	edge, err := g.store.AddEdge(ctx, &store.EdgeCreate{
		SourceID:     sourceID,
		TargetID:     targetID,
		RelationType: store.RelationType(in.RelationType),
		Strength:     strength,
		Reasoning:    in.Reasoning,
	})
	if err != nil {
		g.finishOp(ctx, "add_edge", start, err, nil)
		return &AddEdgeResult{Status: failure(err)}
	}

	g.finishOp(ctx, "add_edge", start, nil, map[string]interface{}{
		"sourceId": sourceID,
		"targetId": targetID,
	})
	g.refreshStorageGauges(ctx)
	return &AddEdgeResult{
		Status:  success(),
		Edge:    edge,
		Message: fmt.Sprintf("Created %s edge: %s -> %s", in.RelationType, sourceID, targetID),
	}
}

// UpdateNode applies a partial update to a node. A quality rating in the
// patch records a review and reschedules the node.
func (g *Graph) UpdateNode(ctx context.Context, in UpdateNodeInput) *UpdateNodeResult {
	start := time.Now()

	id, err := g.resolve(ctx, "node", in.Identifier)
	if err != nil {
		g.finishOp(ctx, "update_node", start, err, nil)
		return &UpdateNodeResult{Status: failure(err)}
	}

	node, err := g.store.UpdateNode(ctx, id, &in.Patch)
	if err != nil {
		g.finishOp(ctx, "update_node", start, err, map[string]interface{}{"nodeId": id})
		return &UpdateNodeResult{Status: failure(err)}
	}

	g.finishOp(ctx, "update_node", start, nil, map[string]interface{}{"nodeId": id})

	result := &UpdateNodeResult{
		Status:  success(),
		Node:    node,
		Message: fmt.Sprintf("Updated node %q", node.Concept),
	}
	if in.Patch.Quality != nil {
		result.ReviewRecorded = true
		result.IntervalDays = node.IntervalDays
		result.NextReviewAt = node.NextReviewAt
	}
	return result
}

// ReadSubgraph extracts the neighborhood around a center node and renders it
// in the requested output format.
func (g *Graph) ReadSubgraph(ctx context.Context, in ReadSubgraphInput) *ReadSubgraphResult {
	start := time.Now()

	if in.Direction == "" {
		in.Direction = string(query.DirectionBoth)
	}
	if in.OutputFormat == "" {
		in.OutputFormat = OutputBoth
	}
	if err := validateOutputFormat(in.OutputFormat); err != nil {
		g.finishOp(ctx, "read_subgraph", start, err, nil)
		return &ReadSubgraphResult{Status: failure(err)}
	}

	centerID, err := g.resolve(ctx, "node", in.Center)
	if err != nil {
		g.finishOp(ctx, "read_subgraph", start, err, nil)
		return &ReadSubgraphResult{Status: failure(err)}
	}

	traverseStart := time.Now()
	nodes, edges, err := g.engine.GetSubgraph(ctx, centerID, in.Depth, query.Direction(in.Direction))
	if err != nil {
		g.finishOp(ctx, "read_subgraph", start, err, map[string]interface{}{"nodeId": centerID})
		return &ReadSubgraphResult{Status: failure(err)}
	}
	g.metrics.RecordStage(ctx, "read_subgraph", "traverse", time.Since(traverseStart).Milliseconds())

	g.finishOp(ctx, "read_subgraph", start, nil, map[string]interface{}{
		"nodeId":    centerID,
		"nodeCount": len(nodes),
		"edgeCount": len(edges),
	})

	result := &ReadSubgraphResult{
		Status:     success(),
		CenterNode: centerID,
		Depth:      in.Depth,
		Direction:  in.Direction,
		NodeCount:  len(nodes),
		EdgeCount:  len(edges),
	}

	includeMastery := in.IncludeMastery == nil || *in.IncludeMastery

	if in.OutputFormat == OutputJSON || in.OutputFormat == OutputBoth {
		if includeMastery {
			result.Nodes = nodes
		} else {
			for _, node := range nodes {
				result.NodeSummaries = append(result.NodeSummaries, NodeSummary{
					ID:      node.ID,
					Concept: node.Concept,
					Domain:  node.Domain,
				})
			}
		}
		result.Edges = edges
	}
	if in.OutputFormat == OutputMermaid || in.OutputFormat == OutputBoth {
		renderStart := time.Now()
		result.Mermaid = mermaid.Generate(nodes, edges, in.Title, g.now())
		g.metrics.RecordStage(ctx, "read_subgraph", "render", time.Since(renderStart).Milliseconds())
	}

	return result
}

// LearningPath returns the ordered prerequisite route to a target concept
// with gap analysis and a Mermaid rendering.
func (g *Graph) LearningPath(ctx context.Context, in LearningPathInput) *LearningPathResult {
	start := time.Now()

	targetID, err := g.resolve(ctx, "target concept", in.Target)
	if err != nil {
		g.finishOp(ctx, "get_learning_path", start, err, nil)
		return &LearningPathResult{Status: failure(err)}
	}

	traverseStart := time.Now()
	path, err := g.engine.GetLearningPath(ctx, targetID, in.IncludeMastered)
	if err != nil {
		g.finishOp(ctx, "get_learning_path", start, err, map[string]interface{}{"nodeId": targetID})
		return &LearningPathResult{Status: failure(err)}
	}
	g.metrics.RecordStage(ctx, "get_learning_path", "traverse", time.Since(traverseStart).Milliseconds())

	// Re-traverse for the rendering: the diagram shows the whole prerequisite
	// closure regardless of mastery filtering.
	nodes, edges, err := g.engine.GetSubgraph(ctx, targetID, 10, query.DirectionUpstream)
	if err != nil {
		g.finishOp(ctx, "get_learning_path", start, err, map[string]interface{}{"nodeId": targetID})
		return &LearningPathResult{Status: failure(err)}
	}

	g.finishOp(ctx, "get_learning_path", start, nil, map[string]interface{}{
		"nodeId":    targetID,
		"gapsCount": path.GapsCount,
	})

	renderStart := time.Now()
	diagram := mermaid.GenerateLearningPath(nodes, edges, targetID)
	g.metrics.RecordStage(ctx, "get_learning_path", "render", time.Since(renderStart).Milliseconds())

	return &LearningPathResult{
		Status:       success(),
		LearningPath: path,
		Mermaid:      diagram,
	}
}

// QueryGraph executes a derived query for learning insights.
func (g *Graph) QueryGraph(ctx context.Context, in QueryGraphInput) *QueryGraphResult {
	start := time.Now()

	queryType, err := query.ParseType(in.QueryType)
	if err != nil {
		g.finishOp(ctx, "query_graph", start, err, nil)
		return &QueryGraphResult{Status: failure(err)}
	}

	nodeID := ""
	if in.NodeID != "" {
		nodeID, err = g.resolve(ctx, "node", in.NodeID)
		if err != nil {
			g.finishOp(ctx, "query_graph", start, err, nil)
			return &QueryGraphResult{Status: failure(err)}
		}
	}

	result, err := g.engine.Query(ctx, queryType, nodeID, in.Domain, in.Limit)
	if err != nil {
		g.finishOp(ctx, "query_graph", start, err, nil)
		return &QueryGraphResult{Status: failure(err)}
	}

	g.finishOp(ctx, "query_graph", start, nil, map[string]interface{}{
		"queryType":   string(queryType),
		"resultCount": result.Count,
	})
	return &QueryGraphResult{Status: success(), Result: result}
}

// GetStatistics aggregates learning progress, optionally for one domain.
func (g *Graph) GetStatistics(ctx context.Context, domain string) *StatisticsResult {
	start := time.Now()

	stats, err := g.store.Statistics(ctx, domain)
	if err != nil {
		g.finishOp(ctx, "get_statistics", start, err, nil)
		return &StatisticsResult{Status: failure(err)}
	}

	g.finishOp(ctx, "get_statistics", start, nil, nil)
	return &StatisticsResult{Status: success(), Statistics: stats}
}

// resolve maps a human identifier to a node ID, turning a miss into a
// not-found error naming the role.
func (g *Graph) resolve(ctx context.Context, role, identifier string) (string, error) {
	id, err := g.store.ResolveNodeID(ctx, identifier)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s %q", store.ErrNodeNotFound, role, identifier)
	}
	return id, nil
}

// finishOp records the outcome of an operation in logs, metrics, and traces.
// The ids map carries identifiers and counts only, never concept content.
func (g *Graph) finishOp(ctx context.Context, op string, start time.Time, err error, ids map[string]interface{}) {
	durationMs := time.Since(start).Milliseconds()

	status := "success"
	kind := ""
	if err != nil {
		status = "error"
		kind = ClassifyError(err)
		g.metrics.RecordError(ctx, op, kind)
		g.logger.Error("operation failed",
			"operation", op, "error_kind", kind, "duration_ms", durationMs, "error", err)
	} else {
		g.logger.Debug("operation completed", "operation", op, "duration_ms", durationMs)
	}
	g.metrics.RecordOperation(ctx, op, status, durationMs)

	if g.trace == nil {
		return
	}
	record := &trace.TraceRecord{
		Timestamp:   start,
		OperationID: uuid.New().String(),
		Operation:   op,
		DurationMs:  durationMs,
		Status:      status,
		ErrorType:   kind,
		IDs:         ids,
	}
	if exportErr := g.trace.Export(ctx, record); exportErr != nil {
		g.logger.Warn("trace export failed", "operation", op, "error", exportErr)
	}
}

// refreshStorageGauges updates the stored-item gauges after a mutation.
func (g *Graph) refreshStorageGauges(ctx context.Context) {
	if nodes, err := g.store.NodeCount(ctx); err == nil {
		g.metrics.SetStorageCount(ctx, "nodes", nodes)
	}
	if edges, err := g.store.EdgeCount(ctx); err == nil {
		g.metrics.SetStorageCount(ctx, "edges", edges)
	}
}

func validateOutputFormat(format string) error {
	switch format {
	case OutputJSON, OutputMermaid, OutputBoth:
		return nil
	}
	return fmt.Errorf("%w: unknown output format %q", store.ErrInvalidInput, format)
}
