package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/kgraph"
	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/store"
)

var (
	rootCmd = &cobra.Command{
		Use:   "knowledge-graph",
		Short: "Track learning progress over a prerequisite-aware knowledge graph",
		Long: `knowledge-graph maintains a personal knowledge graph of concepts,
their relationships, and spaced-repetition review state. Every command
prints a JSON result envelope to stdout.

The database location is taken from --db, the KNOWLEDGE_GRAPH_DB_PATH
environment variable, or ~/.knowledge_graph/knowledge.db, in that order.`,
		SilenceUsage: true,
	}

	addNodeCmd = &cobra.Command{
		Use:   "add-node [concept]",
		Short: "Create a concept node",
		Args:  cobra.ExactArgs(1),
		RunE:  runAddNode,
	}
	addEdgeCmd = &cobra.Command{
		Use:   "add-edge [source] [target]",
		Short: "Create a relationship between two concepts",
		Long: `Create a typed edge between two concepts. Source and target accept
node IDs or concept names. Prerequisite edges are checked for cycles.`,
		Args: cobra.ExactArgs(2),
		RunE: runAddEdge,
	}
	updateNodeCmd = &cobra.Command{
		Use:   "update-node [node]",
		Short: "Update a node's mastery, difficulty, or record a review",
		Long: `Apply a partial update to a node. Passing --quality records a review
session and reschedules the node with the spaced-repetition scheduler.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpdateNode,
	}
	queryCmd = &cobra.Command{
		Use:   "query [query-type]",
		Short: "Run a derived query (due_for_review, next_recommended, ...)",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	subgraphCmd = &cobra.Command{
		Use:   "subgraph [center]",
		Short: "Extract the neighborhood around a concept",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubgraph,
	}
	pathCmd = &cobra.Command{
		Use:   "path [target]",
		Short: "Show the ordered learning path to a target concept",
		Args:  cobra.ExactArgs(1),
		RunE:  runPath,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Summarize learning progress",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}

	dbPath  string
	verbose bool

	nodeDescription string
	nodeDomain      string
	nodeDifficulty  float64
	nodeTags        []string
	nodeID          string

	edgeType      string
	edgeStrength  float64
	edgeReasoning string

	updMasteryLevel  float64
	updRecall        float64
	updApplication   float64
	updExplanation   float64
	updQuality       int
	updDifficulty    float64
	updMisconception string
	updNotes         string

	queryNode   string
	queryDomain string
	queryLimit  int

	subDepth          int
	subDirection      string
	subFormat         string
	subIncludeMastery bool
	subTitle          string

	pathIncludeMastered bool

	statsDomain string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides KNOWLEDGE_GRAPH_DB_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging on stderr")

	addNodeCmd.Flags().StringVar(&nodeDescription, "description", "", "concept description")
	addNodeCmd.Flags().StringVar(&nodeDomain, "domain", "", "knowledge domain (e.g. mathematics)")
	addNodeCmd.Flags().Float64Var(&nodeDifficulty, "difficulty", 0.5, "cognitive load estimate, 0-1")
	addNodeCmd.Flags().StringSliceVar(&nodeTags, "tags", nil, "comma-separated tags")
	addNodeCmd.Flags().StringVar(&nodeID, "id", "", "explicit node ID (derived from concept when empty)")

	addEdgeCmd.Flags().StringVar(&edgeType, "type", "", "relation type: prerequisite, builds_on, related_to, contradicts, applies_to, parent_of")
	addEdgeCmd.Flags().Float64Var(&edgeStrength, "strength", 1.0, "relationship confidence, 0-1")
	addEdgeCmd.Flags().StringVar(&edgeReasoning, "reasoning", "", "why this relationship exists")
	addEdgeCmd.MarkFlagRequired("type")

	updateNodeCmd.Flags().Float64Var(&updMasteryLevel, "mastery", 0, "overall mastery override, 0-1")
	updateNodeCmd.Flags().Float64Var(&updRecall, "recall", 0, "recall mastery dimension, 0-1")
	updateNodeCmd.Flags().Float64Var(&updApplication, "application", 0, "application mastery dimension, 0-1")
	updateNodeCmd.Flags().Float64Var(&updExplanation, "explanation", 0, "explanation mastery dimension, 0-1")
	updateNodeCmd.Flags().IntVar(&updQuality, "quality", 0, "review quality rating, 0-5 (triggers scheduling)")
	updateNodeCmd.Flags().Float64Var(&updDifficulty, "difficulty", 0, "difficulty estimate, 0-1")
	updateNodeCmd.Flags().StringVar(&updMisconception, "misconception", "", "specific misconception observed")
	updateNodeCmd.Flags().StringVar(&updNotes, "notes", "", "observations about understanding")

	queryCmd.Flags().StringVar(&queryNode, "node", "", "focus node (required for prerequisites)")
	queryCmd.Flags().StringVar(&queryDomain, "domain", "", "restrict results to a domain")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 10, "maximum results")

	subgraphCmd.Flags().IntVar(&subDepth, "depth", 2, "edge hops from the center")
	subgraphCmd.Flags().StringVar(&subDirection, "direction", "both", "upstream, downstream, or both")
	subgraphCmd.Flags().StringVar(&subFormat, "format", "both", "output: json, mermaid, or both")
	subgraphCmd.Flags().BoolVar(&subIncludeMastery, "include-mastery", true, "include full mastery data per node")
	subgraphCmd.Flags().StringVar(&subTitle, "title", "", "diagram subgraph title")

	pathCmd.Flags().BoolVar(&pathIncludeMastered, "include-mastered", false, "keep already-mastered concepts in the path")

	statsCmd.Flags().StringVar(&statsDomain, "domain", "", "restrict statistics to a domain")

	rootCmd.AddCommand(addNodeCmd, addEdgeCmd, updateNodeCmd, queryCmd, subgraphCmd, pathCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openGraph builds the facade from the global flags and environment.
func openGraph() (*kgraph.Graph, error) {
	path := dbPath
	if path == "" {
		path = os.Getenv("KNOWLEDGE_GRAPH_DB_PATH")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return kgraph.New(kgraph.Config{DBPath: path, Logger: logger})
}

// emit prints the result envelope as indented JSON. A failed operation exits
// non-zero after the envelope has been written.
func emit(result interface{}, ok bool) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if !ok {
		os.Exit(1)
	}
	return nil
}

func runAddNode(cmd *cobra.Command, args []string) error {
	g, err := openGraph()
	if err != nil {
		return err
	}
	defer g.Close()

	res := g.AddNode(context.Background(), kgraph.AddNodeInput{
		Concept:     args[0],
		Description: nodeDescription,
		Domain:      nodeDomain,
		Difficulty:  &nodeDifficulty,
		Tags:        nodeTags,
		NodeID:      nodeID,
	})
	return emit(res, res.Success)
}

func runAddEdge(cmd *cobra.Command, args []string) error {
	g, err := openGraph()
	if err != nil {
		return err
	}
	defer g.Close()

	res := g.AddEdge(context.Background(), kgraph.AddEdgeInput{
		Source:       args[0],
		Target:       args[1],
		RelationType: edgeType,
		Strength:     &edgeStrength,
		Reasoning:    edgeReasoning,
	})
	return emit(res, res.Success)
}

func runUpdateNode(cmd *cobra.Command, args []string) error {
	g, err := openGraph()
	if err != nil {
		return err
	}
	defer g.Close()

	// Only flags the user actually set become part of the patch.
	var patch store.NodeUpdate
	if cmd.Flags().Changed("mastery") {
		patch.MasteryLevel = &updMasteryLevel
	}
	if cmd.Flags().Changed("recall") {
		patch.MasteryRecall = &updRecall
	}
	if cmd.Flags().Changed("application") {
		patch.MasteryApplication = &updApplication
	}
	if cmd.Flags().Changed("explanation") {
		patch.MasteryExplanation = &updExplanation
	}
	if cmd.Flags().Changed("quality") {
		patch.Quality = &updQuality
	}
	if cmd.Flags().Changed("difficulty") {
		patch.Difficulty = &updDifficulty
	}
	if cmd.Flags().Changed("misconception") {
		patch.MisconceptionDetected = &updMisconception
	}
	if cmd.Flags().Changed("notes") {
		patch.Notes = &updNotes
	}

	res := g.UpdateNode(context.Background(), kgraph.UpdateNodeInput{
		Identifier: args[0],
		Patch:      patch,
	})
	return emit(res, res.Success)
}

func runQuery(cmd *cobra.Command, args []string) error {
	g, err := openGraph()
	if err != nil {
		return err
	}
	defer g.Close()

	res := g.QueryGraph(context.Background(), kgraph.QueryGraphInput{
		QueryType: args[0],
		NodeID:    queryNode,
		Domain:    queryDomain,
		Limit:     queryLimit,
	})
	return emit(res, res.Success)
}

func runSubgraph(cmd *cobra.Command, args []string) error {
	g, err := openGraph()
	if err != nil {
		return err
	}
	defer g.Close()

	res := g.ReadSubgraph(context.Background(), kgraph.ReadSubgraphInput{
		Center:         args[0],
		Depth:          subDepth,
		Direction:      subDirection,
		IncludeMastery: &subIncludeMastery,
		OutputFormat:   subFormat,
		Title:          subTitle,
	})
	return emit(res, res.Success)
}

func runPath(cmd *cobra.Command, args []string) error {
	g, err := openGraph()
	if err != nil {
		return err
	}
	defer g.Close()

	res := g.LearningPath(context.Background(), kgraph.LearningPathInput{
		Target:          args[0],
		IncludeMastered: pathIncludeMastered,
	})
	return emit(res, res.Success)
}

func runStats(cmd *cobra.Command, args []string) error {
	g, err := openGraph()
	if err != nil {
		return err
	}
	defer g.Close()

	res := g.GetStatistics(context.Background(), statsDomain)
	return emit(res, res.Success)
}
