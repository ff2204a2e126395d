// Package mermaid renders knowledge-graph snapshots as Mermaid flowchart
// source text for embedding in markdown.
package mermaid

import (
	"fmt"
	"strings"
	"time"

	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/store"
)

// Mastery band styling applied to every node, plus overlays for nodes due
// for review and nodes with recorded misconceptions.
var graphClassDefs = []string{
	"    classDef struggling fill:#ff6b6b,stroke:#333,stroke-width:2px,color:#fff",
	"    classDef learning fill:#ffe066,stroke:#333,stroke-width:2px",
	"    classDef proficient fill:#8ce99a,stroke:#333,stroke-width:2px",
	"    classDef mastered fill:#2ecc71,stroke:#333,stroke-width:2px,color:#fff",
	"    classDef needsReview stroke:#e74c3c,stroke-width:4px,stroke-dasharray:5",
	"    classDef hasMisconception stroke:#9b59b6,stroke-width:3px",
}

var pathClassDefs = []string{
	"    classDef struggling fill:#ff6b6b,stroke:#333,stroke-width:2px,color:#fff",
	"    classDef learning fill:#ffe066,stroke:#333,stroke-width:2px",
	"    classDef proficient fill:#8ce99a,stroke:#333,stroke-width:2px",
	"    classDef mastered fill:#2ecc71,stroke:#333,stroke-width:2px,color:#fff",
	"    classDef target fill:#3498db,stroke:#333,stroke-width:3px,color:#fff",
}

// Generate renders nodes and edges as a top-down Mermaid flowchart.
// Nodes are colored by mastery band, with dashed borders on nodes whose
// review date has passed (relative to now) and thick purple borders on nodes
// carrying misconceptions. A non-empty title wraps the nodes in a subgraph.
func Generate(nodes []*store.Node, edges []*store.Edge, title string, now time.Time) string {
	lines := []string{"graph TD"}
	lines = append(lines, graphClassDefs...)

	if title != "" {
		lines = append(lines, fmt.Sprintf("    subgraph %s[%s]", sanitizeID(title), title))
	}

	for _, node := range nodes {
		classes := []string{masteryClass(node.MasteryLevel)}
		if needsReview(node, now) {
			classes = append(classes, "needsReview")
		}
		if len(node.Misconceptions) > 0 {
			classes = append(classes, "hasMisconception")
		}

		lines = append(lines, fmt.Sprintf(`    %s["%s (%d%%)"]:::%s`,
			sanitizeID(node.ID), escapeLabel(node.Concept),
			int(node.MasteryLevel*100), strings.Join(classes, ",")))
	}

	if title != "" {
		lines = append(lines, "    end")
	}

	for _, edge := range edges {
		lines = append(lines, "    "+edgeStyle(edge))
	}

	return strings.Join(lines, "\n")
}

// GenerateLearningPath renders an ordered prerequisite chain as a
// top-to-bottom flowchart, highlighting the target node in blue. Only
// prerequisite edges are drawn.
func GenerateLearningPath(nodes []*store.Node, edges []*store.Edge, target string) string {
	lines := []string{"graph TB"}
	lines = append(lines, pathClassDefs...)

	for _, node := range nodes {
		class := masteryClass(node.MasteryLevel)
		if node.ID == target || node.Concept == target {
			class = "target"
		}
		lines = append(lines, fmt.Sprintf(`    %s["%s (%d%%)"]:::%s`,
			sanitizeID(node.ID), escapeLabel(node.Concept),
			int(node.MasteryLevel*100), class))
	}

	for _, edge := range edges {
		if edge.RelationType != store.RelationPrerequisite {
			continue
		}
		lines = append(lines, fmt.Sprintf("    %s --> %s",
			sanitizeID(edge.SourceID), sanitizeID(edge.TargetID)))
	}

	return strings.Join(lines, "\n")
}

// sanitizeID maps an arbitrary ID to a valid Mermaid node identifier.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		return "node"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "n_" + s
	}
	return s
}

// escapeLabel rewrites characters that break Mermaid label syntax.
func escapeLabel(label string) string {
	return strings.NewReplacer(
		`"`, "'",
		"\n", " ",
		"[", "(",
		"]", ")",
	).Replace(label)
}

func masteryClass(mastery float64) string {
	switch {
	case mastery < 0.3:
		return "struggling"
	case mastery < 0.6:
		return "learning"
	case mastery < 0.85:
		return "proficient"
	default:
		return "mastered"
	}
}

func needsReview(node *store.Node, now time.Time) bool {
	return node.NextReviewAt != nil && !node.NextReviewAt.After(now)
}

func edgeStyle(edge *store.Edge) string {
	source := sanitizeID(edge.SourceID)
	target := sanitizeID(edge.TargetID)

	switch edge.RelationType {
	case store.RelationPrerequisite:
		return fmt.Sprintf(`%s -->|"prereq"| %s`, source, target)
	case store.RelationBuildsOn:
		return fmt.Sprintf(`%s ==>|"builds on"| %s`, source, target)
	case store.RelationRelatedTo:
		return fmt.Sprintf(`%s -.-|"related"| %s`, source, target)
	case store.RelationContradicts:
		return fmt.Sprintf(`%s -.->|"contradicts"| %s`, source, target)
	case store.RelationAppliesTo:
		return fmt.Sprintf(`%s -->|"applies to"| %s`, source, target)
	case store.RelationParentOf:
		return fmt.Sprintf(`%s -->|"parent of"| %s`, source, target)
	default:
		return fmt.Sprintf("%s --> %s", source, target)
	}
}
