package kgraph

import (
	"errors"
	"strings"

	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/sm2"
	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/store"
)

// Error kind constants for classification
const (
	ErrKindInvalidInput  = "invalid_input"
	ErrKindNotFound      = "not_found"
	ErrKindDuplicateID   = "duplicate_id"
	ErrKindDuplicateEdge = "duplicate_edge"
	ErrKindCycleDetected = "cycle_detected"
	ErrKindStoreFailure  = "store_failure"
)

// ClassifyError inspects an error and returns its kind classification.
// This enables grouping errors by category in result envelopes, metrics,
// and traces. Sentinel errors are checked first; the string heuristics only
// catch errors that crossed a boundary without wrapping.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, sm2.ErrInvalidQuality):
		return ErrKindInvalidInput
	case errors.Is(err, store.ErrNodeNotFound):
		return ErrKindNotFound
	case errors.Is(err, store.ErrDuplicateNode):
		return ErrKindDuplicateID
	case errors.Is(err, store.ErrDuplicateEdge):
		return ErrKindDuplicateEdge
	case errors.Is(err, store.ErrCycleDetected):
		return ErrKindCycleDetected
	}

	errStrLower := strings.ToLower(err.Error())

	if strings.Contains(errStrLower, "cycle") {
		return ErrKindCycleDetected
	}
	if strings.Contains(errStrLower, "already exists") {
		if strings.Contains(errStrLower, "edge") {
			return ErrKindDuplicateEdge
		}
		return ErrKindDuplicateID
	}
	if strings.Contains(errStrLower, "not found") ||
		strings.Contains(errStrLower, "no such node") {
		return ErrKindNotFound
	}
	if strings.Contains(errStrLower, "invalid") ||
		strings.Contains(errStrLower, "required") ||
		strings.Contains(errStrLower, "cannot be empty") ||
		strings.Contains(errStrLower, "must be") ||
		strings.Contains(errStrLower, "out of range") {
		return ErrKindInvalidInput
	}

	// Anything else is treated as a storage-layer failure.
	return ErrKindStoreFailure
}
