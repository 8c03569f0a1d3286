// Package fetcher pulls network difficulty from external sources.
package fetcher

import (
	"context"
	"time"

	"curtailment-reconciler/internal/storage"
)

// Difficulty source names recorded alongside each point.
const (
	SourceNode     = "node"
	SourceExplorer = "explorer"
	SourceManual   = "manual"
)

// DifficultyFetcher retrieves difficulty points effective on or after since.
type DifficultyFetcher interface {
	FetchDifficulty(ctx context.Context, since time.Time) ([]storage.DifficultyPoint, error)
}
