// Package toxicity scores arbitrary text on seven toxicity categories
// using a locally loaded transformer, with a remote moderation-API
// fallback. Mirrors the teacher's internal/cuda shape: one interface, more
// than one implementation, selected at construction time rather than by
// inheritance.
package toxicity

import (
	"context"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

// Scorer is the capability interface every backend implements. Backends
// differ in batching strategy but never in contract, per the design notes.
type Scorer interface {
	ScoreText(ctx context.Context, text string) (models.ToxicityResult, error)
	ScoreBatch(ctx context.Context, texts []string) ([]models.ToxicityResult, error)
}
