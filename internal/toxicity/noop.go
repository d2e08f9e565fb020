package toxicity

import (
	"context"
	"errors"
	"log"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

// NoopScorer is a compile-time placeholder used when scoring is disabled
// for a command path. Per spec §4.4 it must never silently emit zeros — it
// always returns a hard error, the same shape as the teacher's
// internal/cuda CPU fallback except that a silent zero would be a
// correctness bug here, not an acceptable degradation.
type NoopScorer struct{}

var errScoringDisabled = errors.New("toxicity scoring is disabled for this command")

func (NoopScorer) ScoreText(_ context.Context, _ string) (models.ToxicityResult, error) {
	log.Println("[Toxicity] scoring invoked on the no-op backend")
	return models.ToxicityResult{}, errScoringDisabled
}

func (NoopScorer) ScoreBatch(_ context.Context, _ []string) ([]models.ToxicityResult, error) {
	log.Println("[Toxicity] batch scoring invoked on the no-op backend")
	return nil, errScoringDisabled
}
