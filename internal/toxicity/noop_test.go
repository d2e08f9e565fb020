package toxicity

import (
	"context"
	"testing"
)

func TestNoopScorerAlwaysErrors(t *testing.T) {
	s := NoopScorer{}
	if _, err := s.ScoreText(context.Background(), "hello"); err == nil {
		t.Fatalf("expected ScoreText to error")
	}
	if _, err := s.ScoreBatch(context.Background(), []string{"hello"}); err == nil {
		t.Fatalf("expected ScoreBatch to error")
	}
}
