// Package storage defines the persistence capability interface and its two
// backends (embedded SQLite, remote Postgres), grounded on the teacher's
// internal/db/postgres.go pool-wrapper shape, generalized to a pluggable
// capability interface per the design notes rather than a concrete struct.
package storage

import (
	"context"
	"time"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

// Store is the single capability interface both backends satisfy. It is a
// record of operations, not a base class — per the design notes, pluggable
// storage is modeled as an interface switched at construction time by the
// shape of DATABASE_URL.
type Store interface {
	GetScanState(ctx context.Context, key string) (string, error)
	SetScanState(ctx context.Context, key, value string) error

	SaveFingerprint(ctx context.Context, fp models.Fingerprint) error
	LoadFingerprint(ctx context.Context) (models.Fingerprint, error)
	SaveEmbedding(ctx context.Context, vec []float64) error

	UpsertAccountScore(ctx context.Context, score models.AccountScore) error
	GetRankedThreats(ctx context.Context, minScore float64) ([]models.AccountScore, error)
	IsScoreStale(ctx context.Context, id models.Identifier, maxAgeDays int) (bool, error)
	GetMedianEngagement(ctx context.Context) (float64, error)

	InsertAmplificationEvent(ctx context.Context, ev models.AmplificationEvent) (int64, error)
	GetEventsForPileOn(ctx context.Context) ([]models.PileOnEvent, error)

	Migrate(ctx context.Context) error
	Close() error
}

// ErrNoFingerprint is returned by SaveEmbedding when no fingerprint row
// exists yet (per spec §4.2, save_embedding fails without one).
type ErrNoFingerprint struct{}

func (ErrNoFingerprint) Error() string {
	return "cannot save embedding: no fingerprint row exists yet (run `fingerprint` first)"
}

// staleCutoff is a small shared helper so both backends compute staleness
// identically.
func staleCutoff(maxAgeDays int) time.Time {
	return time.Now().AddDate(0, 0, -maxAgeDays)
}
