package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "charcoal.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func TestSQLiteScanStateRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	value, err := store.GetScanState(ctx, "last_scan_at")
	if err != nil {
		t.Fatalf("GetScanState on unset key: %v", err)
	}
	if value != "" {
		t.Errorf("expected empty string for unset key, got %q", value)
	}

	if err := store.SetScanState(ctx, "last_scan_at", "2026-07-01T00:00:00Z"); err != nil {
		t.Fatalf("SetScanState: %v", err)
	}
	if err := store.SetScanState(ctx, "last_scan_at", "2026-07-02T00:00:00Z"); err != nil {
		t.Fatalf("SetScanState overwrite: %v", err)
	}

	value, err = store.GetScanState(ctx, "last_scan_at")
	if err != nil {
		t.Fatalf("GetScanState: %v", err)
	}
	if value != "2026-07-02T00:00:00Z" {
		t.Errorf("expected the overwritten value, got %q", value)
	}
}

func TestSQLiteFingerprintRoundTripsAndRejectsEmbeddingWithoutFingerprint(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	if err := store.SaveEmbedding(ctx, []float64{0.1, 0.2}); err == nil {
		t.Fatal("expected SaveEmbedding to fail before any fingerprint exists")
	}

	fp := models.Fingerprint{
		PostCount: 12,
		Clusters: []models.TopicCluster{
			{Label: "elections", Keywords: []string{"vote", "ballot"}, Weight: 0.7},
		},
	}
	if err := store.SaveFingerprint(ctx, fp); err != nil {
		t.Fatalf("SaveFingerprint: %v", err)
	}
	if err := store.SaveEmbedding(ctx, []float64{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("SaveEmbedding: %v", err)
	}

	loaded, err := store.LoadFingerprint(ctx)
	if err != nil {
		t.Fatalf("LoadFingerprint: %v", err)
	}
	if loaded.PostCount != 12 {
		t.Errorf("expected post count 12, got %d", loaded.PostCount)
	}
	if len(loaded.Clusters) != 1 || loaded.Clusters[0].Label != "elections" {
		t.Errorf("expected the saved cluster to round-trip, got %+v", loaded.Clusters)
	}
	if len(loaded.Embedding) != 3 {
		t.Errorf("expected a 3-dim embedding, got %v", loaded.Embedding)
	}
}

func TestSQLiteAccountScoreUpsertAndRankedThreats(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	low := models.AccountScore{
		Identifier: "did:plc:low", Handle: "low", ThreatScore: 10, ScoredAt: time.Now(),
	}
	high := models.AccountScore{
		Identifier: "did:plc:high", Handle: "high", ThreatScore: 90, ScoredAt: time.Now(),
	}
	if err := store.UpsertAccountScore(ctx, low); err != nil {
		t.Fatalf("UpsertAccountScore(low): %v", err)
	}
	if err := store.UpsertAccountScore(ctx, high); err != nil {
		t.Fatalf("UpsertAccountScore(high): %v", err)
	}

	// Re-score "low" at a higher value; expect an update, not a duplicate row.
	low.ThreatScore = 95
	if err := store.UpsertAccountScore(ctx, low); err != nil {
		t.Fatalf("UpsertAccountScore(low, updated): %v", err)
	}

	ranked, err := store.GetRankedThreats(ctx, 0)
	if err != nil {
		t.Fatalf("GetRankedThreats: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("expected 2 distinct accounts after re-scoring, got %d", len(ranked))
	}
	if ranked[0].Handle != "low" && ranked[0].Handle != "high" {
		t.Fatalf("unexpected top handle %q", ranked[0].Handle)
	}
	if ranked[0].ThreatScore < ranked[1].ThreatScore {
		t.Errorf("expected results ordered by descending threat score, got %+v", ranked)
	}

	filtered, err := store.GetRankedThreats(ctx, 50)
	if err != nil {
		t.Fatalf("GetRankedThreats(minScore=50): %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("expected both accounts to clear a 50-point floor after the re-score, got %d", len(filtered))
	}
}

func TestSQLiteIsScoreStale(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	stale, err := store.IsScoreStale(ctx, "did:plc:never-scored", 7)
	if err != nil {
		t.Fatalf("IsScoreStale: %v", err)
	}
	if !stale {
		t.Error("expected an account with no score row to be considered stale")
	}

	fresh := models.AccountScore{Identifier: "did:plc:fresh", Handle: "fresh", ScoredAt: time.Now()}
	if err := store.UpsertAccountScore(ctx, fresh); err != nil {
		t.Fatalf("UpsertAccountScore: %v", err)
	}
	stale, err = store.IsScoreStale(ctx, "did:plc:fresh", 7)
	if err != nil {
		t.Fatalf("IsScoreStale: %v", err)
	}
	if stale {
		t.Error("expected a just-scored account to not be stale")
	}

	old := models.AccountScore{Identifier: "did:plc:old", Handle: "old", ScoredAt: time.Now().AddDate(0, 0, -30)}
	if err := store.UpsertAccountScore(ctx, old); err != nil {
		t.Fatalf("UpsertAccountScore: %v", err)
	}
	stale, err = store.IsScoreStale(ctx, "did:plc:old", 7)
	if err != nil {
		t.Fatalf("IsScoreStale: %v", err)
	}
	if !stale {
		t.Error("expected a 30-day-old score to be stale under a 7-day window")
	}
}

func TestSQLiteInsertAmplificationEventIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	ev := models.AmplificationEvent{
		Kind:             models.EventKindQuote,
		AmplifierID:      "did:plc:amp",
		AmplifierHandle:  "amp",
		AmplifiedPostURI: "at://did:plc:protected/app.bsky.feed.post/1",
		AmplifierPostURI: "at://did:plc:amp/app.bsky.feed.post/9",
		CommentaryText:   "interesting take",
		DetectedAt:       time.Now(),
	}

	id1, err := store.InsertAmplificationEvent(ctx, ev)
	if err != nil {
		t.Fatalf("InsertAmplificationEvent: %v", err)
	}
	id2, err := store.InsertAmplificationEvent(ctx, ev)
	if err != nil {
		t.Fatalf("InsertAmplificationEvent (duplicate): %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected inserting the same event twice to return the same id, got %d and %d", id1, id2)
	}

	events, err := store.GetEventsForPileOn(ctx)
	if err != nil {
		t.Fatalf("GetEventsForPileOn: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event after a duplicate insert, got %d", len(events))
	}
	if events[0].AmplifierID != ev.AmplifierID {
		t.Errorf("expected amplifier id %q, got %q", ev.AmplifierID, events[0].AmplifierID)
	}
}

func TestSQLiteGetMedianEngagement(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	scores := []models.AccountScore{
		{Identifier: "did:plc:a", Handle: "a", Signals: models.BehavioralSignals{AvgEngagement: 10}, ScoredAt: time.Now()},
		{Identifier: "did:plc:b", Handle: "b", Signals: models.BehavioralSignals{AvgEngagement: 20}, ScoredAt: time.Now()},
		{Identifier: "did:plc:c", Handle: "c", Signals: models.BehavioralSignals{AvgEngagement: 30}, ScoredAt: time.Now()},
	}
	for _, sc := range scores {
		if err := store.UpsertAccountScore(ctx, sc); err != nil {
			t.Fatalf("UpsertAccountScore: %v", err)
		}
	}

	got, err := store.GetMedianEngagement(ctx)
	if err != nil {
		t.Fatalf("GetMedianEngagement: %v", err)
	}
	if got != 20 {
		t.Errorf("expected median of [10,20,30] to be 20, got %v", got)
	}
}
