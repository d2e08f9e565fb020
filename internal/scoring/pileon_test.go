package scoring

import (
	"testing"
	"time"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

func TestDetectPileOnFiveDistinctWithinWindow(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []models.PileOnEvent{
		{AmplifierID: "A", OriginalPostURI: "P", Timestamp: t0},
		{AmplifierID: "B", OriginalPostURI: "P", Timestamp: t0.Add(1 * time.Hour)},
		{AmplifierID: "C", OriginalPostURI: "P", Timestamp: t0.Add(2 * time.Hour)},
		{AmplifierID: "D", OriginalPostURI: "P", Timestamp: t0.Add(3 * time.Hour)},
		{AmplifierID: "E", OriginalPostURI: "P", Timestamp: t0.Add(4 * time.Hour)},
	}
	got := DetectPileOn(events)
	want := []models.Identifier{"A", "B", "C", "D", "E"}
	if len(got) != len(want) {
		t.Fatalf("got %d participants, want %d: %v", len(got), len(want), got)
	}
	for _, id := range want {
		if !got[id] {
			t.Fatalf("expected %s to be marked pile-on", id)
		}
	}
}

func TestDetectPileOnDuplicateAmplifierCountsOnce(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []models.PileOnEvent{
		{AmplifierID: "A", OriginalPostURI: "P", Timestamp: t0},
		{AmplifierID: "A", OriginalPostURI: "P", Timestamp: t0.Add(30 * time.Minute)},
		{AmplifierID: "B", OriginalPostURI: "P", Timestamp: t0.Add(1 * time.Hour)},
		{AmplifierID: "C", OriginalPostURI: "P", Timestamp: t0.Add(2 * time.Hour)},
		{AmplifierID: "D", OriginalPostURI: "P", Timestamp: t0.Add(3 * time.Hour)},
	}
	got := DetectPileOn(events)
	if len(got) != 0 {
		t.Fatalf("expected empty pile-on set (only 4 distinct amplifiers), got %v", got)
	}
}

func TestDetectPileOnEmptyWhenNoCluster(t *testing.T) {
	got := DetectPileOn(nil)
	if len(got) != 0 {
		t.Fatalf("expected empty set for no events, got %v", got)
	}
}

func TestDetectPileOnOutsideWindowDoesNotCount(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []models.PileOnEvent{
		{AmplifierID: "A", OriginalPostURI: "P", Timestamp: t0},
		{AmplifierID: "B", OriginalPostURI: "P", Timestamp: t0.Add(1 * time.Hour)},
		{AmplifierID: "C", OriginalPostURI: "P", Timestamp: t0.Add(2 * time.Hour)},
		{AmplifierID: "D", OriginalPostURI: "P", Timestamp: t0.Add(3 * time.Hour)},
		{AmplifierID: "E", OriginalPostURI: "P", Timestamp: t0.Add(25 * time.Hour)},
	}
	got := DetectPileOn(events)
	if len(got) != 0 {
		t.Fatalf("expected empty set, only 4 distinct within any 24h window, got %v", got)
	}
}
