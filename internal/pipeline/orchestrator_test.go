package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/charcoalwatch/charcoal/internal/scoring"
	"github.com/charcoalwatch/charcoal/pkg/models"
)

// fakeClient is an in-memory NetworkClient double driven entirely by
// pre-seeded maps, so the orchestrator's control flow can be exercised
// without any real network access.
type fakeClient struct {
	mu               sync.Mutex
	postsByHandle    map[string][]models.Post
	textByURI        map[string]string
	followersByHand  map[string][]models.Follower
	backlinksByQuery map[string]models.BacklinksPage // key: uri+"|"+source
	handlesByID      map[models.Identifier]string
}

func (f *fakeClient) FetchRecentPosts(ctx context.Context, handle string, max int) ([]models.Post, error) {
	posts := f.postsByHandle[handle]
	if len(posts) > max {
		posts = posts[:max]
	}
	return posts, nil
}

func (f *fakeClient) FetchPostText(ctx context.Context, uri string) (string, error) {
	return f.textByURI[uri], nil
}

func (f *fakeClient) FetchReplyRatio(ctx context.Context, handle string) (int, int, error) {
	return 0, 10, nil
}

func (f *fakeClient) FetchFollowers(ctx context.Context, handle string, max int) ([]models.Follower, error) {
	followers := f.followersByHand[handle]
	if len(followers) > max {
		followers = followers[:max]
	}
	return followers, nil
}

func (f *fakeClient) ResolveIdentifiersToHandles(ctx context.Context, ids []models.Identifier) map[models.Identifier]string {
	out := make(map[models.Identifier]string, len(ids))
	for _, id := range ids {
		if h, ok := f.handlesByID[id]; ok {
			out[id] = h
		} else {
			out[id] = string(id)
		}
	}
	return out
}

func (f *fakeClient) GetBacklinks(ctx context.Context, subjectURI, sourceSpec string, limit int) (models.BacklinksPage, error) {
	return f.backlinksByQuery[subjectURI+"|"+sourceSpec], nil
}

// fakeStore is an in-memory Store double.
type fakeStore struct {
	mu            sync.Mutex
	fingerprint   models.Fingerprint
	scores        map[models.Identifier]models.AccountScore
	events        []models.AmplificationEvent
	staleAccounts map[models.Identifier]bool
	scanState     map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		scores:        make(map[models.Identifier]models.AccountScore),
		staleAccounts: make(map[models.Identifier]bool),
		scanState:     make(map[string]string),
	}
}

func (s *fakeStore) GetScanState(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanState[key], nil
}

func (s *fakeStore) SetScanState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanState[key] = value
	return nil
}

func (s *fakeStore) SaveFingerprint(ctx context.Context, fp models.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprint = fp
	return nil
}

func (s *fakeStore) LoadFingerprint(ctx context.Context) (models.Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint, nil
}

func (s *fakeStore) SaveEmbedding(ctx context.Context, vec []float64) error {
	return nil
}

func (s *fakeStore) UpsertAccountScore(ctx context.Context, score models.AccountScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[score.Identifier] = score
	return nil
}

func (s *fakeStore) GetRankedThreats(ctx context.Context, minScore float64) ([]models.AccountScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AccountScore
	for _, sc := range s.scores {
		if sc.ThreatScore >= minScore {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *fakeStore) IsScoreStale(ctx context.Context, id models.Identifier, maxAgeDays int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, scored := s.scores[id]; !scored {
		return true, nil
	}
	return s.staleAccounts[id], nil
}

func (s *fakeStore) GetMedianEngagement(ctx context.Context) (float64, error) {
	return 5.0, nil
}

func (s *fakeStore) InsertAmplificationEvent(ctx context.Context, ev models.AmplificationEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = int64(len(s.events) + 1)
	s.events = append(s.events, ev)
	return ev.ID, nil
}

func (s *fakeStore) GetEventsForPileOn(ctx context.Context) ([]models.PileOnEvent, error) {
	return nil, nil
}

func (s *fakeStore) Migrate(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                      { return nil }

// fakeScorer returns a fixed toxicity score for every text.
type fakeScorer struct {
	fixed float64
}

func (f fakeScorer) ScoreText(ctx context.Context, text string) (models.ToxicityResult, error) {
	return models.ToxicityResult{Toxicity: f.fixed}, nil
}

func (f fakeScorer) ScoreBatch(ctx context.Context, texts []string) ([]models.ToxicityResult, error) {
	out := make([]models.ToxicityResult, len(texts))
	for i := range texts {
		out[i] = models.ToxicityResult{Toxicity: f.fixed}
	}
	return out, nil
}

func samplePosts(n int, textPrefix string) []models.Post {
	posts := make([]models.Post, n)
	for i := 0; i < n; i++ {
		posts[i] = models.Post{
			URI:       textPrefix + "-post-" + string(rune('a'+i)),
			Text:      textPrefix + " this is sample post content about politics and elections today",
			CreatedAt: time.Now().Add(-time.Duration(i) * time.Hour),
			LikeCount: 2,
		}
	}
	return posts
}

func TestAmplificationScanMarksInsufficientDataBelowFivePosts(t *testing.T) {
	client := &fakeClient{
		postsByHandle: map[string][]models.Post{
			"protected": samplePosts(2, "protected"),
		},
		handlesByID: map[models.Identifier]string{
			"did:plc:amp1":    "amplifier1",
			"did:plc:target1": "target1",
		},
		backlinksByQuery: map[string]models.BacklinksPage{
			"protected-post-a|" + quoteSource: {
				Links: []models.Backlink{{SourceURI: "amp-quote-1", AuthorDID: "did:plc:amp1"}},
			},
		},
		followersByHand: map[string][]models.Follower{
			"amplifier1": {{Identifier: "did:plc:target1", Handle: "target1"}},
		},
	}
	client.postsByHandle["target1"] = samplePosts(2, "target1") // below minPostSamples

	store := newFakeStore()
	orch := New(Config{
		Client:          client,
		Store:           store,
		ToxicityScorer:  fakeScorer{fixed: 0.1},
		ProtectedHandle: "protected",
		ProtectedID:     "did:plc:protected",
		Weights:         scoring.DefaultWeights(),
	})

	if err := orch.RunAmplificationScan(context.Background(), true); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	score, ok := store.scores["did:plc:target1"]
	if !ok {
		t.Fatalf("expected target1 to be scored")
	}
	if score.Tier != models.TierInsufficientData {
		t.Errorf("expected Insufficient Data tier for a 2-post sample, got %s", score.Tier)
	}
	if len(store.events) != 1 {
		t.Errorf("expected exactly 1 amplification event persisted, got %d", len(store.events))
	}
}

func TestAmplificationScanScoresSufficientSample(t *testing.T) {
	client := &fakeClient{
		postsByHandle: map[string][]models.Post{
			"protected": samplePosts(2, "protected"),
			"target2":   samplePosts(6, "target2"),
		},
		handlesByID: map[models.Identifier]string{
			"did:plc:amp2":    "amplifier2",
			"did:plc:target2": "target2",
		},
		backlinksByQuery: map[string]models.BacklinksPage{
			"protected-post-a|" + quoteSource: {
				Links: []models.Backlink{{SourceURI: "amp-quote-2", AuthorDID: "did:plc:amp2"}},
			},
		},
		followersByHand: map[string][]models.Follower{
			"amplifier2": {{Identifier: "did:plc:target2", Handle: "target2"}},
		},
	}

	store := newFakeStore()
	orch := New(Config{
		Client:          client,
		Store:           store,
		ToxicityScorer:  fakeScorer{fixed: 0.9},
		ProtectedHandle: "protected",
		ProtectedID:     "did:plc:protected",
		Weights:         scoring.DefaultWeights(),
	})

	if err := orch.RunAmplificationScan(context.Background(), true); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	score, ok := store.scores["did:plc:target2"]
	if !ok {
		t.Fatalf("expected target2 to be scored")
	}
	if score.Tier == models.TierInsufficientData {
		t.Errorf("expected a real tier for a 6-post sample, got Insufficient Data")
	}
	if score.PostsAnalyzed != 6 {
		t.Errorf("expected 6 posts analyzed, got %d", score.PostsAnalyzed)
	}
}

func TestConcurrentScanReturnsConflict(t *testing.T) {
	orch := New(Config{
		Client:          &fakeClient{},
		Store:           newFakeStore(),
		ToxicityScorer:  fakeScorer{fixed: 0},
		ProtectedHandle: "protected",
	})
	orch.running.Store(true)
	defer orch.running.Store(false)

	if err := orch.RunAmplificationScan(context.Background(), false); err != ErrScanInProgress {
		t.Errorf("expected ErrScanInProgress, got %v", err)
	}
}

func TestTopEvidenceOrdersHighestToxicityFirst(t *testing.T) {
	posts := []models.Post{
		{URI: "a", Text: "low"},
		{URI: "b", Text: "high"},
		{URI: "c", Text: "mid"},
	}
	scores := []float64{0.2, 0.9, 0.5}

	evidence := topEvidence(posts, scores, 2)
	if len(evidence) != 2 {
		t.Fatalf("expected 2 evidence entries, got %d", len(evidence))
	}
	if evidence[0].URI != "b" || evidence[1].URI != "c" {
		t.Errorf("expected order [b, c], got [%s, %s]", evidence[0].URI, evidence[1].URI)
	}
}
