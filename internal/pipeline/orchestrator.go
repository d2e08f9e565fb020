// Package pipeline drives the end-to-end flow: detect amplification events
// via the backlink index, fan out profile builds with bounded parallelism,
// and persist results as they arrive. Grounded on the teacher's
// internal/scanner/block_scanner.go: atomic progress counters read by an
// external status view and a single in-flight run guarded by an atomic
// flag. Cancellation comes from the ctx passed to every network, storage,
// and fan-out call; there is no separate select-on-ctx.Done loop.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/charcoalwatch/charcoal/internal/scoring"
	"github.com/charcoalwatch/charcoal/internal/storage"
	"github.com/charcoalwatch/charcoal/internal/textutil"
	"github.com/charcoalwatch/charcoal/internal/topics"
	"github.com/charcoalwatch/charcoal/internal/toxicity"
	"github.com/charcoalwatch/charcoal/pkg/models"
)

// State is the orchestrator's per-scan state machine position.
type State string

const (
	StateIdle               State = "Idle"
	StateLoadingFingerprint State = "LoadingFingerprint"
	StateFetchingEvents     State = "FetchingEvents"
	StateScoringAmplifiers  State = "ScoringAmplifiers"
	StateDone               State = "Done"
	StateFailed             State = "Failed"
)

const (
	recentPostLimit    = 50
	minPostSamples     = 5
	defaultConcurrency = 8
	maxAgeDaysDefault  = 7
	quoteSource        = "app.bsky.feed.post:embed.record.uri"
	repostSource       = "app.bsky.feed.repost:subject.uri"
	followerPerAmpCap  = 500
)

// NetworkClient is the subset of the network client the orchestrator needs.
// Declared locally (rather than importing internal/xrpc's concrete type)
// so the orchestrator can be driven by a test double.
type NetworkClient interface {
	FetchRecentPosts(ctx context.Context, handle string, max int) ([]models.Post, error)
	FetchPostText(ctx context.Context, uri string) (string, error)
	FetchReplyRatio(ctx context.Context, handle string) (replies, total int, err error)
	FetchFollowers(ctx context.Context, handle string, max int) ([]models.Follower, error)
	ResolveIdentifiersToHandles(ctx context.Context, ids []models.Identifier) map[models.Identifier]string
	GetBacklinks(ctx context.Context, subjectURI, sourceSpec string, limit int) (models.BacklinksPage, error)
}

// Orchestrator ties the network client, storage engine, topic engine, and
// toxicity engine together into the scan flow described in the design.
type Orchestrator struct {
	client          NetworkClient
	store           storage.Store
	toxicityScorer  toxicity.Scorer
	embedder        topics.Embedder
	weights         scoring.Weights
	protectedHandle string
	protectedID     models.Identifier
	concurrency     int
	maxAgeDays      int

	state          atomic.Value // State
	running        atomic.Bool
	lastScanned    atomic.Int64
	lastScored     atomic.Int64
}

// Config bundles the orchestrator's construction-time dependencies.
type Config struct {
	Client          NetworkClient
	Store           storage.Store
	ToxicityScorer  toxicity.Scorer
	Embedder        topics.Embedder // may be nil; falls back to TF-IDF overlap
	Weights         scoring.Weights
	ProtectedHandle string
	ProtectedID     models.Identifier
	Concurrency     int
	MaxAgeDays      int
}

// New constructs an Orchestrator from cfg, filling in defaults for zero values.
func New(cfg Config) *Orchestrator {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	maxAgeDays := cfg.MaxAgeDays
	if maxAgeDays < 1 {
		maxAgeDays = maxAgeDaysDefault
	}
	o := &Orchestrator{
		client:          cfg.Client,
		store:           cfg.Store,
		toxicityScorer:  cfg.ToxicityScorer,
		embedder:        cfg.Embedder,
		weights:         cfg.Weights,
		protectedHandle: cfg.ProtectedHandle,
		protectedID:     cfg.ProtectedID,
		concurrency:     concurrency,
		maxAgeDays:       maxAgeDays,
	}
	o.state.Store(StateIdle)
	return o
}

// Progress is a point-in-time snapshot of the scan state and counters,
// readable without blocking the scan itself. The CLI's scan subcommand
// reads it after a scan to print the totals.
type Progress struct {
	State          State
	EventsScanned  int64
	AccountsScored int64
}

func (o *Orchestrator) Progress() Progress {
	return Progress{
		State:          o.state.Load().(State),
		EventsScanned:  o.lastScanned.Load(),
		AccountsScored: o.lastScored.Load(),
	}
}

// ErrScanInProgress is returned when a scan is requested while another is
// already running; the caller's second trigger is treated as a conflict,
// not a queued retry.
var ErrScanInProgress = fmt.Errorf("a scan is already in progress")

// RunAmplificationScan executes the amplification flow (detect → fan out
// profile builds → persist) described in the design's numbered steps.
func (o *Orchestrator) RunAmplificationScan(ctx context.Context, analyzeFollowers bool) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}
	defer o.running.Store(false)
	defer o.state.Store(StateIdle)

	o.lastScanned.Store(0)
	o.lastScored.Store(0)
	o.state.Store(StateLoadingFingerprint)

	fp, err := o.store.LoadFingerprint(ctx)
	if err != nil {
		o.state.Store(StateFailed)
		return fmt.Errorf("load protected-user fingerprint: %w", err)
	}

	o.state.Store(StateFetchingEvents)
	if err := o.store.SetScanState(ctx, "last_scan_at", time.Now().Format(time.RFC3339)); err != nil {
		log.Printf("[Pipeline] failed to record scan timestamp: %v", err)
	}

	// Step 1: up to 50 most recent protected-user post URIs.
	posts, err := o.client.FetchRecentPosts(ctx, o.protectedHandle, recentPostLimit)
	if err != nil {
		o.state.Store(StateFailed)
		return fmt.Errorf("fetch protected user's recent posts: %w", err)
	}

	// Steps 2-4: query the backlink index for quotes and reposts of each
	// post, dedupe by amplifier-post-URI, resolve handles, persist.
	events, err := o.collectAmplificationEvents(ctx, posts)
	if err != nil {
		o.state.Store(StateFailed)
		return fmt.Errorf("collect amplification events: %w", err)
	}
	o.lastScanned.Store(int64(len(events)))

	// Step 5-6: for quote events only, gather stale/absent-score followers.
	o.state.Store(StateScoringAmplifiers)
	var candidates []models.Identifier
	if analyzeFollowers {
		candidates, err = o.collectFollowerCandidates(ctx, events)
		if err != nil {
			o.state.Store(StateFailed)
			return fmt.Errorf("collect follower candidates: %w", err)
		}
	}

	// Step 7-8: bounded-parallel profile builds, persisted incrementally.
	scoredCount, err := o.scoreCandidates(ctx, candidates, fp)
	if err != nil {
		o.state.Store(StateFailed)
		return fmt.Errorf("score candidates: %w", err)
	}
	o.lastScored.Store(int64(scoredCount))

	o.state.Store(StateDone)
	log.Printf("[Pipeline] scan complete: %d amplification events, %d accounts scored", len(events), scoredCount)
	return nil
}

// collectAmplificationEvents implements steps 2-4 of the amplification flow.
func (o *Orchestrator) collectAmplificationEvents(ctx context.Context, posts []models.Post) ([]models.AmplificationEvent, error) {
	seen := make(map[string]bool)
	var raw []models.AmplificationEvent

	for _, post := range posts {
		quotes, err := o.client.GetBacklinks(ctx, post.URI, quoteSource, 100)
		if err != nil {
			log.Printf("[Pipeline] backlink query (quotes) failed for %s: %v", post.URI, err)
		} else {
			for _, link := range quotes.Links {
				if seen[link.SourceURI] {
					continue
				}
				seen[link.SourceURI] = true
				raw = append(raw, models.AmplificationEvent{
					Kind:             models.EventKindQuote,
					AmplifierID:      models.Identifier(link.AuthorDID),
					AmplifiedPostURI: post.URI,
					AmplifierPostURI: link.SourceURI,
					DetectedAt:       time.Now(),
				})
			}
		}

		reposts, err := o.client.GetBacklinks(ctx, post.URI, repostSource, 100)
		if err != nil {
			log.Printf("[Pipeline] backlink query (reposts) failed for %s: %v", post.URI, err)
		} else {
			for _, link := range reposts.Links {
				if seen[link.SourceURI] {
					continue
				}
				seen[link.SourceURI] = true
				raw = append(raw, models.AmplificationEvent{
					Kind:             models.EventKindRepost,
					AmplifierID:      models.Identifier(link.AuthorDID),
					AmplifiedPostURI: post.URI,
					AmplifierPostURI: link.SourceURI,
					DetectedAt:       time.Now(),
				})
			}
		}
	}

	if len(raw) == 0 {
		return nil, nil
	}

	// Step 3: resolve amplifier identifiers to handles, falling back to the
	// raw identifier on failure (ResolveIdentifiersToHandles already does
	// this internally, batched at 25).
	ids := make([]models.Identifier, 0, len(raw))
	for _, ev := range raw {
		ids = append(ids, ev.AmplifierID)
	}
	handles := o.client.ResolveIdentifiersToHandles(ctx, ids)

	for i := range raw {
		raw[i].AmplifierHandle = handles[raw[i].AmplifierID]

		// Step 4: quote events only get their commentary text fetched and scored.
		if raw[i].Kind == models.EventKindQuote {
			text, err := o.client.FetchPostText(ctx, raw[i].AmplifierPostURI)
			if err == nil && text != "" {
				raw[i].CommentaryText = text
				result, err := o.toxicityScorer.ScoreText(ctx, text)
				if err == nil {
					raw[i].CommentaryScore = &result.Toxicity
				}
			}
		}

		id, err := o.store.InsertAmplificationEvent(ctx, raw[i])
		if err != nil {
			log.Printf("[Pipeline] failed to persist amplification event for %s: %v", raw[i].AmplifierPostURI, err)
			continue
		}
		raw[i].ID = id
	}

	return raw, nil
}

// collectFollowerCandidates implements steps 5-6: for each quote event,
// fetch the amplifier's followers (capped per amplifier), exclude the
// protected user, then filter to stale-or-absent scores.
func (o *Orchestrator) collectFollowerCandidates(ctx context.Context, events []models.AmplificationEvent) ([]models.Identifier, error) {
	seen := make(map[models.Identifier]bool)
	var candidates []models.Identifier

	for _, ev := range events {
		if ev.Kind != models.EventKindQuote {
			continue // reposts are the supportive-share vector, not harassment
		}
		if ev.AmplifierHandle == "" {
			continue
		}
		followers, err := o.client.FetchFollowers(ctx, ev.AmplifierHandle, followerPerAmpCap)
		if err != nil {
			log.Printf("[Pipeline] fetch followers for %s failed: %v", ev.AmplifierHandle, err)
			continue
		}
		for _, f := range followers {
			if f.Identifier == o.protectedID || seen[f.Identifier] {
				continue
			}
			seen[f.Identifier] = true

			stale, err := o.store.IsScoreStale(ctx, f.Identifier, o.maxAgeDays)
			if err != nil {
				log.Printf("[Pipeline] staleness check failed for %s: %v", f.Identifier, err)
				continue
			}
			if stale {
				candidates = append(candidates, f.Identifier)
			}
		}
	}
	return candidates, nil
}

// scoreCandidates implements steps 7-8: bounded-parallel profile builds
// guarded against panics, each persisted as it completes.
func (o *Orchestrator) scoreCandidates(ctx context.Context, candidates []models.Identifier, protectedFP models.Fingerprint) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	handles := o.client.ResolveIdentifiersToHandles(ctx, candidates)
	medianEngagement, err := o.store.GetMedianEngagement(ctx)
	if err != nil {
		log.Printf("[Pipeline] median engagement lookup failed, defaulting to 0: %v", err)
	}

	var scored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for _, id := range candidates {
		id := id
		g.Go(func() error {
			score, buildErr := o.buildProfile(gctx, id, handles[id], protectedFP, medianEngagement)
			if buildErr != nil {
				log.Printf("[Pipeline] profile build failed for %s: %v", id, buildErr)
				return nil // a single failure must not abort the batch
			}
			if err := o.store.UpsertAccountScore(gctx, score); err != nil {
				log.Printf("[Pipeline] persist score failed for %s: %v", id, err)
				return nil
			}
			scored.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(scored.Load()), err
	}
	return int(scored.Load()), nil
}

// ScoreOne builds and returns a single account's profile score without
// persisting it or touching the running-scan guard, for the `score`
// subcommand's one-off lookups.
func (o *Orchestrator) ScoreOne(ctx context.Context, id models.Identifier, handle string, protectedFP models.Fingerprint, medianEngagement float64) (models.AccountScore, error) {
	return o.buildProfile(ctx, id, handle, protectedFP, medianEngagement)
}

// buildProfile builds one account's profile: fetch posts, batch-score
// toxicity, fingerprint, overlap, behavioral signals, and the final score.
// Panics from any step are recovered into an error so one bad candidate
// never aborts the batch.
func (o *Orchestrator) buildProfile(ctx context.Context, id models.Identifier, handle string, protectedFP models.Fingerprint, medianEngagement float64) (result models.AccountScore, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic building profile for %s: %v", id, r)
		}
	}()

	if handle == "" {
		handle = string(id)
	}

	posts, fetchErr := o.client.FetchRecentPosts(ctx, handle, recentPostLimit)
	if fetchErr != nil {
		return models.AccountScore{}, fmt.Errorf("fetch posts: %w", fetchErr)
	}

	if len(posts) < minPostSamples {
		return models.AccountScore{
			Identifier:    id,
			Handle:        handle,
			Tier:          models.TierInsufficientData,
			PostsAnalyzed: len(posts),
			ScoredAt:      time.Now(),
		}, nil
	}

	texts := make([]string, len(posts))
	for i, p := range posts {
		texts[i] = p.Text
	}

	toxResults, toxErr := o.toxicityScorer.ScoreBatch(ctx, texts)
	if toxErr != nil {
		return models.AccountScore{}, fmt.Errorf("score toxicity batch: %w", toxErr)
	}

	toxScores := make([]float64, len(toxResults))
	for i, r := range toxResults {
		if r.HasCategories() {
			toxScores[i] = scoring.WeightedToxicity(r.Toxicity, r.SevereToxicity, r.IdentityAttack, r.Insult, r.Profanity, r.Threat, true)
		} else {
			toxScores[i] = r.Toxicity
		}
	}
	meanToxicity := scoring.MeanWeightedToxicity(toxScores)

	targetFP := topics.BuildFingerprint(texts)
	targetFP.UpdatedAt = time.Now()
	if o.embedder != nil {
		if vectors, embedErr := o.embedder.Embed(ctx, texts); embedErr == nil && len(vectors) > 0 {
			targetFP.Embedding = topics.MeanVector(vectors)
		}
	}

	var overlap float64
	if len(protectedFP.Embedding) > 0 && len(targetFP.Embedding) > 0 {
		overlap = topics.EmbeddingOverlap(protectedFP.Embedding, targetFP.Embedding)
	} else {
		overlap = topics.Overlap(protectedFP, targetFP)
	}

	signals := o.behavioralSignals(posts, id, medianEngagement)
	raw := scoring.ThreatScore(meanToxicity, overlap, o.weights)
	final, benignGate, boost := scoring.ApplyBehavioralModifier(raw, scoring.BehavioralInputs{
		QuoteRatio:       signals.QuoteRatio,
		ReplyRatio:       signals.ReplyRatio,
		AvgEngagement:    signals.AvgEngagement,
		PileOn:           signals.PileOn,
		MedianEngagement: medianEngagement,
	})
	signals.BenignGate = benignGate
	signals.Boost = boost

	evidence := topEvidence(posts, toxScores, 3)

	return models.AccountScore{
		Identifier:       id,
		Handle:           handle,
		WeightedToxicity: meanToxicity,
		TopicOverlap:     overlap,
		ThreatScore:      final,
		Tier:             scoring.Tier(final),
		PostsAnalyzed:    len(posts),
		Evidence:         evidence,
		Signals:          signals,
		ScoredAt:         time.Now(),
	}, nil
}

func (o *Orchestrator) behavioralSignals(posts []models.Post, id models.Identifier, medianEngagement float64) models.BehavioralSignals {
	var quotes, totalEngagement int
	for _, p := range posts {
		if p.IsQuote {
			quotes++
		}
		totalEngagement += p.LikeCount + p.RepostCount
	}

	var replyRatio float64
	if replies, total, err := o.client.FetchReplyRatio(context.Background(), string(id)); err == nil && total > 0 {
		replyRatio = float64(replies) / float64(total)
	}

	var events []models.PileOnEvent
	if stored, err := o.store.GetEventsForPileOn(context.Background()); err == nil {
		events = stored
	}
	pileOnSet := scoring.DetectPileOn(events)

	return models.BehavioralSignals{
		QuoteRatio:    float64(quotes) / float64(len(posts)),
		ReplyRatio:    replyRatio,
		AvgEngagement: float64(totalEngagement) / float64(len(posts)),
		PileOn:        pileOnSet[id],
	}
}

// topEvidence returns the n most-toxic sample posts, paired with their
// scores, ordered highest-first.
func topEvidence(posts []models.Post, scores []float64, n int) []models.ScoredPost {
	type pair struct {
		post  models.Post
		score float64
	}
	pairs := make([]pair, len(posts))
	for i := range posts {
		pairs[i] = pair{posts[i], scores[i]}
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].score > pairs[j-1].score; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	if n > len(pairs) {
		n = len(pairs)
	}
	out := make([]models.ScoredPost, n)
	for i := 0; i < n; i++ {
		out[i] = models.ScoredPost{
			URI:      pairs[i].post.URI,
			Text:     textutil.Truncate(pairs[i].post.Text, 280),
			Toxicity: pairs[i].score,
		}
	}
	return out
}

// SecondDegreeSweep implements the alternate flow: the protected user's
// followers, then each of their followers, deduplicated and excluding the
// protected user and first-degree followers, scored through the same
// staleness filter and parallel pipeline.
func (o *Orchestrator) SecondDegreeSweep(ctx context.Context, maxFirstDegree, maxPerFollower int) (int, error) {
	if !o.running.CompareAndSwap(false, true) {
		return 0, ErrScanInProgress
	}
	defer o.running.Store(false)
	defer o.state.Store(StateIdle)

	fp, err := o.store.LoadFingerprint(ctx)
	if err != nil {
		return 0, fmt.Errorf("load protected-user fingerprint: %w", err)
	}

	firstDegree, err := o.client.FetchFollowers(ctx, o.protectedHandle, maxFirstDegree)
	if err != nil {
		return 0, fmt.Errorf("fetch first-degree followers: %w", err)
	}

	firstDegreeSet := make(map[models.Identifier]bool, len(firstDegree))
	for _, f := range firstDegree {
		firstDegreeSet[f.Identifier] = true
	}

	seen := make(map[models.Identifier]bool)
	var candidates []models.Identifier
	for _, f := range firstDegree {
		if f.Handle == "" {
			continue
		}
		secondDegree, err := o.client.FetchFollowers(ctx, f.Handle, maxPerFollower)
		if err != nil {
			log.Printf("[Pipeline] second-degree fetch failed for %s: %v", f.Handle, err)
			continue
		}
		for _, sf := range secondDegree {
			if sf.Identifier == o.protectedID || firstDegreeSet[sf.Identifier] || seen[sf.Identifier] {
				continue
			}
			seen[sf.Identifier] = true
			if stale, err := o.store.IsScoreStale(ctx, sf.Identifier, o.maxAgeDays); err == nil && stale {
				candidates = append(candidates, sf.Identifier)
			}
		}
	}

	medianEngagement, _ := o.store.GetMedianEngagement(ctx)
	return o.scoreCandidatesWithMedian(ctx, candidates, fp, medianEngagement)
}

func (o *Orchestrator) scoreCandidatesWithMedian(ctx context.Context, candidates []models.Identifier, fp models.Fingerprint, median float64) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	handles := o.client.ResolveIdentifiersToHandles(ctx, candidates)
	var scored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, id := range candidates {
		id := id
		g.Go(func() error {
			score, err := o.buildProfile(gctx, id, handles[id], fp, median)
			if err != nil {
				log.Printf("[Pipeline] second-degree profile build failed for %s: %v", id, err)
				return nil
			}
			if err := o.store.UpsertAccountScore(gctx, score); err != nil {
				log.Printf("[Pipeline] persist score failed for %s: %v", id, err)
				return nil
			}
			scored.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(scored.Load()), err
	}
	return int(scored.Load()), nil
}
