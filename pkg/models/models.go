// Package models defines the shared value types passed between the
// network client, storage engine, topic/toxicity engines, scoring core,
// and pipeline orchestrator. All types here are value-typed: no shared
// mutable pointers are meant to cross component boundaries.
package models

import "time"

// Identifier is a stable account identifier (a DID, e.g. "did:plc:abc123").
type Identifier string

// EventKind distinguishes the two amplification mechanisms this engine tracks.
type EventKind string

const (
	EventKindQuote  EventKind = "quote"
	EventKindRepost EventKind = "repost"
)

// ThreatTier is a pure function of threat score, always recomputed on read.
type ThreatTier string

const (
	TierLow              ThreatTier = "Low"
	TierWatch            ThreatTier = "Watch"
	TierElevated         ThreatTier = "Elevated"
	TierHigh             ThreatTier = "High"
	TierInsufficientData ThreatTier = "Insufficient Data"
)

// Post is a single piece of authored content fetched from the network client.
type Post struct {
	URI          string    `json:"uri"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"createdAt"`
	LikeCount    int       `json:"likeCount"`
	RepostCount  int       `json:"repostCount"`
	QuoteCount   int       `json:"quoteCount"`
	IsQuote      bool      `json:"isQuote"`
}

// Follower is a minimal account reference returned from a followers listing.
type Follower struct {
	Identifier Identifier `json:"identifier"`
	Handle     string     `json:"handle"`
}

// BacklinksPage is one page of results from the backlink index's getBacklinks call.
type BacklinksPage struct {
	Links  []Backlink `json:"links"`
	Cursor string     `json:"cursor"` // empty when exhausted
}

// Backlink is a single record that references a subject URI.
type Backlink struct {
	SourceURI   string `json:"sourceUri"`   // the amplifier's own record (quote or repost)
	AuthorDID   string `json:"authorDid"`
	Collection  string `json:"collection"` // e.g. "app.bsky.feed.post" or "app.bsky.feed.repost"
}

// ToxicityResult is the output of a single toxicity-engine call.
// Category fields are optional (nil) when the backend does not expose breakdowns.
type ToxicityResult struct {
	Toxicity       float64  `json:"toxicity"`
	SevereToxicity *float64 `json:"severeToxicity,omitempty"`
	IdentityAttack *float64 `json:"identityAttack,omitempty"`
	Insult         *float64 `json:"insult,omitempty"`
	Profanity      *float64 `json:"profanity,omitempty"`
	Threat         *float64 `json:"threat,omitempty"`
}

// HasCategories reports whether any category breakdown is present.
func (r ToxicityResult) HasCategories() bool {
	return r.SevereToxicity != nil || r.IdentityAttack != nil || r.Insult != nil || r.Profanity != nil || r.Threat != nil
}

// ScoredPost pairs a fetched post with its toxicity result, used as evidence.
type ScoredPost struct {
	URI       string  `json:"uri"`
	Text      string  `json:"text"`
	Toxicity  float64 `json:"toxicity"`
}

// TopicCluster is one labeled group of co-occurring keywords within a fingerprint.
type TopicCluster struct {
	Label    string   `json:"label"`    // first 3 keywords joined by " / "
	Keywords []string `json:"keywords"` // seed term first, then neighbors by co-occurrence count
	Weight   float64  `json:"weight"`   // in [0,1], normalized across all clusters
}

// Fingerprint is a topic profile: a ranked list of clusters plus optional
// semantic embedding. Used both for the singleton protected-user fingerprint
// and transient per-target fingerprints built during profile scoring.
type Fingerprint struct {
	Clusters    []TopicCluster `json:"clusters"`
	PostCount   int            `json:"postCount"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Embedding   []float64      `json:"embedding,omitempty"` // 384-dim mean sentence embedding, optional
}

// KeywordWeights flattens a fingerprint's clusters into a per-keyword weight
// map, dividing each cluster's weight evenly across its keywords and
// accumulating weights for keywords that appear in more than one cluster.
func (f Fingerprint) KeywordWeights() map[string]float64 {
	weights := make(map[string]float64)
	for _, c := range f.Clusters {
		if len(c.Keywords) == 0 {
			continue
		}
		share := c.Weight / float64(len(c.Keywords))
		for _, kw := range c.Keywords {
			weights[kw] += share
		}
	}
	return weights
}

// BehavioralSignals captures an account's posting pattern, derived
// deterministically from its fetched posts and the corpus-wide pile-on set.
type BehavioralSignals struct {
	QuoteRatio     float64 `json:"quoteRatio"`     // in [0,1]
	ReplyRatio     float64 `json:"replyRatio"`     // in [0,1]
	AvgEngagement  float64 `json:"avgEngagement"`  // mean likes+reposts per post
	PileOn         bool    `json:"pileOn"`
	BenignGate     bool    `json:"benignGate"`
	Boost          float64 `json:"boost"` // in [1.0, 1.5]
}

// AccountScore is the per-account row persisted by the storage engine.
type AccountScore struct {
	Identifier      Identifier        `json:"identifier"`
	Handle          string            `json:"handle"`
	WeightedToxicity float64          `json:"weightedToxicity"` // in [0,1]
	TopicOverlap    float64           `json:"topicOverlap"`     // in [0,1]
	ThreatScore     float64           `json:"threatScore"`      // in [0,100]
	Tier            ThreatTier        `json:"tier"`             // recomputed on read, not trusted from storage
	PostsAnalyzed   int               `json:"postsAnalyzed"`
	Evidence        []ScoredPost      `json:"evidence"` // top-3 most-toxic sample posts
	Signals         BehavioralSignals `json:"signals"`
	ScoredAt        time.Time         `json:"scoredAt"`
}

// AmplificationEvent is one quote or repost of a protected-user post.
// Append-only: created on scan, never mutated, retained indefinitely.
type AmplificationEvent struct {
	ID               int64      `json:"id"`
	Kind             EventKind  `json:"kind"`
	AmplifierID      Identifier `json:"amplifierId"`
	AmplifierHandle  string     `json:"amplifierHandle"`
	AmplifiedPostURI string     `json:"amplifiedPostUri"` // the protected user's post
	AmplifierPostURI string     `json:"amplifierPostUri"` // the quote/repost record itself, unique per kind
	CommentaryText   string     `json:"commentaryText,omitempty"`
	CommentaryScore  *float64   `json:"commentaryScore,omitempty"`
	DetectedAt       time.Time  `json:"detectedAt"`
}

// PileOnEvent is the minimal shape needed for sliding-window pile-on analysis.
type PileOnEvent struct {
	AmplifierID     Identifier
	OriginalPostURI string
	Timestamp       time.Time
}
