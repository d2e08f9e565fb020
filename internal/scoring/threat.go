// Package scoring combines toxicity, topic overlap, and behavioral signals
// into a single threat score and tier. Every function here is stateless and
// pure: no network or storage access, no shared state, never fails.
package scoring

import "math"

// Weights holds the threat-score formula's tunable parameters. The zero
// value is invalid; use DefaultWeights.
type Weights struct {
	ToxicityWeight     float64 // multiplier applied to mean weighted toxicity
	OverlapMultiplier  float64 // scales overlap's amplifying effect above the gate
	OverlapGateThresh  float64 // below this overlap, score is capped rather than amplified
	GateMaxScore       float64 // the ceiling applied when gated
}

// DefaultWeights are the embedding-scale formula defaults from the design.
func DefaultWeights() Weights {
	return Weights{
		ToxicityWeight:    70.0,
		OverlapMultiplier: 1.5,
		OverlapGateThresh: 0.15,
		GateMaxScore:      25.0,
	}
}

// CategoryWeights are the fixed contributions of each toxicity category to
// the weighted-toxicity figure used throughout scoring.
const (
	weightIdentityAttack = 0.35
	weightInsult         = 0.25
	weightThreat         = 0.25
	weightSevereToxicity = 0.10
	weightProfanity      = 0.05
)

// WeightedToxicity computes a single post's weighted toxicity from its
// category breakdown, falling back to the raw toxicity score when no
// category breakdown is present.
func WeightedToxicity(toxicity float64, severeToxicity, identityAttack, insult, profanity, threat *float64, hasCategories bool) float64 {
	if !hasCategories {
		return toxicity
	}
	var score float64
	if identityAttack != nil {
		score += weightIdentityAttack * *identityAttack
	}
	if insult != nil {
		score += weightInsult * *insult
	}
	if threat != nil {
		score += weightThreat * *threat
	}
	if severeToxicity != nil {
		score += weightSevereToxicity * *severeToxicity
	}
	if profanity != nil {
		score += weightProfanity * *profanity
	}
	return score
}

// MeanWeightedToxicity is the arithmetic mean of per-post weighted
// toxicities over a fetched sample. Returns 0 for an empty sample.
func MeanWeightedToxicity(perPost []float64) float64 {
	if len(perPost) == 0 {
		return 0
	}
	var sum float64
	for _, v := range perPost {
		sum += v
	}
	return sum / float64(len(perPost))
}

// ThreatScore computes the raw (pre-behavioral-modifier) threat score from
// mean weighted toxicity t and topic overlap o, per the gate/multiplier/clamp
// formula: below the overlap gate threshold, overlap cannot raise the score
// past a ceiling proportional to toxicity alone; at or above it, overlap is a
// multiplicative amplifier on top of the toxicity-weighted base.
func ThreatScore(t, o float64, w Weights) float64 {
	var score float64
	if o < w.OverlapGateThresh {
		score = math.Min(t*w.GateMaxScore, w.GateMaxScore)
	} else {
		score = t * w.ToxicityWeight * (1 + o*w.OverlapMultiplier)
	}
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
