package scoring

// BehavioralInputs are the raw signals needed to apply the behavioral
// modifier to a raw threat score.
type BehavioralInputs struct {
	QuoteRatio      float64 // in [0,1]
	ReplyRatio      float64 // in [0,1]
	AvgEngagement   float64 // mean likes+reposts per post
	PileOn          bool
	MedianEngagement float64 // corpus-wide median, from storage
}

// BenignGateFires reports whether all four benign-gate conditions hold.
func BenignGateFires(in BehavioralInputs) bool {
	return in.QuoteRatio < 0.15 &&
		in.ReplyRatio < 0.30 &&
		!in.PileOn &&
		in.AvgEngagement > in.MedianEngagement
}

// HostileBoost computes the multiplicative boost applied when the benign
// gate does not fire.
func HostileBoost(in BehavioralInputs) float64 {
	boost := 1.0 + 0.20*in.QuoteRatio + 0.15*in.ReplyRatio
	if in.PileOn {
		boost += 0.15
	}
	return boost
}

// ApplyBehavioralModifier applies the benign gate or hostile boost to a raw
// threat score, returning the final score and the resulting signal values
// (benign gate flag and boost multiplier) to be persisted alongside it.
func ApplyBehavioralModifier(raw float64, in BehavioralInputs) (final float64, benignGate bool, boost float64) {
	if BenignGateFires(in) {
		return min(raw, 12.0), true, 1.0
	}
	b := HostileBoost(in)
	return clamp(raw*b, 0, 100), false, b
}
