package syncer

import (
	"fmt"
	"math"
)

// SellInput is everything needed to size a copied sell.
type SellInput struct {
	HeldTokens            float64 // controlled account's live position
	TrackedTokens         float64 // tokens bought by copying this source
	SourceSoldTokens      float64
	SourceRemainingTokens float64 // source position after its sell
	SourceHasPosition     bool
	Multiplier            float64
}

// SellPlan is the computed sell size
type SellPlan struct {
	Tokens    float64
	FullExit  bool
	Reasoning string
}

// SellTarget sizes a sell. A source that fully exited is followed out of
// the whole held position. A partial exit sells the same fraction of the
// tracked purchases, falling back to the held position when nothing is
// tracked. The result never exceeds HeldTokens.
// This is a pure function for easy testing.
func SellTarget(in SellInput) SellPlan {
	held := math.Max(in.HeldTokens, 0)

	if !in.SourceHasPosition || in.SourceRemainingTokens <= 0 {
		return SellPlan{
			Tokens:    held,
			FullExit:  true,
			Reasoning: fmt.Sprintf("trader closed position, selling all %.2f tokens", held),
		}
	}

	total := in.SourceRemainingTokens + in.SourceSoldTokens
	fraction := 0.0
	if total > 0 {
		fraction = math.Max(0, math.Min(1, in.SourceSoldTokens/total))
	}

	var base float64
	var basis string
	if in.TrackedTokens > 0 {
		base = in.TrackedTokens * fraction
		basis = fmt.Sprintf("%.2f tracked", in.TrackedTokens)
	} else {
		base = held * fraction
		basis = fmt.Sprintf("%.2f held (no tracked purchases)", held)
	}

	multiplier := math.Max(in.Multiplier, 0)
	tokens := base * multiplier
	reasoning := fmt.Sprintf("trader sold %.2f%% of position, selling the same share of %s", fraction*100, basis)
	if multiplier != 1 {
		reasoning += fmt.Sprintf(", %gx multiplier", multiplier)
	}
	if tokens > held {
		tokens = held
		reasoning += fmt.Sprintf(", capped at held %.2f", held)
	}

	return SellPlan{
		Tokens:    tokens,
		Reasoning: reasoning,
	}
}
