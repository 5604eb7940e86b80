// Package scorer ranks roster candidates for the next turn.
package scorer

import (
	"math/rand/v2"
	"sort"

	"ensemble/director/internal/lexical"
	"ensemble/director/internal/recency"
	"ensemble/director/internal/types"
)

// Source draws the noise term. *rand.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

type Weights struct {
	Mention     float64
	Keyword     float64
	NoiseSpread int
}

var DefaultWeights = Weights{Mention: 50, Keyword: 20, NoiseSpread: 10}

// Breakdown holds the components summed before the talkativeness multiplier.
type Breakdown struct {
	Mention float64 `json:"mention"`
	Recency float64 `json:"recency"`
	Keyword float64 `json:"keyword"`
	Noise   int     `json:"noise"`
}

func (b Breakdown) Sum() float64 {
	return b.Mention + b.Recency + b.Keyword + float64(b.Noise)
}

type Scored struct {
	Candidate types.Candidate `json:"candidate"`
	Score     float64         `json:"score"`
	Breakdown Breakdown       `json:"breakdown"`
}

type Scorer struct {
	weights Weights
	noise   Source
}

// New returns a Scorer with the default weights. A nil src uses the shared math/rand/v2 generator.
func New(src Source) *Scorer {
	if src == nil {
		src = globalSource{}
	}
	return &Scorer{weights: DefaultWeights, noise: src}
}

// Score returns one entry per candidate, in input order, skipping the author of the
// newest message. An empty history scores everyone against an empty message.
func (s *Scorer) Score(history []types.Message, candidates []types.Candidate, talkativeness float64) []Scored {
	if talkativeness <= 0 {
		talkativeness = 1
	}
	var last types.Message
	if len(history) > 0 {
		last = history[len(history)-1]
	}

	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		if last.SpeakerID != "" && c.ID == last.SpeakerID {
			continue
		}
		var b Breakdown
		if lexical.HasMention(last.Text, c.Name) {
			b.Mention = s.weights.Mention
		}
		b.Recency = recency.Penalty(recency.TurnsSince(history, c.ID))
		if lexical.HasKeywordOverlap(last.Text, c.ProfileText()) {
			b.Keyword = s.weights.Keyword
		}
		b.Noise = s.drawNoise()
		out = append(out, Scored{Candidate: c, Score: b.Sum() * talkativeness, Breakdown: b})
	}
	return out
}

func (s *Scorer) drawNoise() int {
	spread := s.weights.NoiseSpread
	if spread <= 0 {
		return 0
	}
	return s.noise.IntN(2*spread+1) - spread
}

// Rank sorts scored descending by score. Equal scores keep roster order.
func Rank(scored []Scored) []Scored {
	out := append([]Scored(nil), scored...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Pick returns the best ranked entry. With respectThreshold set, the entry must score
// strictly above threshold.
func Pick(ranked []Scored, threshold float64, respectThreshold bool) (Scored, bool) {
	if len(ranked) == 0 {
		return Scored{}, false
	}
	best := ranked[0]
	if respectThreshold && !(best.Score > threshold) {
		return best, false
	}
	return best, true
}
