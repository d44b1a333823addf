package services

import (
	"strings"

	"game-library-sync/store"
)

// SimilarityScorer scores how likely two catalog games are the same game,
// in [0, 1].
type SimilarityScorer interface {
	Score(a, b store.GameSummary) float64
}

// DiceScorer compares normalized keys by character-bigram Dice coefficient.
// Games cross-referenced on disjoint platforms get DisjointBonus added; games
// sharing a platform are scaled by OverlapPenalty.
type DiceScorer struct {
	DisjointBonus  float64
	OverlapPenalty float64
}

func NewDiceScorer() DiceScorer {
	return DiceScorer{DisjointBonus: 0.1, OverlapPenalty: 0.85}
}

func (d DiceScorer) Score(a, b store.GameSummary) float64 {
	score := Dice(a.NormalizedName, b.NormalizedName)
	if score == 0 {
		return 0
	}
	if a.Platforms != 0 && b.Platforms != 0 {
		if a.Platforms&b.Platforms == 0 {
			score += d.DisjointBonus
		} else {
			score *= d.OverlapPenalty
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Dice returns the Sørensen-Dice coefficient of the two strings' bigram
// multisets. Separators are ignored.
func Dice(a, b string) float64 {
	a, b = compact(a), compact(b)
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}

	counts := make(map[string]int, len(ba))
	for _, g := range ba {
		counts[g]++
	}
	shared := 0
	for _, g := range bb {
		if counts[g] > 0 {
			counts[g]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ba)+len(bb))
}

func compact(s string) string {
	return strings.ReplaceAll(s, "-", "")
}

func bigrams(s string) []string {
	r := []rune(s)
	if len(r) < 2 {
		return nil
	}
	out := make([]string, 0, len(r)-1)
	for i := 0; i < len(r)-1; i++ {
		out = append(out, string(r[i:i+2]))
	}
	return out
}

// blockKey groups games that may be compared. Leading articles are dropped
// so "the-witcher-3" and "witcher-3" land in the same block.
func blockKey(normalized string, prefix int) string {
	key := strings.TrimPrefix(normalized, "the-")
	key = compact(key)
	r := []rune(key)
	if len(r) > prefix {
		r = r[:prefix]
	}
	return string(r)
}
