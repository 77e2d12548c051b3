package router

import "strings"

var highComplexityKeywords = []string{
	"integrate", "refactor", "across files", "multi-file", "authentication",
	"payment", "real-time", "websocket", "complex", "full-stack",
	"oauth", "stripe", "database migration", "architecture", "design",
	"implement",
}

var lowComplexityKeywords = []string{
	"simple", "basic", "single", "one file", "style", "css", "readme",
	"deploy", "config", "env", "rename", "typo", "comment",
}

// EstimateTokens is the usual four-characters-per-token approximation.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// ClassifyComplexity estimates a [0,1] complexity score without a model call.
//
// Starting from 0.5, every high-complexity indicator present in text adds 0.1
// and every low-complexity one subtracts 0.1. Large inputs add 0.05 above 2000
// tokens and 0.15 above 4000. The score is advisory: an explicit task
// complexity always wins.
func ClassifyComplexity(text string, tokenCount int) float64 {
	lower := strings.ToLower(text)
	score := 0.5

	for _, kw := range highComplexityKeywords {
		if strings.Contains(lower, kw) {
			score += 0.1
		}
	}
	for _, kw := range lowComplexityKeywords {
		if strings.Contains(lower, kw) {
			score -= 0.1
		}
	}

	switch {
	case tokenCount > 4000:
		score += 0.15
	case tokenCount > 2000:
		score += 0.05
	}

	return clamp01(score)
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
