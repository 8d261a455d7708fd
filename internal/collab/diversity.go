package collab

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Scorer assigns a single idea its diversity score in [0,1].
type Scorer interface {
	Score(text string) float64
	Category(text string) string
}

const categoryGeneral = "general"

var wordPattern = regexp.MustCompile(`\w+`)

var categoryKeywords = map[string][]string{
	"technology":  {"app", "ai", "software", "platform", "digital", "data", "online", "robot", "device", "sensor", "cloud"},
	"social":      {"community", "people", "social", "team", "education", "school", "health", "volunteer", "family"},
	"environment": {"solar", "green", "energy", "climate", "recycle", "recycling", "water", "waste", "carbon", "garden"},
	"business":    {"market", "service", "subscription", "business", "product", "customer", "store", "pricing", "startup"},
}

// KeywordScorer is a deterministic stand-in for real semantic scoring: it
// blends lexical variety with length and files each idea under the first
// keyword category it mentions.
type KeywordScorer struct{}

func (KeywordScorer) Score(text string) float64 {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	if len(words) == 0 {
		return 0
	}
	unique := map[string]struct{}{}
	for _, w := range words {
		unique[w] = struct{}{}
	}
	variety := float64(len(unique)) / float64(len(words))
	complexity := math.Min(float64(utf8.RuneCountInString(text))/200, 1)
	return round3(variety*0.7 + complexity*0.3)
}

func (KeywordScorer) Category(text string) string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	categories := make([]string, 0, len(categoryKeywords))
	for category := range categoryKeywords {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, w := range words {
		for _, category := range categories {
			for _, keyword := range categoryKeywords[category] {
				if w == keyword {
					return category
				}
			}
		}
	}
	return categoryGeneral
}

// computeMetrics summarizes the idea set: each category's share, and a
// score equal to the normalized Shannon entropy of those shares.
func computeMetrics(texts []string, scorer Scorer, now time.Time) DiversityMetrics {
	metrics := DiversityMetrics{
		CategoryBreakdown: map[string]float64{},
		SampleCount:       len(texts),
		ComputedAt:        now,
	}
	if len(texts) == 0 {
		return metrics
	}
	counts := map[string]int{}
	for _, text := range texts {
		counts[scorer.Category(text)]++
	}
	total := float64(len(texts))
	entropy := 0.0
	for category, n := range counts {
		share := float64(n) / total
		metrics.CategoryBreakdown[category] = round3(share)
		entropy -= share * math.Log(share)
	}
	possible := len(categoryKeywords) + 1
	metrics.Score = round3(entropy / math.Log(float64(possible)))
	if metrics.Score > 1 {
		metrics.Score = 1
	}
	return metrics
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
