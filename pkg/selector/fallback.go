package selector

import (
	"math"
	"sort"
	"strings"

	"github.com/xenophobed/isa-mcp/pkg/catalog"
)

// Rule-based ranking: tokenized keyword and substring matching over name,
// category, keywords, and description. Used when embeddings are unavailable
// or the pipeline times out; scores are normalized into [0, 1].

// field weights, highest for exact-name evidence.
const (
	weightNameExact   = 10.0
	weightNameToken   = 4.0
	weightKeyword     = 3.0
	weightCategory    = 2.0
	weightDescription = 1.0
)

// tokenize lower-cases and splits on non-alphanumeric runs.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// ruleScore computes the raw match score between query tokens and a
// capability. A saturating log dampens repeated-token pileup the way BM25's
// term-frequency curve does.
func ruleScore(queryTokens []string, c *catalog.Capability) float64 {
	if len(queryTokens) == 0 {
		return 0
	}

	name := strings.ToLower(c.Name)
	nameTokens := tokenize(c.Name)
	descTokens := tokenize(c.Description)
	category := strings.ToLower(c.Category)

	keywords := make([]string, 0, len(c.Keywords))
	for _, kw := range c.Keywords {
		keywords = append(keywords, strings.ToLower(kw))
	}

	var raw float64
	for _, qt := range queryTokens {
		switch {
		case qt == name:
			raw += weightNameExact
		case containsToken(nameTokens, qt) || strings.Contains(name, qt):
			raw += weightNameToken
		}
		for _, kw := range keywords {
			if kw == qt || strings.Contains(kw, qt) {
				raw += weightKeyword
				break
			}
		}
		if category != "" && (category == qt || strings.Contains(category, qt)) {
			raw += weightCategory
		}
		if containsToken(descTokens, qt) {
			raw += weightDescription
		}
	}

	// Saturate and normalize: a perfect hit on every token approaches 1.
	perToken := raw / float64(len(queryTokens))
	return math.Log1p(perToken) / math.Log1p(weightNameExact+weightKeyword+weightCategory+weightDescription)
}

func containsToken(tokens []string, t string) bool {
	for _, x := range tokens {
		if x == t {
			return true
		}
	}
	return false
}

// ruleRank scores the snapshot and returns matches ordered best-first.
// Zero-score entries are dropped.
func ruleRank(query string, caps []*catalog.Capability) []Match {
	queryTokens := tokenize(query)

	out := make([]Match, 0, len(caps))
	for _, c := range caps {
		score := ruleScore(queryTokens, c)
		if score <= 0 {
			continue
		}
		out = append(out, Match{Capability: c, Score: score})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
