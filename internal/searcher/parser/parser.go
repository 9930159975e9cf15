// Package parser turns a raw search string into the normalized terms the
// caption index is queried with.
package parser

import (
	"sort"
	"strings"

	"github.com/econaxis/imgrepo/internal/indexer/tokenizer"
)

// MaxTerms is the most terms a query may carry; hits report the term by
// its index in a uint8.
const MaxTerms = 255

type QueryPlan struct {
	Terms    []string
	RawQuery string
}

// Parse upper-cases an already-decoded query and splits it into terms the
// way captions are tokenized. Empty and repeated terms are dropped and at
// most MaxTerms are kept.
func Parse(query string) *QueryPlan {
	plan := &QueryPlan{
		Terms:    make([]string, 0),
		RawQuery: query,
	}
	if strings.TrimSpace(query) == "" {
		return plan
	}
	plan.Terms = tokenizer.QueryTerms(query)
	if len(plan.Terms) > MaxTerms {
		plan.Terms = plan.Terms[:MaxTerms]
	}
	return plan
}

// Key is a canonical form of the plan: the same terms in any order give
// the same key.
func (p *QueryPlan) Key() string {
	sorted := append([]string(nil), p.Terms...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}
