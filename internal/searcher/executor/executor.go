// Package executor runs parsed queries against the caption index and
// resolves the matches in the document store.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/econaxis/imgrepo/internal/docstore"
	"github.com/econaxis/imgrepo/internal/indexer/results"
	"github.com/econaxis/imgrepo/internal/searcher/parser"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
	"github.com/econaxis/imgrepo/pkg/tracing"
)

// Index is the read side of the index manager.
type Index interface {
	SearchTerms(terms []string) (*results.ScoredMatches, error)
	Generation() uint64
}

type Result struct {
	ID          uint64            `json:"id"`
	Filename    string            `json:"filename"`
	Description string            `json:"description"`
	Score       uint32            `json:"score"`
	Snippets    []results.Snippet `json:"snippets"`
}

type SearchResult struct {
	Query      string   `json:"query"`
	Terms      []string `json:"terms"`
	Generation uint64   `json:"generation"`
	TotalHits  int      `json:"total_hits"`
	Results    []Result `json:"results"`
}

type Executor struct {
	index    Index
	store    docstore.Store
	minScore uint32
	logger   *slog.Logger
}

func New(index Index, store docstore.Store, minScore uint32) *Executor {
	return &Executor{
		index:    index,
		store:    store,
		minScore: minScore,
		logger:   slog.Default().With("component", "query-executor"),
	}
}

// Generation is the index generation results are computed against.
func (e *Executor) Generation() uint64 {
	return e.index.Generation()
}

// Execute returns up to limit documents scoring at least the executor's
// minimum, in relevance order. Matches whose document is missing or
// deleted in the store are skipped.
func (e *Executor) Execute(ctx context.Context, plan *parser.QueryPlan, limit int) (*SearchResult, error) {
	out := &SearchResult{
		Query:      plan.RawQuery,
		Terms:      plan.Terms,
		Generation: e.index.Generation(),
		Results:    []Result{},
	}
	if len(plan.Terms) == 0 {
		return out, nil
	}

	_, span := tracing.Start(ctx, "index")
	matches, err := e.index.SearchTerms(plan.Terms)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	filtered := matches.Filter(e.minScore)
	out.TotalHits = filtered.Len()
	span.SetAttr("matched", matches.Len())

	_, span = tracing.Start(ctx, "resolve")
	defer span.End()

	skipped := 0
	for _, id := range filtered.Order {
		if limit > 0 && len(out.Results) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := e.store.Get(ctx, id, docstore.FieldFilename|docstore.FieldDescription)
		if apperrors.IsNotFound(err) {
			skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading document %d: %w", id, err)
		}
		out.Results = append(out.Results, Result{
			ID:          id,
			Filename:    doc.Filename,
			Description: doc.Description,
			Score:       filtered.Scores[id],
			Snippets:    results.Snippets(doc.Description, filtered.Matches[id], plan.Terms),
		})
	}

	span.SetAttr("skipped_missing", skipped)
	e.logger.Debug("query executed",
		"query", plan.RawQuery,
		"terms", len(plan.Terms),
		"matched", matches.Len(),
		"above_min_score", out.TotalHits,
		"skipped_missing", skipped,
		"returned", len(out.Results),
	)
	return out, nil
}
