package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/keepstack/engram/internal/embedding"
	"github.com/keepstack/engram/internal/storage"
	"github.com/keepstack/engram/pkg/types"
)

// Search combines two signals over the same corpus:
//
//  1. Vector: embed the query and cosine-score every stored record that has
//     an embedding. An unavailable provider contributes zero for all records.
//  2. Lexical: FTS5 BM25 when available, otherwise a keyword-fraction
//     fallback (share of query keywords found in the content).
//
// The combined score is VectorWeight*vector + (1-VectorWeight)*lexical.
// A record missing one signal contributes 0 for that signal, not a neutral
// value: no embedding never penalizes below lexical alone, and never boosts.
func (s *Store) Search(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	opts = opts.Normalize()
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}
	if opts.Level != "" && !opts.Level.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidLevel, opts.Level)
	}

	entries, err := s.loadCandidates(ctx, opts.Level)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	lexical, err := s.lexicalScores(ctx, query, entries)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	if s.embedder != nil {
		queryVec, err = s.embedText(ctx, query)
		if err != nil {
			// Vector signal drops out; lexical carries the search.
			s.logger.Warn("query embedding unavailable", zap.Error(err))
			queryVec = nil
		}
	}

	results := make([]storage.SearchResult, 0, len(entries))
	for i := range entries {
		entry := entries[i]

		var vecScore float64
		if queryVec != nil && entry.Embedding != nil {
			vecScore = embedding.UnitSimilarity(
				embedding.CosineSimilarity(queryVec, entry.Embedding))
		}
		lexScore := lexical[entry.ID]

		score := s.cfg.VectorWeight*vecScore + (1-s.cfg.VectorWeight)*lexScore
		if score <= 0 || score < opts.MinScore {
			continue
		}

		results = append(results, storage.SearchResult{
			MemoryEntry:  entry,
			Score:        score,
			VectorScore:  vecScore,
			KeywordScore: lexScore,
		})
	}

	sortResults(results)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// sortResults orders score-descending, ties broken more-recent-first.
func sortResults(results []storage.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
}

func (s *Store) loadCandidates(ctx context.Context, level types.MemoryLevel) ([]types.MemoryEntry, error) {
	querySQL := `
		SELECT id, content, metadata, level, embedding, created_at
		FROM memories`
	var args []any
	if level != "" {
		querySQL += ` WHERE level = ?`
		args = append(args, string(level))
	}

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("loading candidates: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// lexicalScores returns an id→score map in [0,1] for every candidate the
// lexical engine matched. FTS5 BM25 ranks are negative (more negative is
// better); they map to 1/(1+|rank|). When FTS5 is unavailable the score is
// the fraction of query keywords found in the content.
func (s *Store) lexicalScores(ctx context.Context, query string, entries []types.MemoryEntry) (map[string]float64, error) {
	if s.ftsEnabled {
		scores, err := s.ftsScores(ctx, query)
		if err == nil {
			return scores, nil
		}
		// FTS5 can reject input that slipped past sanitisation; degrade to
		// keyword matching for this call rather than failing the search.
		s.logger.Warn("FTS query failed, using keyword fallback",
			zap.String("query", query), zap.Error(err))
	}
	return keywordScores(query, entries), nil
}

func (s *Store) ftsScores(ctx context.Context, query string) (map[string]float64, error) {
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return map[string]float64{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, fts.rank
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ?
		ORDER BY fts.rank`, ftsQuery)
	if err != nil {
		return nil, fmt.Errorf("FTS MATCH %q: %w", query, err)
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, fmt.Errorf("scanning FTS row: %w", err)
		}
		if rank < 0 {
			rank = -rank
		}
		scores[id] = 1 / (1 + rank)
	}
	return scores, rows.Err()
}

// keywordScores is the lexical fallback: each entry scores the fraction of
// query keywords that appear (case-insensitive substring) in its content.
func keywordScores(query string, entries []types.MemoryEntry) map[string]float64 {
	keywords := queryKeywords(query)
	scores := make(map[string]float64, len(entries))
	if len(keywords) == 0 {
		return scores
	}

	for i := range entries {
		content := strings.ToLower(entries[i].Content)
		matched := 0
		for _, kw := range keywords {
			if strings.Contains(content, kw) {
				matched++
			}
		}
		if matched > 0 {
			scores[entries[i].ID] = float64(matched) / float64(len(keywords))
		}
	}
	return scores
}

// ftsStopWords carry no discriminative value and are dropped from queries.
var ftsStopWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"to": true, "of": true, "in": true, "on": true, "at": true,
	"by": true, "for": true, "with": true, "from": true, "as": true,
	"and": true, "or": true, "but": true, "if": true, "not": true,
	"it": true, "this": true, "that": true,
}

// sanitizeFTSQuery converts free-form input into a safe FTS5 prefix query.
// FTS5 syntax is fragile: an unbalanced quote or stray operator keyword
// causes a syntax error, so the input is reduced to OR'd prefix terms.
func sanitizeFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, ` `, `'`, ` `, `(`, ` `, `)`, ` `,
		`*`, ` `, `-`, ` `, `^`, ` `, `?`, ` `, `:`, ` `,
	)
	words := strings.Fields(strings.ToLower(replacer.Replace(query)))

	var terms []string
	for _, w := range words {
		if !ftsStopWords[w] && len(w) >= 2 {
			terms = append(terms, w+"*")
		}
	}
	return strings.Join(terms, " OR ")
}

// queryKeywords extracts the fallback matching terms from a query, using the
// same stop-word filtering as the FTS path so both signals agree on what the
// query "means".
func queryKeywords(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	var keywords []string
	for _, w := range words {
		w = strings.Trim(w, `.,;:!?"'()`)
		if !ftsStopWords[w] && len(w) >= 2 {
			keywords = append(keywords, w)
		}
	}
	return keywords
}
