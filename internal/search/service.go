package search

import (
	"context"
	"time"

	"huddle/api/internal/logging"
)

// Indexer pushes messages into the primary index.
type Indexer interface {
	IndexMessages(records []MessageRecord) error
	Healthy() bool
}

// PrimaryIndex is a search backend that is also kept up to date by us.
type PrimaryIndex interface {
	Searcher
	Indexer
}

// Service is the facade that tries the primary index first and falls back
// to Postgres full-text search.
type Service struct {
	primary  PrimaryIndex
	fallback Searcher
	loader   func(ctx context.Context) ([]MessageRecord, error)
	async    bool
}

// NewService wires the facade. primary may be nil when Meilisearch is not
// configured.
func NewService(primary PrimaryIndex, pgfts *PgFTS) *Service {
	s := &Service{primary: primary, async: true}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts.LoadAllRecords
	}
	return s
}

// Search runs q and drops any hit outside q.ConversationIDs.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if len(q.ConversationIDs) == 0 {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: scopeResults(results, q.ConversationIDs), Total: total, Query: q.Text}
		}
		logging.Ctx(ctx).Warn().Err(err).Msg("search: primary index failed, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("search: pgfts failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: scopeResults(results, q.ConversationIDs), Total: total, Query: q.Text}
}

// IndexMessage indexes a message without blocking the caller.
func (s *Service) IndexMessage(record MessageRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	s.run(func() {
		if err := s.primary.IndexMessages([]MessageRecord{record}); err != nil {
			logging.Warn().Err(err).Str("message_id", record.ID).Msg("search: index message")
		}
	})
}

// ReindexAllFromPG copies every stored message into the primary index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.primary == nil || !s.primary.Healthy() || s.loader == nil {
		return
	}
	started := time.Now()
	records, err := s.loader(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("search: reindex load failed")
		return
	}
	if err := s.primary.IndexMessages(records); err != nil {
		logging.Warn().Err(err).Msg("search: reindex messages")
		return
	}
	logging.Info().Int("messages", len(records)).Dur("elapsed", time.Since(started)).Msg("search: reindex complete")
}

func (s *Service) run(fn func()) {
	if s.async {
		go fn()
		return
	}
	fn()
}

func scopeResults(results []Result, allowed []string) []Result {
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	scoped := make([]Result, 0, len(results))
	for _, r := range results {
		if _, ok := set[r.ConversationID]; ok {
			scoped = append(scoped, r)
		}
	}
	return scoped
}
