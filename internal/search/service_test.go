package search

import (
	"context"
	"errors"
	"io"
	"testing"

	"huddle/api/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

type fakeIndex struct {
	healthy bool
	results []Result
	err     error
	indexed []MessageRecord
	queries []Query
}

func (f *fakeIndex) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.queries = append(f.queries, q)
	return f.results, len(f.results), f.err
}
func (f *fakeIndex) Healthy() bool { return f.healthy }
func (f *fakeIndex) IndexMessages(records []MessageRecord) error {
	f.indexed = append(f.indexed, records...)
	return nil
}

func newTestService(primary, fallback *fakeIndex) *Service {
	s := &Service{fallback: fallback}
	if primary != nil {
		s.primary = primary
	}
	return s
}

func TestSearchUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &fakeIndex{healthy: true, results: []Result{{ID: "msg_1", ConversationID: "conv_a"}}}
	fallback := &fakeIndex{healthy: true}
	svc := newTestService(primary, fallback)

	resp := svc.Search(context.Background(), Query{Text: "hello", ConversationIDs: []string{"conv_a"}})
	if len(resp.Results) != 1 || resp.Results[0].ID != "msg_1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(fallback.queries) != 0 {
		t.Fatal("fallback should not run when primary succeeds")
	}
}

func TestSearchFallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeIndex{healthy: true, err: errors.New("boom")}
	fallback := &fakeIndex{healthy: true, results: []Result{{ID: "msg_2", ConversationID: "conv_a"}}}
	svc := newTestService(primary, fallback)

	resp := svc.Search(context.Background(), Query{Text: "hello", ConversationIDs: []string{"conv_a"}})
	if len(resp.Results) != 1 || resp.Results[0].ID != "msg_2" {
		t.Fatalf("expected fallback result, got %+v", resp)
	}
}

func TestSearchSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: false}
	fallback := &fakeIndex{healthy: true}
	svc := newTestService(primary, fallback)

	svc.Search(context.Background(), Query{Text: "x", ConversationIDs: []string{"conv_a"}})
	if len(primary.queries) != 0 || len(fallback.queries) != 1 {
		t.Fatalf("unhealthy primary should be skipped: primary=%d fallback=%d", len(primary.queries), len(fallback.queries))
	}
}

func TestSearchScopesToConversations(t *testing.T) {
	primary := &fakeIndex{healthy: true, results: []Result{
		{ID: "msg_1", ConversationID: "conv_a"},
		{ID: "msg_2", ConversationID: "conv_secret"},
	}}
	svc := newTestService(primary, &fakeIndex{})

	resp := svc.Search(context.Background(), Query{Text: "x", ConversationIDs: []string{"conv_a"}})
	if len(resp.Results) != 1 || resp.Results[0].ConversationID != "conv_a" {
		t.Fatalf("foreign conversation leaked: %+v", resp.Results)
	}
}

func TestSearchWithoutConversationsIsEmpty(t *testing.T) {
	primary := &fakeIndex{healthy: true, results: []Result{{ID: "msg_1", ConversationID: "conv_a"}}}
	svc := newTestService(primary, &fakeIndex{})

	resp := svc.Search(context.Background(), Query{Text: "x"})
	if len(resp.Results) != 0 || len(primary.queries) != 0 {
		t.Fatalf("a caller with no conversations sees nothing: %+v", resp)
	}
	if resp.Results == nil {
		t.Fatal("results should encode as an empty array")
	}
}

func TestIndexAndReindex(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	svc := newTestService(primary, &fakeIndex{})
	svc.loader = func(context.Context) ([]MessageRecord, error) {
		return []MessageRecord{{ID: "msg_1"}, {ID: "msg_2"}}, nil
	}

	svc.IndexMessage(MessageRecord{ID: "msg_0"})
	svc.ReindexAllFromPG(context.Background())

	if len(primary.indexed) != 3 || primary.indexed[0].ID != "msg_0" {
		t.Fatalf("unexpected indexed records %+v", primary.indexed)
	}
}

func TestConversationFilter(t *testing.T) {
	got := conversationFilter([]string{"conv_a", "conv_b"})
	want := `conversationId IN ["conv_a", "conv_b"]`
	if got != want {
		t.Fatalf("conversationFilter = %s, want %s", got, want)
	}
}

func TestNormalizePage(t *testing.T) {
	limit, offset := normalizePage(Query{Limit: 500, Offset: -3})
	if limit != 20 || offset != 0 {
		t.Fatalf("normalizePage = %d, %d", limit, offset)
	}
	limit, offset = normalizePage(Query{Limit: 5, Offset: 10})
	if limit != 5 || offset != 10 {
		t.Fatalf("normalizePage = %d, %d", limit, offset)
	}
}
