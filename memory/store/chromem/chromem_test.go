package chromemstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognimesh/memtier/memory"
	"github.com/cognimesh/memtier/memory/embedder/mock"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dimensions: 64}, nil)
	require.NoError(t, err)
	return s
}

func testItem(id, owner, content string) *memory.Item {
	now := time.Now().UTC().Truncate(time.Millisecond)
	emb, _ := mock.New(64).Embed(context.Background(), content)
	return &memory.Item{
		ID:                  id,
		Owner:               owner,
		Tier:                memory.TierLTM,
		Content:             content,
		Embedding:           emb,
		CreatedAt:           now,
		LastAccessedAt:      now,
		AccessCount:         3,
		Confidence:          0.8,
		EmotionalWeight:     0.4,
		ConstitutionalValid: true,
	}
}

func TestCreateItemIsCreateIfAbsent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	item := testItem("m1", "ada", "first write wins")
	created, err := s.CreateItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, created)

	// A concurrent promoter losing the race sees created=false and no
	// error, and the stored content is the first writer's.
	dup := testItem("m1", "ada", "second write loses")
	created, err = s.CreateItem(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetItem(ctx, "ada", "m1")
	require.NoError(t, err)
	assert.Equal(t, "first write wins", got.Content)
}

func TestGetItemRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	item := testItem("m2", "ada", "roundtrip")
	_, err := s.CreateItem(ctx, item)
	require.NoError(t, err)

	got, err := s.GetItem(ctx, "ada", "m2")
	require.NoError(t, err)
	assert.Equal(t, item.Content, got.Content)
	assert.Equal(t, item.AccessCount, got.AccessCount)
	assert.InDelta(t, item.Confidence, got.Confidence, 1e-9)
	assert.InDelta(t, item.EmotionalWeight, got.EmotionalWeight, 1e-9)
	assert.True(t, got.CreatedAt.Equal(item.CreatedAt))

	_, err = s.GetItem(ctx, "ada", "missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	_, err = s.GetItem(ctx, "mallory", "m2")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestTouchItemBumpsAccess(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	item := testItem("m3", "ada", "touch me")
	_, err := s.CreateItem(ctx, item)
	require.NoError(t, err)

	got, err := s.TouchItem(ctx, "ada", "m3")
	require.NoError(t, err)
	assert.Equal(t, item.AccessCount+1, got.AccessCount)
	assert.True(t, got.LastAccessedAt.After(item.LastAccessedAt))

	again, err := s.GetItem(ctx, "ada", "m3")
	require.NoError(t, err)
	assert.Equal(t, got.AccessCount, again.AccessCount)
}

func TestTombstoneHidesFromSearchAndCount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	item := testItem("m4", "ada", "soon to be gone")
	_, err := s.CreateItem(ctx, item)
	require.NoError(t, err)

	require.NoError(t, s.Tombstone(ctx, "ada", "m4"))

	got, err := s.GetItem(ctx, "ada", "m4")
	require.NoError(t, err)
	assert.True(t, got.Tombstoned)

	n, err := s.CountItems(ctx, "ada")
	require.NoError(t, err)
	assert.Zero(t, n)

	results, err := s.Search(ctx, "ada", item.Embedding, 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	// Tombstoning twice is harmless.
	assert.NoError(t, s.Tombstone(ctx, "ada", "m4"))
	// The id can never be recreated.
	created, err := s.CreateItem(ctx, testItem("m4", "ada", "resurrection attempt"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestTombstoneUnknownID(t *testing.T) {
	s := newStore(t)
	err := s.Tombstone(context.Background(), "ada", "ghost")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestListItemsNewestAccessFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"l1", "l2", "l3"} {
		item := testItem(id, "ada", "fact "+id)
		item.LastAccessedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := s.CreateItem(ctx, item)
		require.NoError(t, err)
	}

	items, err := s.ListItems(ctx, "ada", 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "l3", items[0].ID)
	assert.Equal(t, "l2", items[1].ID)
	assert.Equal(t, "l1", items[2].ID)

	items, err = s.ListItems(ctx, "ada", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "l3", items[0].ID)

	// Tombstoned records drop out of the listing.
	require.NoError(t, s.Tombstone(ctx, "ada", "l3"))
	items, err = s.ListItems(ctx, "ada", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "l2", items[0].ID)

	// An owner with nothing stored lists empty, not an error.
	items, err = s.ListItems(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSearchMergesMemoriesAndKnowledge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	embedder := mock.New(64)

	item := testItem("m5", "ada", "retry transient failures with backoff")
	_, err := s.CreateItem(ctx, item)
	require.NoError(t, err)

	principle := "For reliability: retry transient failures with backoff"
	emb, err := embedder.Embed(ctx, principle)
	require.NoError(t, err)
	created, err := s.CreateKnowledge(ctx, &memory.DistilledKnowledge{
		ID:                  "k1",
		Owner:               "ada",
		SourceReflectionIDs: []string{"r1", "r2"},
		Topic:               "reliability",
		Principle:           principle,
		Embedding:           emb,
		Confidence:          0.82,
		CreatedAt:           time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, created)

	query, err := embedder.Embed(ctx, "how should I handle transient failures")
	require.NoError(t, err)
	results, err := s.Search(ctx, "ada", query, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	kinds := map[memory.SearchResultKind]bool{}
	for _, r := range results {
		kinds[r.Kind] = true
		assert.Equal(t, "ada", r.Owner)
	}
	assert.True(t, kinds[memory.KindMemory])
	assert.True(t, kinds[memory.KindKnowledge])
}

func TestSearchCapsAtAvailableDocuments(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	item := testItem("m6", "ada", "only one document")
	_, err := s.CreateItem(ctx, item)
	require.NoError(t, err)

	// Asking for more results than documents must not error.
	results, err := s.Search(ctx, "ada", item.Embedding, 50)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// An owner with nothing stored gets an empty result, not an error.
	results, err = s.Search(ctx, "nobody", item.Embedding, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCreateKnowledgeValidatesProvenance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.CreateKnowledge(ctx, &memory.DistilledKnowledge{
		ID:        "k2",
		Owner:     "ada",
		Topic:     "orphan",
		Principle: "knowledge with no sources",
	})
	assert.Error(t, err)
}

func TestCreateKnowledgeIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	emb, _ := mock.New(64).Embed(ctx, "p")

	k := &memory.DistilledKnowledge{
		ID:                  "k3",
		Owner:               "ada",
		SourceReflectionIDs: []string{"r1"},
		Topic:               "t",
		Principle:           "p",
		Embedding:           emb,
		Confidence:          0.9,
		CreatedAt:           time.Now().UTC(),
	}
	created, err := s.CreateKnowledge(ctx, k)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateKnowledge(ctx, k)
	require.NoError(t, err)
	assert.False(t, created)
}
