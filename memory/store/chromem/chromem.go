// Package chromemstore implements the durable vector store on
// chromem-go, an embedded pure-Go vector database. Every owner gets
// three collections: live LTM records, distilled knowledge, and a
// graveyard for tombstoned records. Keeping tombstones out of the live
// collection makes counting and search exclusion exact instead of
// filtered.
package chromemstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/cognimesh/memtier/memory"
)

// Config holds store configuration.
type Config struct {
	// Path enables gob persistence under this directory. Empty keeps
	// everything in memory (tests, dev).
	Path string

	// Compress enables gzip for persisted data.
	Compress bool

	// Dimensions is the embedding dimensionality, needed to scan a
	// collection for listing. Must match the embedder. Defaults to 384.
	Dimensions int
}

// Store is the chromem-backed memory.DurableStore.
type Store struct {
	db     *chromem.DB
	logger *zap.Logger

	// scanVec is a fixed unit vector used to pull every document out of
	// a collection; chromem has no enumeration API, only queries.
	scanVec []float32

	// mu serializes the create-if-absent check against writes. chromem
	// itself is safe for concurrent use; the guard exists so that an
	// existence check and the write that follows it are one atomic
	// step, which is what makes promotion idempotent.
	mu sync.Mutex
}

// New creates a store. logger may be nil.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}

	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem at %s: %w", cfg.Path, err)
		}
	} else {
		db = chromem.NewDB()
	}

	scanVec := make([]float32, cfg.Dimensions)
	scanVec[0] = 1

	return &Store{db: db, logger: logger, scanVec: scanVec}, nil
}

// Collection naming. chromem restricts names to [a-zA-Z0-9._-].
func memCollection(owner string) string  { return "mem_" + sanitize(owner) }
func knCollection(owner string) string   { return "kn_" + sanitize(owner) }
func tombCollection(owner string) string { return "rip_" + sanitize(owner) }

func sanitize(owner string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, owner)
}

func (s *Store) collection(name string) (*chromem.Collection, error) {
	return s.db.GetOrCreateCollection(name, nil, nil)
}

// CreateItem writes an LTM record unless one with the same ID already
// exists, live or tombstoned.
func (s *Store) CreateItem(ctx context.Context, item *memory.Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.collection(memCollection(item.Owner))
	if err != nil {
		return false, memory.Transient("chromem collection", err)
	}
	if _, err := live.GetByID(ctx, item.ID); err == nil {
		return false, nil
	}
	tomb, err := s.collection(tombCollection(item.Owner))
	if err != nil {
		return false, memory.Transient("chromem collection", err)
	}
	if _, err := tomb.GetByID(ctx, item.ID); err == nil {
		// Deleted by an operator; never resurrected.
		return false, nil
	}

	if err := live.AddDocument(ctx, itemDocument(item)); err != nil {
		return false, memory.Transient("chromem add", err)
	}

	s.logger.Debug("durable record created",
		zap.String("owner", item.Owner),
		zap.String("id", item.ID))
	return true, nil
}

// GetItem fetches a record, checking the live collection first and the
// graveyard second.
func (s *Store) GetItem(ctx context.Context, owner, id string) (*memory.Item, error) {
	live, err := s.collection(memCollection(owner))
	if err != nil {
		return nil, memory.Transient("chromem collection", err)
	}
	if doc, err := live.GetByID(ctx, id); err == nil {
		return documentItem(doc), nil
	}

	tomb, err := s.collection(tombCollection(owner))
	if err != nil {
		return nil, memory.Transient("chromem collection", err)
	}
	if doc, err := tomb.GetByID(ctx, id); err == nil {
		item := documentItem(doc)
		item.Tombstoned = true
		return item, nil
	}
	return nil, memory.ErrNotFound
}

// TouchItem bumps access counters on a live record.
func (s *Store) TouchItem(ctx context.Context, owner, id string) (*memory.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.collection(memCollection(owner))
	if err != nil {
		return nil, memory.Transient("chromem collection", err)
	}
	doc, err := live.GetByID(ctx, id)
	if err != nil {
		// Tombstoned records are still retrievable via GetItem; the
		// access path treats them as gone.
		return nil, memory.ErrNotFound
	}

	item := documentItem(doc)
	item.AccessCount++
	item.LastAccessedAt = time.Now()

	if err := live.Delete(ctx, nil, nil, id); err != nil {
		return nil, memory.Transient("chromem delete", err)
	}
	if err := live.AddDocument(ctx, itemDocument(item)); err != nil {
		return nil, memory.Transient("chromem add", err)
	}
	return item, nil
}

// Tombstone moves a live record into the owner's graveyard.
func (s *Store) Tombstone(ctx context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.collection(memCollection(owner))
	if err != nil {
		return memory.Transient("chromem collection", err)
	}
	doc, err := live.GetByID(ctx, id)
	if err != nil {
		return memory.ErrNotFound
	}

	tomb, err := s.collection(tombCollection(owner))
	if err != nil {
		return memory.Transient("chromem collection", err)
	}
	if err := tomb.AddDocument(ctx, doc); err != nil {
		return memory.Transient("chromem add", err)
	}
	if err := live.Delete(ctx, nil, nil, id); err != nil {
		return memory.Transient("chromem delete", err)
	}

	s.logger.Info("durable record tombstoned",
		zap.String("owner", owner),
		zap.String("id", id))
	return nil
}

// ListItems lists live LTM records by most recent access. The scan
// queries the whole collection with a fixed vector and discards the
// similarities; recency ordering comes from the metadata. limit <= 0
// lists everything.
func (s *Store) ListItems(ctx context.Context, owner string, limit int) ([]*memory.Item, error) {
	col, err := s.collection(memCollection(owner))
	if err != nil {
		return nil, memory.Transient("chromem collection", err)
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	hits, err := col.QueryEmbedding(ctx, s.scanVec, n, nil, nil)
	if err != nil {
		return nil, memory.Transient("chromem query", err)
	}

	items := make([]*memory.Item, 0, len(hits))
	for _, hit := range hits {
		items = append(items, documentItem(chromem.Document{
			ID:        hit.ID,
			Content:   hit.Content,
			Embedding: hit.Embedding,
			Metadata:  hit.Metadata,
		}))
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].LastAccessedAt.After(items[j].LastAccessedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Search queries live LTM records and distilled knowledge, merging the
// two result sets ranked by similarity.
func (s *Store) Search(ctx context.Context, owner string, embedding []float32, k int) ([]memory.SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	var results []memory.SearchResult
	for _, name := range []string{memCollection(owner), knCollection(owner)} {
		col, err := s.collection(name)
		if err != nil {
			return nil, memory.Transient("chromem collection", err)
		}
		// chromem requires nResults <= document count.
		n := k
		if count := col.Count(); count < n {
			n = count
		}
		if n == 0 {
			continue
		}
		hits, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
		if err != nil {
			return nil, memory.Transient("chromem query", err)
		}
		for _, hit := range hits {
			results = append(results, resultFrom(hit))
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// CreateKnowledge writes a distilled knowledge record if absent. The
// caller supplies a deterministic ID, which is what makes distillation
// reruns no-ops.
func (s *Store) CreateKnowledge(ctx context.Context, k *memory.DistilledKnowledge) (bool, error) {
	if len(k.SourceReflectionIDs) == 0 {
		return false, fmt.Errorf("knowledge %s has no source reflections", k.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection(knCollection(k.Owner))
	if err != nil {
		return false, memory.Transient("chromem collection", err)
	}
	if _, err := col.GetByID(ctx, k.ID); err == nil {
		return false, nil
	}
	if err := col.AddDocument(ctx, knowledgeDocument(k)); err != nil {
		return false, memory.Transient("chromem add", err)
	}
	return true, nil
}

// CountItems counts live LTM records. Tombstones live in a separate
// collection, so the collection count is exact.
func (s *Store) CountItems(ctx context.Context, owner string) (int64, error) {
	col, err := s.collection(memCollection(owner))
	if err != nil {
		return 0, memory.Transient("chromem collection", err)
	}
	return int64(col.Count()), nil
}

// Close is a no-op: chromem persists incrementally.
func (s *Store) Close() error { return nil }

// Document serialization. Scalar metadata is stringly typed because
// chromem metadata is map[string]string.

func itemDocument(item *memory.Item) chromem.Document {
	return chromem.Document{
		ID:        item.ID,
		Content:   item.Content,
		Embedding: item.Embedding,
		Metadata: map[string]string{
			"kind":                 string(memory.KindMemory),
			"owner":                item.Owner,
			"tier":                 string(memory.TierLTM),
			"created_at":           item.CreatedAt.Format(time.RFC3339Nano),
			"last_accessed_at":     item.LastAccessedAt.Format(time.RFC3339Nano),
			"access_count":         strconv.Itoa(item.AccessCount),
			"confidence":           formatFloat(item.Confidence),
			"emotional_weight":     formatFloat(item.EmotionalWeight),
			"constitutional_valid": strconv.FormatBool(item.ConstitutionalValid),
			"session_id":           item.SessionID,
		},
	}
}

func documentItem(doc chromem.Document) *memory.Item {
	md := doc.Metadata
	return &memory.Item{
		ID:                  doc.ID,
		Owner:               md["owner"],
		Tier:                memory.TierLTM,
		Content:             doc.Content,
		Embedding:           doc.Embedding,
		CreatedAt:           parseTime(md["created_at"]),
		LastAccessedAt:      parseTime(md["last_accessed_at"]),
		AccessCount:         parseInt(md["access_count"]),
		Confidence:          parseFloat(md["confidence"]),
		EmotionalWeight:     parseFloat(md["emotional_weight"]),
		ConstitutionalValid: md["constitutional_valid"] == "true",
		SessionID:           md["session_id"],
	}
}

func knowledgeDocument(k *memory.DistilledKnowledge) chromem.Document {
	return chromem.Document{
		ID:        k.ID,
		Content:   k.Principle,
		Embedding: k.Embedding,
		Metadata: map[string]string{
			"kind":       string(memory.KindKnowledge),
			"owner":      k.Owner,
			"topic":      k.Topic,
			"source_ids": strings.Join(k.SourceReflectionIDs, ","),
			"confidence": formatFloat(k.Confidence),
			"created_at": k.CreatedAt.Format(time.RFC3339Nano),
		},
	}
}

func resultFrom(hit chromem.Result) memory.SearchResult {
	md := hit.Metadata
	return memory.SearchResult{
		ID:             hit.ID,
		Owner:          md["owner"],
		Kind:           memory.SearchResultKind(md["kind"]),
		Content:        hit.Content,
		Confidence:     parseFloat(md["confidence"]),
		Similarity:     hit.Similarity,
		AccessCount:    parseInt(md["access_count"]),
		CreatedAt:      parseTime(md["created_at"]),
		LastAccessedAt: parseTime(md["last_accessed_at"]),
	}
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
