package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RepositoryConfig tunes tier TTLs and retrieval limits.
type RepositoryConfig struct {
	// STMTTL is the short-term tier lifetime.
	STMTTL time.Duration

	// ITMTTL is the intermediate tier lifetime.
	ITMTTL time.Duration

	// ContextBudget caps the total content bytes of a PromptContext.
	ContextBudget int

	// ContextSTMLimit / ContextITMLimit / ContextLTMLimit bound how
	// many candidates each tier contributes before budgeting.
	ContextSTMLimit int
	ContextITMLimit int
	ContextLTMLimit int
}

// ApplyDefaults fills unset fields with the tier defaults.
func (c *RepositoryConfig) ApplyDefaults() {
	if c.STMTTL <= 0 {
		c.STMTTL = time.Hour
	}
	if c.ITMTTL <= 0 {
		c.ITMTTL = 7 * 24 * time.Hour
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 4096
	}
	if c.ContextSTMLimit <= 0 {
		c.ContextSTMLimit = 5
	}
	if c.ContextITMLimit <= 0 {
		c.ContextITMLimit = 5
	}
	if c.ContextLTMLimit <= 0 {
		c.ContextLTMLimit = 5
	}
}

// Repository is the single entry point for all tiered memory access.
// It owns the tier invariants: ephemeral entries always carry a TTL,
// durable writes complete before ephemeral deletes, and expired
// entries are never readable.
type Repository struct {
	ephemeral EphemeralStore
	durable   DurableStore
	embedder  Embedder
	promoter  *Promoter
	cfg       RepositoryConfig
	logger    *zap.Logger
	probe     RunProbe
	now       func() time.Time
}

// NewRepository wires a repository. promoter is required: retrieval is
// the primary opportunistic promotion trigger. logger may be nil.
func NewRepository(ephemeral EphemeralStore, durable DurableStore, embedder Embedder, promoter *Promoter, cfg RepositoryConfig, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Repository{
		ephemeral: ephemeral,
		durable:   durable,
		embedder:  embedder,
		promoter:  promoter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetRunProbe attaches the distillation job so Stats can report its
// last completed run.
func (r *Repository) SetRunProbe(p RunProbe) { r.probe = p }

// Store writes a new memory item into the requested tier and returns
// its id. STM and ITM writes go to the ephemeral store with the tier
// TTL; a direct LTM write computes the embedding first and persists
// durably, so a durable-store failure leaves nothing written.
func (r *Repository) Store(ctx context.Context, owner OwnerToken, content string, tier Tier, meta Metadata) (string, error) {
	if owner.Zero() {
		return "", ErrAnonymousOwner
	}
	if content == "" {
		return "", ErrEmptyContent
	}
	if !tier.Valid() {
		return "", ErrInvalidTier
	}

	now := r.now()
	item := &Item{
		ID:              uuid.New().String(),
		Owner:           owner.Owner(),
		Tier:            tier,
		Content:         content,
		CreatedAt:       now,
		LastAccessedAt:  now,
		Confidence:      meta.Confidence,
		EmotionalWeight: meta.EmotionalWeight,
		SessionID:       meta.SessionID,
	}

	switch tier {
	case TierSTM, TierITM:
		ttl := r.cfg.STMTTL
		if tier == TierITM {
			ttl = r.cfg.ITMTTL
		}
		item.ExpiresAt = now.Add(ttl)
		if err := r.ephemeral.Put(ctx, item, ttl); err != nil {
			return "", err
		}
	case TierLTM:
		emb, err := r.embedder.Embed(ctx, content)
		if err != nil {
			return "", Transient("embed", err)
		}
		item.Embedding = emb
		item.ConstitutionalValid = true
		if _, err := r.durable.CreateItem(ctx, item); err != nil {
			return "", err
		}
	}

	r.logger.Debug("stored memory",
		zap.String("owner", item.Owner),
		zap.String("id", item.ID),
		zap.String("tier", string(tier)))
	return item.ID, nil
}

// Retrieve fetches an item from whichever tier holds it, bumping its
// access counters. The bump is the primary signal for opportunistic
// promotion, which runs inline; a promotion failure is logged, never
// surfaced, and never blocks the read.
func (r *Repository) Retrieve(ctx context.Context, owner OwnerToken, id string) (*Item, error) {
	if owner.Zero() {
		return nil, ErrAnonymousOwner
	}

	for _, tier := range []Tier{TierSTM, TierITM} {
		item, err := r.ephemeral.Get(ctx, owner.Owner(), tier, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		item.AccessCount++
		item.LastAccessedAt = r.now()
		if err := r.ephemeral.Update(ctx, item); err != nil {
			r.logger.Warn("access bump failed", zap.String("id", id), zap.Error(err))
		}

		if err := r.promoter.OnAccess(ctx, item); err != nil {
			if !errors.Is(err, ErrValidationUnavailable) {
				r.logger.Warn("opportunistic promotion failed",
					zap.String("id", id), zap.Error(err))
			}
		}
		return item, nil
	}

	item, err := r.durable.TouchItem(ctx, owner.Owner(), id)
	if err != nil {
		return nil, err
	}
	if item.Tombstoned {
		return nil, ErrNotFound
	}
	return item, nil
}

// List returns the owner's live items in one tier, most recently
// touched first. Listing never bumps access counters and never
// promotes. limit <= 0 returns everything.
func (r *Repository) List(ctx context.Context, owner OwnerToken, tier Tier, limit int) ([]*Item, error) {
	if owner.Zero() {
		return nil, ErrAnonymousOwner
	}
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}

	switch tier {
	case TierSTM:
		return r.ephemeral.RecentSTM(ctx, owner.Owner(), limit)
	case TierITM:
		return r.ephemeral.RecentITM(ctx, owner.Owner(), limit)
	default:
		return r.durable.ListItems(ctx, owner.Owner(), limit)
	}
}

// Search ranks durable memories and distilled knowledge by vector
// similarity to the query, ties broken by most recent access. STM and
// ITM are never searched.
func (r *Repository) Search(ctx context.Context, owner OwnerToken, query string, k int) ([]SearchResult, error) {
	if owner.Zero() {
		return nil, ErrAnonymousOwner
	}
	if query == "" || k <= 0 {
		return nil, nil
	}

	emb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, Transient("embed", err)
	}

	results, err := r.durable.Search(ctx, owner.Owner(), emb, k)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].LastAccessedAt.After(results[j].LastAccessedAt)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes an item: hard delete for ephemeral tiers, tombstone
// for LTM. Unknown ids return ErrNotFound.
func (r *Repository) Delete(ctx context.Context, owner OwnerToken, id string) error {
	if owner.Zero() {
		return ErrAnonymousOwner
	}

	for _, tier := range []Tier{TierSTM, TierITM} {
		_, err := r.ephemeral.Get(ctx, owner.Owner(), tier, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		return r.ephemeral.Delete(ctx, owner.Owner(), tier, id)
	}
	return r.durable.Tombstone(ctx, owner.Owner(), id)
}

// Stats reports per-tier counts and the last distillation run for
// administrative tooling.
func (r *Repository) Stats(ctx context.Context, owner OwnerToken) (*Stats, error) {
	if owner.Zero() {
		return nil, ErrAnonymousOwner
	}

	stats := &Stats{}
	var err error
	if stats.STMCount, err = r.ephemeral.CountTier(ctx, owner.Owner(), TierSTM); err != nil {
		return nil, err
	}
	if stats.ITMCount, err = r.ephemeral.CountTier(ctx, owner.Owner(), TierITM); err != nil {
		return nil, err
	}
	if stats.LTMCount, err = r.durable.CountItems(ctx, owner.Owner()); err != nil {
		return nil, err
	}
	if r.probe != nil {
		stats.LastDistillationRunAt = r.probe.LastRunAt()
	}
	return stats, nil
}
