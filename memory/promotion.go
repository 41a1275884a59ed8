package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Promotion thresholds. An ITM item becomes an LTM candidate once it
// has been accessed at least AccessThreshold times and carries either
// significant emotion or high confidence.
const (
	stmPromoteAccessCount = 2
	ltmPromoteAccessCount = 3
	emotionalThreshold    = 0.3
	confidenceThreshold   = 0.7
)

// PromoterConfig tunes tier transitions.
type PromoterConfig struct {
	// ITMTTL is the lifetime granted to an item promoted into ITM.
	ITMTTL time.Duration

	// ExpiryWindow is how close to expiry an STM item must be before
	// the sweep considers it "surviving to expiry".
	ExpiryWindow time.Duration
}

// ApplyDefaults fills unset fields.
func (c *PromoterConfig) ApplyDefaults() {
	if c.ITMTTL <= 0 {
		c.ITMTTL = 7 * 24 * time.Hour
	}
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = 5 * time.Minute
	}
}

// Promoter decides and executes tier transitions. It runs
// opportunistically from the repository's access path and as a batch
// sweep from the distillation job. All transitions are forward-only
// and idempotent: the durable create-if-absent check immediately
// before the ephemeral delete serializes concurrent promotions of the
// same logical item.
type Promoter struct {
	ephemeral EphemeralStore
	durable   DurableStore
	embedder  Embedder
	policy    PolicyValidator
	cfg       PromoterConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewPromoter wires a promotion engine. logger may be nil.
func NewPromoter(ephemeral EphemeralStore, durable DurableStore, embedder Embedder, policy PolicyValidator, cfg PromoterConfig, logger *zap.Logger) *Promoter {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Promoter{
		ephemeral: ephemeral,
		durable:   durable,
		embedder:  embedder,
		policy:    policy,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// OnAccess runs the opportunistic promotion check after an item's
// access counters have been bumped. The item must still be live.
func (p *Promoter) OnAccess(ctx context.Context, item *Item) error {
	switch item.Tier {
	case TierSTM:
		if item.AccessCount >= stmPromoteAccessCount {
			return p.PromoteToITM(ctx, item)
		}
	case TierITM:
		if eligibleForLTM(item) {
			return p.PromoteToLTM(ctx, item)
		}
	}
	return nil
}

// eligibleForLTM applies the numeric ITM->LTM criteria. Items already
// rejected by policy are never candidates again; the fresh policy check
// for everything else happens at promotion time.
func eligibleForLTM(item *Item) bool {
	if item.PolicyRejected {
		return false
	}
	if item.AccessCount < ltmPromoteAccessCount {
		return false
	}
	return math.Abs(item.EmotionalWeight) > emotionalThreshold || item.Confidence > confidenceThreshold
}

// PromoteToITM copies an STM item into ITM with a fresh TTL, then
// removes the STM original. The ITM write happens first so the item is
// never observable in no tier at all.
func (p *Promoter) PromoteToITM(ctx context.Context, item *Item) error {
	if !item.Tier.CanAdvanceTo(TierITM) {
		return nil
	}

	promoted := *item
	promoted.Tier = TierITM
	promoted.ExpiresAt = p.now().Add(p.cfg.ITMTTL)

	if err := p.ephemeral.Put(ctx, &promoted, p.cfg.ITMTTL); err != nil {
		return fmt.Errorf("promote stm->itm: %w", err)
	}
	if err := p.ephemeral.Delete(ctx, item.Owner, TierSTM, item.ID); err != nil {
		// The ITM copy exists; a dangling STM entry will age out via
		// its own TTL or the cleanup sweep.
		p.logger.Warn("stm removal after promotion failed",
			zap.String("id", item.ID),
			zap.Error(err))
	}

	p.logger.Debug("promoted to itm",
		zap.String("owner", item.Owner),
		zap.String("id", item.ID),
		zap.Int("access_count", item.AccessCount))
	return nil
}

// PromoteToLTM validates, embeds, and durably persists an ITM item,
// then removes the ephemeral copy. Returns ErrValidationUnavailable
// when the policy collaborator cannot be reached; the item is left in
// ITM and retried on a later access or sweep.
func (p *Promoter) PromoteToLTM(ctx context.Context, item *Item) error {
	if !item.Tier.CanAdvanceTo(TierLTM) {
		return nil
	}

	verdict := p.policy.Validate(ctx, item.Content)
	switch verdict.Outcome {
	case PolicyDeferred:
		return ErrValidationUnavailable
	case PolicyInvalid:
		// Mark the item so eligibleForLTM never offers it again; it
		// stays in ITM until it expires.
		item.PolicyRejected = true
		if err := p.ephemeral.Update(ctx, item); err != nil {
			p.logger.Warn("recording invalid policy verdict failed",
				zap.String("id", item.ID), zap.Error(err))
		}
		p.logger.Info("promotion blocked by policy",
			zap.String("owner", item.Owner),
			zap.String("id", item.ID))
		return nil
	}

	promoted := *item
	promoted.Tier = TierLTM
	promoted.ExpiresAt = time.Time{}
	promoted.ConstitutionalValid = true

	if promoted.Embedding == nil {
		emb, err := p.embedder.Embed(ctx, promoted.Content)
		if err != nil {
			return Transient("embed", err)
		}
		promoted.Embedding = emb
	}

	// Atomic create-if-absent is the per-item serialization point: of
	// any concurrent promotions, exactly one creates the durable
	// record, and every one of them may safely delete the ITM copy.
	created, err := p.durable.CreateItem(ctx, &promoted)
	if err != nil {
		return fmt.Errorf("promote itm->ltm: %w", err)
	}
	if err := p.ephemeral.Delete(ctx, item.Owner, TierITM, item.ID); err != nil {
		p.logger.Warn("itm removal after promotion failed",
			zap.String("id", item.ID), zap.Error(err))
	}

	p.logger.Info("promoted to ltm",
		zap.String("owner", item.Owner),
		zap.String("id", item.ID),
		zap.Bool("created", created))
	return nil
}

// SweepStats summarizes one safety-net sweep.
type SweepStats struct {
	ITMPromoted int
	STMPromoted int
	Deferred    int
	Purged      int
	Errors      int
}

// Sweep is the batch safety net run from the distillation job: it
// promotes every eligible ITM item, promotes STM items that survived
// to the edge of their TTL while their session is still active, and
// purges expired index entries. Failures are per-item; the sweep
// always visits every owner.
func (p *Promoter) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	owners, err := p.ephemeral.Owners(ctx)
	if err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}

	for _, owner := range owners {
		p.sweepOwner(ctx, owner, &stats)
	}
	return stats, nil
}

func (p *Promoter) sweepOwner(ctx context.Context, owner string, stats *SweepStats) {
	items, err := p.ephemeral.RecentITM(ctx, owner, 0)
	if err != nil {
		p.logger.Warn("sweep: listing itm failed", zap.String("owner", owner), zap.Error(err))
		stats.Errors++
	}
	for _, item := range items {
		if !eligibleForLTM(item) {
			continue
		}
		switch err := p.PromoteToLTM(ctx, item); {
		case err == nil:
			stats.ITMPromoted++
		case errors.Is(err, ErrValidationUnavailable):
			stats.Deferred++
		default:
			p.logger.Warn("sweep: itm promotion failed",
				zap.String("owner", owner),
				zap.String("id", item.ID),
				zap.Error(err))
			stats.Errors++
		}
	}

	expiring, err := p.ephemeral.ExpiringSTM(ctx, owner, p.cfg.ExpiryWindow)
	if err != nil {
		p.logger.Warn("sweep: listing expiring stm failed", zap.String("owner", owner), zap.Error(err))
		stats.Errors++
	}
	for _, item := range expiring {
		active, err := p.ephemeral.SessionActive(ctx, owner, item.SessionID)
		if err != nil || !active {
			continue
		}
		if err := p.PromoteToITM(ctx, item); err != nil {
			stats.Errors++
			continue
		}
		stats.STMPromoted++
	}

	purged, err := p.ephemeral.PurgeExpired(ctx, owner)
	if err != nil {
		p.logger.Warn("sweep: purge failed", zap.String("owner", owner), zap.Error(err))
		stats.Errors++
	}
	stats.Purged += purged
}
