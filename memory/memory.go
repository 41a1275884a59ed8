package memory

import (
	"context"
	"time"
)

// Tier identifies which layer of the memory hierarchy an item lives in.
// Items only ever move forward (STM -> ITM -> LTM); there is no
// automatic demotion.
type Tier string

const (
	TierSTM Tier = "stm"
	TierITM Tier = "itm"
	TierLTM Tier = "ltm"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierSTM, TierITM, TierLTM:
		return true
	}
	return false
}

// Ephemeral reports whether items in this tier carry a TTL.
func (t Tier) Ephemeral() bool {
	return t == TierSTM || t == TierITM
}

// rank orders tiers for the forward-only transition check.
func (t Tier) rank() int {
	switch t {
	case TierSTM:
		return 0
	case TierITM:
		return 1
	case TierLTM:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether a transition from t to next is a legal
// forward move.
func (t Tier) CanAdvanceTo(next Tier) bool {
	return t.Valid() && next.Valid() && next.rank() > t.rank()
}

// Item is a single memory entry. STM and ITM copies live in the
// ephemeral store and always carry ExpiresAt; the LTM copy lives in
// the durable store, has no expiry, and is soft-deleted via Tombstoned.
type Item struct {
	ID                  string    `json:"id"`
	Owner               string    `json:"owner"`
	Tier                Tier      `json:"tier"`
	Content             string    `json:"content"`
	Embedding           []float32 `json:"embedding,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	LastAccessedAt      time.Time `json:"last_accessed_at"`
	AccessCount         int       `json:"access_count"`
	Confidence          float64   `json:"confidence"`
	EmotionalWeight     float64   `json:"emotional_weight"`
	ConstitutionalValid bool      `json:"constitutional_valid"`
	PolicyRejected      bool      `json:"policy_rejected,omitempty"`
	SessionID           string    `json:"session_id,omitempty"`
	ExpiresAt           time.Time `json:"expires_at,omitempty"`
	Tombstoned          bool      `json:"tombstoned,omitempty"`
}

// Expired reports whether the item's TTL has elapsed at now.
// LTM items never expire.
func (it *Item) Expired(now time.Time) bool {
	return it.Tier.Ephemeral() && !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

// Metadata carries the caller-supplied signals recorded at Store time.
type Metadata struct {
	SessionID       string
	Confidence      float64
	EmotionalWeight float64
}

// ReflectionRecord is a self-assessment produced by the reflection
// collaborator. Records are read-only input to the distillation job.
type ReflectionRecord struct {
	ID              string    `json:"id"`
	Owner           string    `json:"owner"`
	CreatedAt       time.Time `json:"created_at"`
	Topics          []string  `json:"topics,omitempty"`
	AlignmentScore  float64   `json:"alignment_score"`
	Assessment      string    `json:"assessment"`
	EmotionalWeight float64   `json:"emotional_weight"`
	Confidence      float64   `json:"confidence"`
	MemoryID        string    `json:"memory_id,omitempty"`
}

// DistilledKnowledge is a compact principle aggregated from a group of
// reflections. It always references at least one source reflection.
type DistilledKnowledge struct {
	ID                  string    `json:"id"`
	Owner               string    `json:"owner"`
	SourceReflectionIDs []string  `json:"source_reflection_ids"`
	Topic               string    `json:"topic"`
	Principle           string    `json:"principle"`
	Embedding           []float32 `json:"embedding,omitempty"`
	Confidence          float64   `json:"confidence"`
	CreatedAt           time.Time `json:"created_at"`
}

// SearchResultKind distinguishes durable record types in search output.
type SearchResultKind string

const (
	KindMemory    SearchResultKind = "memory"
	KindKnowledge SearchResultKind = "knowledge"
)

// SearchResult is one ranked hit from the durable store.
type SearchResult struct {
	ID             string           `json:"id"`
	Owner          string           `json:"owner"`
	Kind           SearchResultKind `json:"kind"`
	Content        string           `json:"content"`
	Confidence     float64          `json:"confidence"`
	Similarity     float32          `json:"similarity"`
	AccessCount    int              `json:"access_count"`
	CreatedAt      time.Time        `json:"created_at"`
	LastAccessedAt time.Time        `json:"last_accessed_at"`
}

// Stats summarizes an owner's memory footprint for admin tooling.
type Stats struct {
	STMCount              int64     `json:"stm_count"`
	ITMCount              int64     `json:"itm_count"`
	LTMCount              int64     `json:"ltm_count"`
	LastDistillationRunAt time.Time `json:"last_distillation_run_at"`
}

// EphemeralStore is the TTL-backed key-value store behind STM and ITM.
// Implementations must guarantee that an expired entry is never
// returned by Get or any listing method.
type EphemeralStore interface {
	// Put writes an item under its tier with the given TTL and updates
	// the session / recency indexes.
	Put(ctx context.Context, item *Item, ttl time.Duration) error

	// Get fetches an item from one tier. Returns ErrNotFound for
	// missing or expired entries.
	Get(ctx context.Context, owner string, tier Tier, id string) (*Item, error)

	// Update rewrites an item in place, preserving its remaining TTL.
	Update(ctx context.Context, item *Item) error

	// Delete removes an item and its index entries. Deleting a missing
	// item is not an error.
	Delete(ctx context.Context, owner string, tier Tier, id string) error

	// SessionItems lists the live STM items of one session, newest
	// first.
	SessionItems(ctx context.Context, owner, sessionID string, limit int) ([]*Item, error)

	// SessionActive reports whether a session still has a live STM
	// index entry.
	SessionActive(ctx context.Context, owner, sessionID string) (bool, error)

	// RecentSTM lists the owner's live STM items, newest first.
	RecentSTM(ctx context.Context, owner string, limit int) ([]*Item, error)

	// RecentITM lists the owner's ITM items by most recent access.
	RecentITM(ctx context.Context, owner string, limit int) ([]*Item, error)

	// ExpiringSTM lists STM items whose expiry falls within the window.
	ExpiringSTM(ctx context.Context, owner string, within time.Duration) ([]*Item, error)

	// Owners enumerates owners with any ephemeral state, for sweeps.
	Owners(ctx context.Context) ([]string, error)

	// CountTier counts live entries in an ephemeral tier.
	CountTier(ctx context.Context, owner string, tier Tier) (int64, error)

	// PurgeExpired drops index entries whose backing keys have expired
	// and returns how many were reconciled.
	PurgeExpired(ctx context.Context, owner string) (int, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// DurableStore is the persistent, vector-indexed store behind LTM and
// distilled knowledge.
type DurableStore interface {
	// CreateItem writes an LTM record if no record with the same ID
	// exists. It returns created=false (and no error) when the record
	// was already present; this is the promotion idempotency guard.
	CreateItem(ctx context.Context, item *Item) (created bool, err error)

	// GetItem fetches an LTM record. Tombstoned records are returned
	// as-is; callers decide visibility.
	GetItem(ctx context.Context, owner, id string) (*Item, error)

	// TouchItem bumps access count and last-accessed time, returning
	// the updated record.
	TouchItem(ctx context.Context, owner, id string) (*Item, error)

	// Tombstone soft-deletes an LTM record.
	Tombstone(ctx context.Context, owner, id string) error

	// ListItems lists the owner's live LTM records by most recent
	// access. limit <= 0 returns everything.
	ListItems(ctx context.Context, owner string, limit int) ([]*Item, error)

	// Search ranks LTM records and distilled knowledge by similarity
	// to the query embedding. Tombstoned records are excluded.
	Search(ctx context.Context, owner string, embedding []float32, k int) ([]SearchResult, error)

	// CreateKnowledge writes a distilled knowledge record if absent,
	// mirroring CreateItem's idempotency contract.
	CreateKnowledge(ctx context.Context, k *DistilledKnowledge) (created bool, err error)

	// CountItems counts live (non-tombstoned) LTM records.
	CountItems(ctx context.Context, owner string) (int64, error)

	Close() error
}

// Embedder converts text to a fixed-dimensionality vector. Stateless
// and safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// PolicyOutcome is the tri-state result of a validity check.
type PolicyOutcome int

const (
	// PolicyValid allows durable promotion.
	PolicyValid PolicyOutcome = iota
	// PolicyInvalid blocks promotion; the item stays ephemeral.
	PolicyInvalid
	// PolicyDeferred means the collaborator was unreachable or timed
	// out. The item is left in place and retried later.
	PolicyDeferred
)

// PolicyVerdict carries the validity signal plus per-principle scores.
type PolicyVerdict struct {
	Outcome PolicyOutcome
	Scores  map[string]float64
}

// PolicyValidator is the capability consumed before any LTM promotion.
// Implementations map unavailability and timeouts to PolicyDeferred
// rather than returning an error, so a collaborator outage can never
// fail a request path.
type PolicyValidator interface {
	Validate(ctx context.Context, content string) PolicyVerdict
}

// RunProbe exposes the distillation job's last completed run, consumed
// by Stats.
type RunProbe interface {
	LastRunAt() time.Time
}
