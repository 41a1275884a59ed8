// Package distill implements the nightly batch job that aggregates
// reflective records into compact distilled knowledge, runs the
// promotion safety-net sweep, and purges expired ephemeral state.
package distill

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cognimesh/memtier/memory"
)

// ReflectionSource provides read-only access to recent reflections.
type ReflectionSource interface {
	Recent(ctx context.Context, since time.Time) ([]memory.ReflectionRecord, error)
}

// State names the job's position in its single-direction cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateGrouping
	StateAggregating
	StateWriting
	StateCleanup
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateGrouping:
		return "grouping"
	case StateAggregating:
		return "aggregating"
	case StateWriting:
		return "writing"
	case StateCleanup:
		return "cleanup"
	}
	return "unknown"
}

// ErrRunInProgress is returned when Run is invoked while a previous
// run has not finished.
var ErrRunInProgress = errors.New("distill: run already in progress")

// Config tunes the aggregation thresholds. Zero values take the
// defaults below.
type Config struct {
	// Window is how far back reflections are fetched.
	Window time.Duration

	// AlignmentThreshold is the per-reflection success cutoff feeding
	// the group success rate.
	AlignmentThreshold float64

	// ConfidenceThreshold is the minimum average confidence a group
	// needs to produce knowledge.
	ConfidenceThreshold float64

	// SuccessRateThreshold is the minimum group success rate.
	SuccessRateThreshold float64

	// EmotionalThreshold is the minimum |average emotional weight|.
	EmotionalThreshold float64

	// MinGroupSize skips groups with too few reflections to aggregate
	// meaningfully.
	MinGroupSize int
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.AlignmentThreshold == 0 {
		c.AlignmentThreshold = 0.6
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.7
	}
	if c.SuccessRateThreshold == 0 {
		c.SuccessRateThreshold = 0.5
	}
	if c.EmotionalThreshold == 0 {
		c.EmotionalThreshold = 0.3
	}
	if c.MinGroupSize <= 0 {
		c.MinGroupSize = 2
	}
}

// RunSummary reports one completed run.
type RunSummary struct {
	StartedAt            time.Time         `json:"started_at"`
	CompletedAt          time.Time         `json:"completed_at"`
	ReflectionsProcessed int               `json:"reflections_processed"`
	GroupsEvaluated      int               `json:"groups_evaluated"`
	KnowledgeWritten     int               `json:"knowledge_written"`
	Duplicates           int               `json:"duplicates"`
	GroupErrors          []string          `json:"group_errors,omitempty"`
	Sweep                memory.SweepStats `json:"sweep"`
}

// Job distills reflections into knowledge once per invocation. A run
// walks Idle -> Fetching -> Grouping -> Aggregating -> Writing ->
// Cleanup -> Idle; the atomic running flag prevents concurrent
// re-entry and a failure in one group never aborts the others.
type Job struct {
	source   ReflectionSource
	durable  memory.DurableStore
	embedder memory.Embedder
	promoter *memory.Promoter
	synth    Synthesizer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	running atomic.Bool
	state   atomic.Int32

	mu          sync.Mutex
	lastRunAt   time.Time
	lastSummary *RunSummary
}

// NewJob wires a distillation job. logger may be nil; synth defaults
// to the template synthesizer.
func NewJob(source ReflectionSource, durable memory.DurableStore, embedder memory.Embedder, promoter *memory.Promoter, synth Synthesizer, cfg Config, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	if synth == nil {
		synth = &TemplateSynthesizer{}
	}
	cfg.ApplyDefaults()
	return &Job{
		source:   source,
		durable:  durable,
		embedder: embedder,
		promoter: promoter,
		synth:    synth,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// State reports where the current (or last) run is in its cycle.
func (j *Job) State() State { return State(j.state.Load()) }

// LastRunAt returns when the last run completed. Implements
// memory.RunProbe for Stats.
func (j *Job) LastRunAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRunAt
}

// LastSummary returns the most recent run summary, or nil.
func (j *Job) LastSummary() *RunSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSummary
}

type groupKey struct {
	owner string
	topic string
}

// Run executes one full distillation cycle.
func (j *Job) Run(ctx context.Context) (*RunSummary, error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer j.running.Store(false)
	defer j.state.Store(int32(StateIdle))

	summary := &RunSummary{StartedAt: j.now()}
	day := summary.StartedAt.UTC().Format("2006-01-02")

	j.state.Store(int32(StateFetching))
	since := summary.StartedAt.Add(-j.cfg.Window)
	reflections, err := j.source.Recent(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("distill: fetch reflections: %w", err)
	}
	summary.ReflectionsProcessed = len(reflections)

	j.state.Store(int32(StateGrouping))
	groups := make(map[groupKey][]memory.ReflectionRecord)
	for _, rec := range reflections {
		key := groupKey{owner: rec.Owner, topic: topicOf(rec)}
		groups[key] = append(groups[key], rec)
	}

	for key, group := range groups {
		summary.GroupsEvaluated++
		if err := j.processGroup(ctx, day, key, group, summary); err != nil {
			// Failure isolation: log, record, move on. The group's
			// durable write is its last step, so a retry on the next
			// scheduled run starts clean.
			j.logger.Warn("distillation group failed",
				zap.String("owner", key.owner),
				zap.String("topic", key.topic),
				zap.Error(err))
			summary.GroupErrors = append(summary.GroupErrors,
				fmt.Sprintf("%s/%s: %v", key.owner, key.topic, err))
		}
	}

	j.state.Store(int32(StateCleanup))
	sweep, err := j.promoter.Sweep(ctx)
	if err != nil {
		j.logger.Warn("cleanup sweep failed", zap.Error(err))
	}
	summary.Sweep = sweep

	summary.CompletedAt = j.now()
	j.mu.Lock()
	j.lastRunAt = summary.CompletedAt
	j.lastSummary = summary
	j.mu.Unlock()

	j.logger.Info("distillation run completed",
		zap.Int("reflections", summary.ReflectionsProcessed),
		zap.Int("groups", summary.GroupsEvaluated),
		zap.Int("knowledge_written", summary.KnowledgeWritten),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("group_errors", len(summary.GroupErrors)))
	return summary, nil
}

// processGroup aggregates one (owner, topic) group and, when it meets
// the criteria, synthesizes and durably writes a knowledge record as
// the final step.
func (j *Job) processGroup(ctx context.Context, day string, key groupKey, group []memory.ReflectionRecord, summary *RunSummary) error {
	j.state.Store(int32(StateAggregating))

	if len(group) < j.cfg.MinGroupSize {
		return nil
	}

	var sumEW, sumConf float64
	successes := 0
	for _, rec := range group {
		sumEW += rec.EmotionalWeight
		sumConf += rec.Confidence
		if rec.AlignmentScore > j.cfg.AlignmentThreshold {
			successes++
		}
	}
	n := float64(len(group))
	avgEW := sumEW / n
	avgConf := sumConf / n
	successRate := float64(successes) / n

	// The same shape of criteria as ITM->LTM promotion, applied at
	// aggregate scale.
	if avgConf <= j.cfg.ConfidenceThreshold ||
		successRate < j.cfg.SuccessRateThreshold ||
		math.Abs(avgEW) <= j.cfg.EmotionalThreshold {
		return nil
	}

	j.state.Store(int32(StateWriting))

	principle, err := j.synth.Synthesize(ctx, key.topic, group)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	embedding, err := j.embedder.Embed(ctx, principle)
	if err != nil {
		return fmt.Errorf("embed principle: %w", err)
	}

	sourceIDs := make([]string, len(group))
	for i, rec := range group {
		sourceIDs[i] = rec.ID
	}

	knowledge := &memory.DistilledKnowledge{
		ID:                  knowledgeID(key.owner, day, key.topic),
		Owner:               key.owner,
		SourceReflectionIDs: sourceIDs,
		Topic:               key.topic,
		Principle:           principle,
		Embedding:           embedding,
		Confidence:          avgConf,
		CreatedAt:           j.now(),
	}

	created, err := j.durable.CreateKnowledge(ctx, knowledge)
	if err != nil {
		return fmt.Errorf("write knowledge: %w", err)
	}
	if created {
		summary.KnowledgeWritten++
	} else {
		// Idempotency key collision from a rerun; success, not an error.
		summary.Duplicates++
	}
	return nil
}

// housekeepingTopics never become a group's topic signature.
var housekeepingTopics = map[string]bool{
	"reflection":      true,
	"self-assessment": true,
	"alignment":       true,
}

// topicOf picks the first substantive topic tag, falling back to
// "general".
func topicOf(rec memory.ReflectionRecord) string {
	for _, t := range rec.Topics {
		if t != "" && !housekeepingTopics[t] {
			return t
		}
	}
	return "general"
}

// knowledgeID derives the deterministic idempotency key for one
// (owner, day, topic) group.
func knowledgeID(owner, day, topic string) string {
	sum := sha256.Sum256([]byte(owner + "|" + day + "|" + topic))
	return hex.EncodeToString(sum[:])
}
