package memory_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognimesh/memtier/memory"
	"github.com/cognimesh/memtier/memory/embedder/mock"
	"github.com/cognimesh/memtier/policy"
)

func TestContextMergesAllTiers(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.repo.Store(ctx, env.owner, "we are debugging the payment service", memory.TierSTM,
		memory.Metadata{SessionID: "sess-9"})
	require.NoError(t, err)
	_, err = env.repo.Store(ctx, env.owner, "the staging database is flaky", memory.TierITM,
		memory.Metadata{})
	require.NoError(t, err)
	_, err = env.repo.Store(ctx, env.owner, "payment service timeouts correlate with gc pauses", memory.TierLTM,
		memory.Metadata{Confidence: 0.85})
	require.NoError(t, err)

	pc, err := env.repo.Context(ctx, env.owner, "sess-9")
	require.NoError(t, err)

	assert.Equal(t, "ada", pc.Owner)
	assert.Len(t, pc.STM, 1)
	assert.Len(t, pc.ITM, 1)
	assert.Len(t, pc.LTM, 1)
	assert.False(t, pc.Degraded)
	assert.LessOrEqual(t, pc.Size, pc.Budget)
}

func TestContextWithoutSessionContentSkipsLTMSearch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.repo.Store(ctx, env.owner, "durable fact", memory.TierLTM,
		memory.Metadata{Confidence: 0.8})
	require.NoError(t, err)

	pc, err := env.repo.Context(ctx, env.owner, "empty-session")
	require.NoError(t, err)
	assert.Empty(t, pc.STM)
	assert.Empty(t, pc.LTM)
}

func TestContextBudgetDropsSTMFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	embedder := mock.New(64)
	promoter := memory.NewPromoter(env.ephemeral, env.durable, embedder, policy.AlwaysValid(),
		memory.PromoterConfig{}, nil)
	repo := memory.NewRepository(env.ephemeral, env.durable, embedder, promoter,
		memory.RepositoryConfig{ContextBudget: 260}, nil)

	long := strings.Repeat("x", 100)
	for i := 0; i < 3; i++ {
		_, err := repo.Store(ctx, env.owner, long, memory.TierSTM,
			memory.Metadata{SessionID: "sess-b"})
		require.NoError(t, err)
	}
	_, err := repo.Store(ctx, env.owner, strings.Repeat("y", 100), memory.TierITM, memory.Metadata{})
	require.NoError(t, err)

	pc, err := repo.Context(ctx, env.owner, "sess-b")
	require.NoError(t, err)

	// 300 bytes of STM plus 100 of ITM against a 260 budget: STM loses
	// entries before ITM loses any.
	assert.LessOrEqual(t, pc.Size, pc.Budget)
	assert.Len(t, pc.ITM, 1)
	assert.Less(t, len(pc.STM), 3)

	total := 0
	for _, section := range [][]memory.ContextEntry{pc.STM, pc.ITM, pc.LTM} {
		for _, e := range section {
			total += len(e.Content)
		}
	}
	assert.Equal(t, total, pc.Size)
}

func TestContextNewestSTMFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.repo.Store(ctx, env.owner, "first", memory.TierSTM,
		memory.Metadata{SessionID: "sess-o"})
	require.NoError(t, err)
	_, err = env.repo.Store(ctx, env.owner, "second", memory.TierSTM,
		memory.Metadata{SessionID: "sess-o"})
	require.NoError(t, err)

	pc, err := env.repo.Context(ctx, env.owner, "sess-o")
	require.NoError(t, err)
	require.Len(t, pc.STM, 2)
	assert.Equal(t, "second", pc.STM[0].Content)
	assert.Equal(t, "first", pc.STM[1].Content)
}
