package guardrail

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harborwell/intake-cli/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newEnforcer(t *testing.T) (*Enforcer, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "guardrail.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return NewEnforcer(s, nil), s
}

func TestCheckAndConsume(t *testing.T) {
	e, _ := newEnforcer(t)
	ctx := context.Background()

	require.NoError(t, e.Grant(ctx, "u1", 10))

	require.NoError(t, e.CheckAndConsume(ctx, "u1", ServiceEmbedding, "embed", 4))
	remaining, err := e.Remaining(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 6, remaining)

	err = e.CheckAndConsume(ctx, "u1", ServiceAnthropic, "summarize", 7)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Denied call spent nothing.
	remaining, err = e.Remaining(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 6, remaining)
}

func TestDefaultGrantSeedsFirstUse(t *testing.T) {
	e, _ := newEnforcer(t)
	e.DefaultGrant = 10
	ctx := context.Background()

	// First call for a user without a quota row spends from the seeded
	// budget instead of being denied.
	require.NoError(t, e.CheckAndConsume(ctx, "fresh", ServiceEmbedding, "embed", 4))
	remaining, err := e.Remaining(ctx, "fresh")
	require.NoError(t, err)
	assert.EqualValues(t, 6, remaining)

	// An exhausted user is not re-seeded.
	require.NoError(t, e.Grant(ctx, "spent", 1))
	require.NoError(t, e.CheckAndConsume(ctx, "spent", ServiceEmbedding, "embed", 1))
	err = e.CheckAndConsume(ctx, "spent", ServiceEmbedding, "embed", 1)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestCheckAndConsumeUnknownUser(t *testing.T) {
	e, _ := newEnforcer(t)
	err := e.CheckAndConsume(context.Background(), "nobody", ServiceEmbedding, "embed", 1)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestCheckAndConsumeConcurrent(t *testing.T) {
	e, _ := newEnforcer(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, "u1", 5))

	allowed := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.CheckAndConsume(ctx, "u1", ServiceEmbedding, "embed", 1)
			if err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrQuotaExceeded)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed, "budget of 5 admits exactly 5 unit calls")
	remaining, err := e.Remaining(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestGrantValidation(t *testing.T) {
	e, _ := newEnforcer(t)
	assert.Error(t, e.Grant(context.Background(), "u1", 0))
	assert.Error(t, e.Grant(context.Background(), "u1", -3))
}

func TestCalculatorClaude(t *testing.T) {
	c := NewCalculator(DefaultRates())
	cost := c.Claude("claude-haiku-4-5-20251001", 1_000_000, 500_000)
	assert.InDelta(t, 0.80+2.00, cost, 1e-9)
	assert.Zero(t, c.Claude("unknown-model", 1000, 1000))
}

func TestCalculatorEmbedding(t *testing.T) {
	c := NewCalculator(DefaultRates())
	assert.InDelta(t, 0.02, c.Embedding(1_000_000), 1e-9)
}
