// Package guardrail enforces per-user quotas on external AI-service
// calls. The decision is made by a conditional decrement in the store,
// so concurrent workers can never jointly overspend a budget.
package guardrail

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborwell/intake-cli/internal/model"
	"github.com/harborwell/intake-cli/internal/store"
)

// ErrQuotaExceeded is returned when the user's remaining budget cannot
// cover the requested units. It is permanent from the job queue's point
// of view: retrying without a new grant cannot succeed.
var ErrQuotaExceeded = eris.New("guardrail: quota exceeded")

// Enforcer gates external calls on the per-user unit budget.
type Enforcer struct {
	store store.Store
	calc  *Calculator

	// DefaultGrant, when positive, seeds a first-use budget for users
	// without a quota row. The insert-if-absent in the store keeps
	// concurrent first calls from seeding twice.
	DefaultGrant int64
}

func NewEnforcer(st store.Store, calc *Calculator) *Enforcer {
	if calc == nil {
		calc = NewCalculator(DefaultRates())
	}
	return &Enforcer{store: st, calc: calc}
}

// CheckAndConsume atomically spends units from the user's budget and
// logs the attempt. Denied attempts are logged too, with Allowed=false,
// and return ErrQuotaExceeded.
func (e *Enforcer) CheckAndConsume(ctx context.Context, userID, service, operation string, units int64) error {
	remaining, allowed, err := e.store.ConsumeQuota(ctx, userID, units)
	if err != nil {
		return err
	}

	if !allowed && e.DefaultGrant > 0 {
		if err := e.store.EnsureQuota(ctx, userID, e.DefaultGrant); err != nil {
			return err
		}
		remaining, allowed, err = e.store.ConsumeQuota(ctx, userID, units)
		if err != nil {
			return err
		}
	}

	if recErr := e.store.RecordUsage(ctx, &model.UsageRecord{
		UserID:    userID,
		Service:   service,
		Operation: operation,
		Units:     units,
		Allowed:   allowed,
	}); recErr != nil {
		return recErr
	}

	if !allowed {
		zap.L().Warn("guardrail: request denied",
			zap.String("user_id", userID),
			zap.String("service", service),
			zap.Int64("requested", units),
			zap.Int64("remaining", remaining),
		)
		return eris.Wrapf(ErrQuotaExceeded, "%s/%s needs %d units, %d remaining", service, operation, units, remaining)
	}
	return nil
}

// RecordTokens logs the actual token usage and cost of a completed
// call, after the fact. Spend accounting happened in CheckAndConsume;
// this only enriches the usage log.
func (e *Enforcer) RecordTokens(ctx context.Context, userID, service, operation, modelName string, inputTokens, outputTokens int64) error {
	cost := e.calc.Claude(modelName, inputTokens, outputTokens)
	if service == ServiceEmbedding {
		cost = e.calc.Embedding(inputTokens)
	}
	return e.store.RecordUsage(ctx, &model.UsageRecord{
		UserID:    userID,
		Service:   service,
		Operation: operation,
		Tokens:    inputTokens + outputTokens,
		CostUSD:   cost,
		Allowed:   true,
	})
}

// Grant adds units to the user's budget.
func (e *Enforcer) Grant(ctx context.Context, userID string, units int64) error {
	if units <= 0 {
		return eris.New("guardrail: grant must be positive")
	}
	return e.store.GrantQuota(ctx, userID, units)
}

// Remaining reports the user's current budget; zero when no quota row
// exists yet.
func (e *Enforcer) Remaining(ctx context.Context, userID string) (int64, error) {
	q, err := e.store.GetQuota(ctx, userID)
	if eris.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return q.Remaining, nil
}
