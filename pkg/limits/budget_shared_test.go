// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package limits

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/errors"
)

func TestSharedBudgetReserveCommit(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	budget := NewBudget(BudgetConfig{BaseMaxPerDay: 1000}, nil, store)
	ctx := context.Background()

	res, err := budget.Reserve(ctx, 400)
	require.NoError(t, err)
	require.NoError(t, budget.Commit(ctx, "generate_content", 250, 3, res))

	usage, err := budget.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(250), usage.UsedTokens)
	assert.Equal(t, int64(1), usage.RequestCount)
	assert.Equal(t, int64(3), usage.CostMilli)
	assert.Equal(t, int64(250), usage.PerTool["generate_content"].Tokens)
	assert.Equal(t, int64(1), usage.PerTool["generate_content"].Calls)
}

func TestSharedBudgetReleaseClampsAtZero(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	budget := NewBudget(BudgetConfig{BaseMaxPerDay: 1000}, nil, store)
	ctx := context.Background()

	res, err := budget.Reserve(ctx, 100)
	require.NoError(t, err)
	budget.Release(ctx, res)
	// Double release is a no-op thanks to settle-once.
	budget.Release(ctx, res)

	usage, err := budget.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, usage.UsedTokens)
}

func TestSharedBudgetExceeded(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	budget := NewBudget(BudgetConfig{BaseMaxPerDay: 100}, nil, store)
	ctx := context.Background()

	res, err := budget.Reserve(ctx, 60)
	require.NoError(t, err)
	require.NoError(t, budget.Commit(ctx, "t", 60, 0, res))

	_, err = budget.Reserve(ctx, 60)
	require.Error(t, err)
	assert.True(t, errors.IsBudgetExceeded(err))
}

func TestSharedBudgetSeedsApprovalsFromLedger(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	approvals := &fakeApprovals{tokens: map[string]int64{CurrentDay(): 500}}
	budget := NewBudget(BudgetConfig{BaseMaxPerDay: 100}, approvals, store)
	ctx := context.Background()

	usage, err := budget.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), usage.ApprovedTokens)
	assert.Equal(t, int64(600), usage.EffectiveMax)

	// 550 fits only with the approved increment.
	res, err := budget.Reserve(ctx, 550)
	require.NoError(t, err)
	budget.Release(ctx, res)
}

func TestSharedBudgetAutoApproval(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	approvals := &fakeApprovals{}
	budget := NewBudget(BudgetConfig{
		BaseMaxPerDay:   100,
		ApprovalPolicy:  config.ApprovalAuto,
		IncrementTokens: 400,
	}, approvals, store)
	ctx := context.Background()

	res, err := budget.Reserve(ctx, 300)
	require.NoError(t, err)
	require.NoError(t, budget.Commit(ctx, "t", 300, 0, res))

	usage, err := budget.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(400), usage.ApprovedTokens)
	assert.Equal(t, int64(300), usage.UsedTokens)
}

func TestSharedBudgetSyncApprovals(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	budget := NewBudget(BudgetConfig{
		BaseMaxPerDay:  100,
		ApprovalPolicy: config.ApprovalPrompt,
	}, &fakeApprovals{}, store)
	ctx := context.Background()

	_, err := budget.Reserve(ctx, 150)
	require.Error(t, err)

	syncer, ok := budget.(ApprovalSyncer)
	require.True(t, ok)
	syncer.SyncApprovals(ctx, CurrentDay(), 200)

	res, err := budget.Reserve(ctx, 150)
	require.NoError(t, err)
	budget.Release(ctx, res)
}

func TestSharedBudgetTwoProcessesShareState(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdbA.Close(); _ = rdbB.Close() })

	cfg := BudgetConfig{BaseMaxPerDay: 100}
	budgetA := NewBudget(cfg, nil, NewSharedClient(rdbA, "shared"))
	budgetB := NewBudget(cfg, nil, NewSharedClient(rdbB, "shared"))
	ctx := context.Background()

	res, err := budgetA.Reserve(ctx, 80)
	require.NoError(t, err)
	require.NoError(t, budgetA.Commit(ctx, "t", 80, 0, res))

	// The second process sees the first one's usage.
	_, err = budgetB.Reserve(ctx, 30)
	require.Error(t, err)
	assert.True(t, errors.IsBudgetExceeded(err))

	usage, err := budgetB.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(80), usage.UsedTokens)
}

func TestSharedBudgetAdmitsOnStoreFailure(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	budget := NewBudget(BudgetConfig{BaseMaxPerDay: 100}, nil, NewSharedClient(rdb, "test"))

	srv.Close()

	res, err := budget.Reserve(context.Background(), 50)
	require.NoError(t, err)
	budget.Release(context.Background(), res)
}

func TestSharedBudgetDegradedAdmitNeverDebitsOthers(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	budget := NewBudget(BudgetConfig{BaseMaxPerDay: 1000}, nil, NewSharedClient(rdb, "test"))
	ctx := context.Background()

	// Two admits while the store is down: neither increment lands.
	srv.Close()
	released, err := budget.Reserve(ctx, 50)
	require.NoError(t, err)
	committed, err := budget.Reserve(ctx, 80)
	require.NoError(t, err)

	// The store comes back with usage other processes accumulated.
	require.NoError(t, srv.Restart())
	totalKey := "test:budget:" + CurrentDay() + ":total"
	require.NoError(t, srv.Set(totalKey, "500"))

	// Releasing a reservation that never landed must not subtract it.
	budget.Release(ctx, released)
	got, err := srv.Get(totalKey)
	require.NoError(t, err)
	assert.Equal(t, "500", got)

	// Committing one charges the actual tokens, not actual minus the
	// phantom reservation.
	require.NoError(t, budget.Commit(ctx, "t", 70, 0, committed))

	usage, err := budget.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(570), usage.UsedTokens)
}
