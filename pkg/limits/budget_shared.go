// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package limits

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/logger"
)

// budgetKeyTTL expires per-day budget keys well after rollover so late
// commits from slow requests still land.
const budgetKeyTTL = 48 * time.Hour

// reserveScript compares the day total against the caller-computed
// effective maximum and increments only when the reservation fits.
var reserveScript = redis.NewScript(`
local total = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
if total + n > max then
  return {0, total}
end
total = redis.call('INCRBY', KEYS[1], n)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return {1, total}
`)

// releaseScript returns reserved tokens, clamping the total at zero.
var releaseScript = redis.NewScript(`
local total = redis.call('DECRBY', KEYS[1], ARGV[1])
if total < 0 then
  redis.call('SET', KEYS[1], '0')
  total = 0
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return total
`)

// sharedBudget keeps one key per scalar and a set of tool names, all
// per-UTC-day, so rollover is implicit in the key names.
type sharedBudget struct {
	cfg       BudgetConfig
	approvals Approvals
	store     *SharedClient
	now       func() time.Time
}

func newSharedBudget(cfg BudgetConfig, approvals Approvals, store *SharedClient) *sharedBudget {
	return &sharedBudget{
		cfg:       cfg,
		approvals: approvals,
		store:     store,
		now:       time.Now,
	}
}

func (b *sharedBudget) day() string {
	return b.now().UTC().Format(DayFormat)
}

func (b *sharedBudget) key(day string, parts ...string) string {
	return b.store.Key(append([]string{"budget", day}, parts...)...)
}

// approvedTokens reads the shared approved counter, seeding it from the
// ledger the first time a process asks on a given day.
func (b *sharedBudget) approvedTokens(ctx context.Context, day string) int64 {
	key := b.key(day, "approved")
	val, err := b.store.rdb.Get(ctx, key).Int64()
	if err == nil {
		return val
	}
	if err != redis.Nil {
		logger.Debugf("shared budget approved read failed: %v", err)
		return 0
	}

	var approved int64
	if b.approvals != nil {
		approved, err = b.approvals.ReadApprovedTokens(day)
		if err != nil {
			logger.Warnf("Failed to read budget approvals for %s: %v", day, err)
			approved = 0
		}
	}
	b.store.rdb.Set(ctx, key, approved, budgetKeyTTL)
	return approved
}

// Usage implements Budget.
func (b *sharedBudget) Usage(ctx context.Context) (*Usage, error) {
	day := b.day()
	rdb := b.store.rdb

	total, _ := rdb.Get(ctx, b.key(day, "total")).Int64()
	calls, _ := rdb.Get(ctx, b.key(day, "calls")).Int64()
	cost, _ := rdb.Get(ctx, b.key(day, "cost")).Int64()
	approved := b.approvedTokens(ctx, day)

	perTool := make(map[string]ToolUsage)
	tools, err := rdb.SMembers(ctx, b.key(day, "tools")).Result()
	if err == nil {
		for _, tool := range tools {
			tokens, _ := rdb.Get(ctx, b.key(day, "tool", tool, "tokens")).Int64()
			toolCalls, _ := rdb.Get(ctx, b.key(day, "tool", tool, "calls")).Int64()
			toolCost, _ := rdb.Get(ctx, b.key(day, "tool", tool, "cost")).Int64()
			perTool[tool] = ToolUsage{Tokens: tokens, Calls: toolCalls, CostMilli: toolCost}
		}
	}

	return &Usage{
		Day:            day,
		UsedTokens:     total,
		BaseMax:        b.cfg.BaseMaxPerDay,
		ApprovedTokens: approved,
		EffectiveMax:   b.cfg.BaseMaxPerDay + approved,
		RequestCount:   calls,
		CostMilli:      cost,
		PerTool:        perTool,
	}, nil
}

// Check implements Budget.
func (b *sharedBudget) Check(ctx context.Context) error {
	day := b.day()
	total, _ := b.store.rdb.Get(ctx, b.key(day, "total")).Int64()
	max := b.cfg.BaseMaxPerDay + b.approvedTokens(ctx, day)
	if total < max {
		return nil
	}
	return overBudgetError(b.cfg, total, max)
}

// Reserve implements Budget.
func (b *sharedBudget) Reserve(ctx context.Context, n int64) (*Reservation, error) {
	day := b.day()
	ok, tracked, used, max := b.tryReserve(ctx, day, n)
	if ok {
		return &Reservation{Tokens: n, untracked: !tracked}, nil
	}

	if b.cfg.ApprovalPolicy == config.ApprovalAuto && b.cfg.IncrementTokens > 0 && b.approvals != nil {
		approved, err := b.approvals.ApproveIncrement(day, b.cfg.IncrementTokens)
		if err != nil {
			logger.Warnf("Automatic budget approval failed: %v", err)
			return nil, overBudgetError(b.cfg, used, max)
		}
		b.store.rdb.Set(ctx, b.key(day, "approved"), approved, budgetKeyTTL)
		ok, tracked, used, max = b.tryReserve(ctx, day, n)
		if ok {
			return &Reservation{Tokens: n, untracked: !tracked}, nil
		}
	}
	return nil, overBudgetError(b.cfg, used, max)
}

// tryReserve runs the atomic compare-and-increment; on store failure it
// degrades to an admit so one Redis hiccup cannot stall every request.
// tracked reports whether the increment actually landed in the store.
func (b *sharedBudget) tryReserve(ctx context.Context, day string, n int64) (ok, tracked bool, used, max int64) {
	max = b.cfg.BaseMaxPerDay + b.approvedTokens(ctx, day)
	res, err := reserveScript.Run(ctx, b.store.rdb, []string{b.key(day, "total")},
		n, max, int(budgetKeyTTL.Seconds())).Int64Slice()
	if err != nil || len(res) != 2 {
		logger.Debugf("shared budget reserve unavailable, admitting: %v", err)
		return true, false, 0, max
	}
	return res[0] == 1, true, res[1], max
}

// Release implements Budget. Untracked reservations were never added to
// the shared total, so settling them must not subtract from it.
func (b *sharedBudget) Release(ctx context.Context, r *Reservation) {
	if !r.settle() {
		return
	}
	if r.untracked {
		return
	}
	day := b.day()
	if err := releaseScript.Run(ctx, b.store.rdb, []string{b.key(day, "total")},
		r.Tokens, int(budgetKeyTTL.Seconds())).Err(); err != nil {
		logger.Debugf("shared budget release failed: %v", err)
	}
}

// SyncApprovals implements ApprovalSyncer.
func (b *sharedBudget) SyncApprovals(ctx context.Context, day string, approvedTokens int64) {
	if err := b.store.rdb.Set(ctx, b.key(day, "approved"), approvedTokens, budgetKeyTTL).Err(); err != nil {
		logger.Debugf("shared budget approval sync failed: %v", err)
	}
}

// Commit implements Budget. One transaction applies the net delta against
// the day total, bumps per-tool counters, and refreshes TTLs.
func (b *sharedBudget) Commit(ctx context.Context, tool string, actualTokens, costMilli int64, r *Reservation) error {
	var reserved int64
	if r != nil {
		if !r.settle() {
			return nil
		}
		if !r.untracked {
			reserved = r.Tokens
		}
	}

	day := b.day()
	delta := actualTokens - reserved

	pipe := b.store.rdb.TxPipeline()
	pipe.IncrBy(ctx, b.key(day, "total"), delta)
	pipe.Expire(ctx, b.key(day, "total"), budgetKeyTTL)
	pipe.Incr(ctx, b.key(day, "calls"))
	pipe.Expire(ctx, b.key(day, "calls"), budgetKeyTTL)
	if costMilli != 0 {
		pipe.IncrBy(ctx, b.key(day, "cost"), costMilli)
		pipe.Expire(ctx, b.key(day, "cost"), budgetKeyTTL)
	}
	pipe.SAdd(ctx, b.key(day, "tools"), tool)
	pipe.Expire(ctx, b.key(day, "tools"), budgetKeyTTL)
	pipe.IncrBy(ctx, b.key(day, "tool", tool, "tokens"), actualTokens)
	pipe.Expire(ctx, b.key(day, "tool", tool, "tokens"), budgetKeyTTL)
	pipe.Incr(ctx, b.key(day, "tool", tool, "calls"))
	pipe.Expire(ctx, b.key(day, "tool", tool, "calls"), budgetKeyTTL)
	if costMilli != 0 {
		pipe.IncrBy(ctx, b.key(day, "tool", tool, "cost"), costMilli)
		pipe.Expire(ctx, b.key(day, "tool", tool, "cost"), budgetKeyTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		logger.Debugf("shared budget commit failed: %v", err)
	}
	return nil
}
