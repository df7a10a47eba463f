// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package limits

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/errors"
	"github.com/stacklok/modelbridge/pkg/logger"
)

// DayFormat is the UTC day key used throughout budget state.
const DayFormat = "2006-01-02"

// CurrentDay returns the UTC day key for the present moment.
func CurrentDay() string {
	return time.Now().UTC().Format(DayFormat)
}

// ToolUsage accumulates per-tool totals for one UTC day.
type ToolUsage struct {
	Tokens    int64 `json:"tokens"`
	Calls     int64 `json:"calls"`
	CostMilli int64 `json:"cost_milli,omitempty"`
}

// Usage is a point-in-time snapshot of the daily budget.
type Usage struct {
	Day            string               `json:"day"`
	UsedTokens     int64                `json:"used_tokens"`
	BaseMax        int64                `json:"base_max"`
	ApprovedTokens int64                `json:"approved_tokens"`
	EffectiveMax   int64                `json:"effective_max"`
	RequestCount   int64                `json:"request_count"`
	CostMilli      int64                `json:"cost_milli,omitempty"`
	PerTool        map[string]ToolUsage `json:"per_tool,omitempty"`
}

// Reservation is a credit against the daily budget, consumed by exactly
// one Commit or Release.
type Reservation struct {
	Tokens int64

	// untracked marks a degraded admit whose tokens were never added to
	// the shared total; settling it must not subtract them either.
	untracked bool

	settled atomic.Bool
}

// settle reports whether this call is the first to consume the reservation.
func (r *Reservation) settle() bool {
	if r == nil {
		return false
	}
	return r.settled.CompareAndSwap(false, true)
}

// Approvals is the slice of the approval ledger the budget needs.
type Approvals interface {
	// ReadApprovedTokens returns the approved increment total for a UTC day.
	ReadApprovedTokens(day string) (int64, error)
	// ApproveIncrement adds tokens to a day's approval and returns the new total.
	ApproveIncrement(day string, tokens int64) (int64, error)
}

// BudgetConfig parameterizes a daily budget.
type BudgetConfig struct {
	BaseMaxPerDay   int64
	ApprovalPolicy  config.ApprovalPolicy
	IncrementTokens int64
}

// Budget is the reservation-based daily token accountant.
type Budget interface {
	// Usage returns a snapshot of today's budget state.
	Usage(ctx context.Context) (*Usage, error)
	// Check fails when today's usage has reached the effective maximum.
	Check(ctx context.Context) error
	// Reserve atomically debits n tokens ahead of a call.
	Reserve(ctx context.Context, n int64) (*Reservation, error)
	// Release returns an unused reservation to the pool.
	Release(ctx context.Context, r *Reservation)
	// Commit replaces a reservation with the actual usage of a finished call.
	Commit(ctx context.Context, tool string, actualTokens, costMilli int64, r *Reservation) error
}

// ApprovalSyncer is implemented by budgets that cache approval state, so
// an out-of-band approval takes effect without waiting for rollover.
type ApprovalSyncer interface {
	// SyncApprovals installs the new approved-token total for a UTC day.
	SyncApprovals(ctx context.Context, day string, approvedTokens int64)
}

// NewBudget returns the shared variant when a store is available, otherwise
// the process-local one.
func NewBudget(cfg BudgetConfig, approvals Approvals, store *SharedClient) Budget {
	if store != nil {
		return newSharedBudget(cfg, approvals, store)
	}
	return NewLocalBudget(cfg, approvals)
}

// LocalBudget holds all counters behind one mutex; the UTC rollover check
// runs inside the same critical section as every operation.
type LocalBudget struct {
	cfg       BudgetConfig
	approvals Approvals
	now       func() time.Time

	mu        sync.Mutex
	day       string
	used      int64
	approved  int64
	calls     int64
	costMilli int64
	perTool   map[string]*ToolUsage
}

// NewLocalBudget creates a single-process daily budget.
func NewLocalBudget(cfg BudgetConfig, approvals Approvals) *LocalBudget {
	return &LocalBudget{
		cfg:       cfg,
		approvals: approvals,
		now:       time.Now,
		perTool:   make(map[string]*ToolUsage),
	}
}

// rollover resets counters when the UTC day changed. Callers hold b.mu.
func (b *LocalBudget) rollover() {
	day := b.now().UTC().Format(DayFormat)
	if day == b.day {
		return
	}
	b.day = day
	b.used = 0
	b.calls = 0
	b.costMilli = 0
	b.perTool = make(map[string]*ToolUsage)
	b.approved = b.readApprovals(day)
}

func (b *LocalBudget) readApprovals(day string) int64 {
	if b.approvals == nil {
		return 0
	}
	approved, err := b.approvals.ReadApprovedTokens(day)
	if err != nil {
		logger.Warnf("Failed to read budget approvals for %s: %v", day, err)
		return 0
	}
	return approved
}

func (b *LocalBudget) effectiveMax() int64 {
	return b.cfg.BaseMaxPerDay + b.approved
}

// Usage implements Budget.
func (b *LocalBudget) Usage(_ context.Context) (*Usage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	perTool := make(map[string]ToolUsage, len(b.perTool))
	for name, tu := range b.perTool {
		perTool[name] = *tu
	}
	return &Usage{
		Day:            b.day,
		UsedTokens:     b.used,
		BaseMax:        b.cfg.BaseMaxPerDay,
		ApprovedTokens: b.approved,
		EffectiveMax:   b.effectiveMax(),
		RequestCount:   b.calls,
		CostMilli:      b.costMilli,
		PerTool:        perTool,
	}, nil
}

// Check implements Budget.
func (b *LocalBudget) Check(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	if b.used < b.effectiveMax() {
		return nil
	}
	return overBudgetError(b.cfg, b.used, b.effectiveMax())
}

// Reserve implements Budget. On an over-budget reservation with the auto
// approval policy, it appends the configured increment to the ledger and
// retries once.
func (b *LocalBudget) Reserve(_ context.Context, n int64) (*Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	if b.used+n <= b.effectiveMax() {
		b.used += n
		return &Reservation{Tokens: n}, nil
	}

	if b.cfg.ApprovalPolicy == config.ApprovalAuto && b.cfg.IncrementTokens > 0 && b.approvals != nil {
		if approved, err := b.approvals.ApproveIncrement(b.day, b.cfg.IncrementTokens); err == nil {
			b.approved = approved
			if b.used+n <= b.effectiveMax() {
				b.used += n
				return &Reservation{Tokens: n}, nil
			}
		} else {
			logger.Warnf("Automatic budget approval failed: %v", err)
		}
	}

	return nil, overBudgetError(b.cfg, b.used, b.effectiveMax())
}

// Release implements Budget.
func (b *LocalBudget) Release(_ context.Context, r *Reservation) {
	if !r.settle() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	b.used -= r.Tokens
	if b.used < 0 {
		b.used = 0
	}
}

// Commit implements Budget. The net debit against the day total is
// actual − reserved; per-tool totals always record the actual usage.
func (b *LocalBudget) Commit(_ context.Context, tool string, actualTokens, costMilli int64, r *Reservation) error {
	var reserved int64
	if r != nil {
		if !r.settle() {
			// Already released or committed; nothing left to apply.
			return nil
		}
		reserved = r.Tokens
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	b.used += actualTokens - reserved
	if b.used < 0 {
		b.used = 0
	}
	b.calls++
	b.costMilli += costMilli

	tu := b.perTool[tool]
	if tu == nil {
		tu = &ToolUsage{}
		b.perTool[tool] = tu
	}
	tu.Tokens += actualTokens
	tu.Calls++
	tu.CostMilli += costMilli
	return nil
}

// SyncApprovals implements ApprovalSyncer.
func (b *LocalBudget) SyncApprovals(_ context.Context, day string, approvedTokens int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	if day == b.day {
		b.approved = approvedTokens
	}
}

// overBudgetError maps the approval policy onto the error taxonomy.
func overBudgetError(cfg BudgetConfig, used, max int64) error {
	if cfg.ApprovalPolicy == config.ApprovalPrompt && cfg.IncrementTokens > 0 {
		return errors.NewBudgetApprovalRequiredError(cfg.IncrementTokens, used, max)
	}
	return errors.NewBudgetExceededError(used, max)
}
