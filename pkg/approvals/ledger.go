// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package approvals persists operator-approved daily budget increments in
// an append-only JSON ledger keyed by UTC day. Writes are read-modify-write
// under a file lock so concurrent bridge processes cannot lose increments.
package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	mberrors "github.com/stacklok/modelbridge/pkg/errors"
)

// lockTimeout is the maximum time to wait for the ledger file lock.
const lockTimeout = 1 * time.Second

// Entry is one day's approval record.
type Entry struct {
	// Tokens is the approved increment total for the day, non-decreasing.
	Tokens int64 `json:"tokens"`
	// Increments counts how many approvals contributed to Tokens.
	Increments int64 `json:"increments"`
	// UpdatedAt is the RFC 3339 time of the latest approval.
	UpdatedAt string `json:"updatedAt"`
}

// Ledger reads and appends approval entries at a fixed path.
type Ledger struct {
	path string
	now  func() time.Time
}

// NewLedger creates a ledger over the given file path. The file need not
// exist yet. An empty path selects the default location under the user
// config directory.
func NewLedger(path string) *Ledger {
	if path == "" {
		path = DefaultPath()
	}
	return &Ledger{path: path, now: time.Now}
}

// DefaultPath is the ledger location used when none is configured.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "budget-approvals.json"
	}
	return filepath.Join(home, ".config", "modelbridge", "budget-approvals.json")
}

// ReadApprovedTokens returns the approved token total for a UTC day
// (YYYY-MM-DD). A missing or unreadable ledger reads as zero.
func (l *Ledger) ReadApprovedTokens(day string) (int64, error) {
	entries, err := l.load()
	if err != nil {
		return 0, nil
	}
	entry, ok := entries[day]
	if !ok {
		return 0, nil
	}
	return entry.Tokens, nil
}

// ApproveIncrement adds tokens to a day's approval under the file lock and
// returns the new approved total. Non-positive increments are rejected.
func (l *Ledger) ApproveIncrement(day string, tokens int64) (int64, error) {
	entry, err := l.Approve(day, tokens)
	if err != nil {
		return 0, err
	}
	return entry.Tokens, nil
}

// Approve is ApproveIncrement returning the full updated entry.
func (l *Ledger) Approve(day string, tokens int64) (*Entry, error) {
	if tokens <= 0 {
		return nil, mberrors.NewConfigError(fmt.Sprintf("approval increment must be positive, got %d", tokens), nil)
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return nil, mberrors.NewConfigError(fmt.Sprintf("invalid day %q (want YYYY-MM-DD)", day), err)
	}

	if err := l.ensureParent(); err != nil {
		return nil, err
	}

	// Use a separate lock file for cross-platform compatibility.
	fileLock := flock.New(l.path + ".lock")
	lockCtx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire ledger lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire ledger lock: timeout after %v", lockTimeout)
	}
	defer fileLock.Unlock()

	entries, err := l.loadStrict()
	if err != nil {
		return nil, err
	}

	entry := entries[day]
	entry.Tokens += tokens
	entry.Increments++
	entry.UpdatedAt = l.now().UTC().Format(time.RFC3339)
	entries[day] = entry

	if err := l.save(entries); err != nil {
		return nil, err
	}
	return &entry, nil
}

// load parses the ledger, treating any failure as an empty ledger.
func (l *Ledger) load() (map[string]Entry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return map[string]Entry{}, err
	}
	entries := map[string]Entry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return map[string]Entry{}, err
	}
	return entries, nil
}

// loadStrict parses the ledger for a write: a missing file is an empty
// ledger, but a corrupt one must not be silently overwritten.
func (l *Ledger) loadStrict() (map[string]Entry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read approval ledger: %w", err)
	}
	entries := map[string]Entry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("approval ledger %s is corrupt: %w", l.path, err)
	}
	return entries, nil
}

func (l *Ledger) ensureParent() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return nil
}

// save rewrites the ledger atomically with restrictive permissions.
func (l *Ledger) save(entries map[string]Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode approval ledger: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write approval ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace approval ledger: %w", err)
	}
	return nil
}
