// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"fmt"

	"github.com/railinfra/infracache/services/infra/schema"
)

// Txn applies a batch of operations to an InfraCache with an undo journal.
//
// Description:
//
//	Every successful Apply records how to restore the touched entry.
//	Rollback replays the journal backwards, leaving the cache exactly as it
//	was at Begin. Commit drops the journal.
//
// Thread Safety:
//
//	A Txn is used by one goroutine. Other writers must be excluded through
//	Registry.Lock for the lifetime of the Txn.
type Txn struct {
	cache   *InfraCache
	journal []*undoRecord
	done    bool
}

// Begin starts a transaction on c.
func (c *InfraCache) Begin() *Txn {
	return &Txn{cache: c}
}

// Apply applies op and records its undo. A rejected op leaves the cache and
// the journal unchanged; the transaction stays usable.
func (t *Txn) Apply(op schema.Operation) error {
	if t.done {
		return ErrTxnDone
	}
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()

	undo, err := t.cache.apply(op)
	if err != nil {
		return err
	}
	if undo != nil {
		t.journal = append(t.journal, undo)
	}
	return nil
}

// ApplyAll applies ops in order and stops at the first failure. Operations
// applied before the failure stay in the journal for Rollback.
func (t *Txn) ApplyAll(ops []schema.Operation) error {
	for i, op := range ops {
		if err := t.Apply(op); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// Len returns the number of journaled operations.
func (t *Txn) Len() int {
	return len(t.journal)
}

// Commit keeps the applied operations.
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	t.journal = nil
	return nil
}

// Rollback undoes every applied operation, newest first.
func (t *Txn) Rollback() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true

	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()
	for i := len(t.journal) - 1; i >= 0; i-- {
		t.cache.restore(t.journal[i])
	}
	t.journal = nil
	return nil
}
