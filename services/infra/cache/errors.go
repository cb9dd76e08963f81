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
	"errors"
	"fmt"
	"time"

	"github.com/railinfra/infracache/services/infra/schema"
)

// Sentinel errors for cache operations.
var (
	// ErrInvariantViolation is returned when an operation contradicts the
	// cache content: creating an object that is already indexed, or
	// updating/deleting one that is not. The cache no longer matches the
	// canonical store and must be rebuilt before it is trusted again.
	ErrInvariantViolation = errors.New("dependency cache invariant violation")

	// ErrTxnDone is returned when a finished cache transaction is reused.
	ErrTxnDone = errors.New("cache transaction already committed or rolled back")

	// ErrLoadFailed wraps loader failures returned by Registry.Get.
	ErrLoadFailed = errors.New("dependency cache load failed")
)

// InvariantViolationError describes the rejected operation.
type InvariantViolationError struct {
	Op     schema.OperationType
	Ref    schema.ObjectRef
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("dependency cache invariant violation: %s %s: %s", e.Op, e.Ref, e.Reason)
}

// Is makes errors.Is(err, ErrInvariantViolation) match.
func (e *InvariantViolationError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// LoadError is returned by Registry.Get when the loader fails.
type LoadError struct {
	InfraID  int64
	FailedAt time.Time
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("dependency cache load failed for infra %d: %v", e.InfraID, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrLoadFailed) match.
func (e *LoadError) Is(target error) bool {
	return target == ErrLoadFailed
}
