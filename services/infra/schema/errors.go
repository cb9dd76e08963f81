// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"errors"
	"fmt"
)

// Sentinel errors for the object model.
var (
	// ErrUnknownObjectType is returned for kind names outside the closed set.
	ErrUnknownObjectType = errors.New("unknown object type")

	// ErrUnknownOperationType is returned when decoding an operation whose
	// operation_type is not CREATE, UPDATE or DELETE.
	ErrUnknownOperationType = errors.New("unknown operation type")

	// ErrInvalidOperation is returned by Operation.Validate.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrVersionConflict is returned when an imported document declares a
	// railjson format version other than RAILJSONVersion.
	ErrVersionConflict = errors.New("railjson version conflict")
)

// VersionConflictError carries both versions of a rejected import.
type VersionConflictError struct {
	Expected string
	Got      string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("railjson version conflict: expected %q, got %q", e.Expected, e.Got)
}

// Is makes errors.Is(err, ErrVersionConflict) match.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}
