// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refresh

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDependencyGeneration is matched by every *DependencyGenerationError.
var ErrDependencyGeneration = errors.New("dependency generation failed")

// DependencyGenerationError reports the layers that failed to generate.
// The infra keeps its previous generated_version.
type DependencyGenerationError struct {
	InfraID int64
	Layers  []string
	Err     error
}

func (e *DependencyGenerationError) Error() string {
	return fmt.Sprintf("dependency generation failed for infra %d (%s): %v",
		e.InfraID, strings.Join(e.Layers, ", "), e.Err)
}

func (e *DependencyGenerationError) Unwrap() error {
	return e.Err
}

func (e *DependencyGenerationError) Is(target error) bool {
	return target == ErrDependencyGeneration
}
