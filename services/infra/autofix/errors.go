// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package autofix

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/railinfra/infracache/services/infra/schema"
)

// ErrorType is the kind of a consistency error reported by the validation
// pass.
type ErrorType string

const (
	ErrorDuplicatedGroup             ErrorType = "duplicated_group"
	ErrorEmptyObject                 ErrorType = "empty_object"
	ErrorInvalidGroup                ErrorType = "invalid_group"
	ErrorInvalidReference            ErrorType = "invalid_reference"
	ErrorInvalidRoute                ErrorType = "invalid_route"
	ErrorInvalidSwitchPorts          ErrorType = "invalid_switch_ports"
	ErrorMissingRoute                ErrorType = "missing_route"
	ErrorMissingBufferStop           ErrorType = "missing_buffer_stop"
	ErrorObjectOutOfPath             ErrorType = "object_out_of_path"
	ErrorOddBufferStopLocation       ErrorType = "odd_buffer_stop_location"
	ErrorOutOfRange                  ErrorType = "out_of_range"
	ErrorOverlappingSpeedSections    ErrorType = "overlapping_speed_sections"
	ErrorOverlappingSwitches         ErrorType = "overlapping_switches"
	ErrorOverlappingElectrifications ErrorType = "overlapping_electrifications"
	ErrorUnknownPortName             ErrorType = "unknown_port_name"
	ErrorUnusedPort                  ErrorType = "unused_port"
	ErrorNodeEndpointsNotUnique      ErrorType = "node_endpoints_not_unique"
)

var knownErrorTypes = []ErrorType{
	ErrorDuplicatedGroup,
	ErrorEmptyObject,
	ErrorInvalidGroup,
	ErrorInvalidReference,
	ErrorInvalidRoute,
	ErrorInvalidSwitchPorts,
	ErrorMissingRoute,
	ErrorMissingBufferStop,
	ErrorObjectOutOfPath,
	ErrorOddBufferStopLocation,
	ErrorOutOfRange,
	ErrorOverlappingSpeedSections,
	ErrorOverlappingSwitches,
	ErrorOverlappingElectrifications,
	ErrorUnknownPortName,
	ErrorUnusedPort,
	ErrorNodeEndpointsNotUnique,
}

// Known reports whether the validation pass can emit t.
func (t ErrorType) Known() bool {
	return slices.Contains(knownErrorTypes, t)
}

// InfraError is one consistency error about one object.
type InfraError struct {
	ObjRef    schema.ObjectRef  `json:"obj_ref"`
	ErrorType ErrorType         `json:"error_type"`
	Field     string            `json:"field,omitempty"`
	IsWarning bool              `json:"is_warning"`
	Reference *schema.ObjectRef `json:"reference,omitempty"`
}

func (e InfraError) String() string {
	if e.Reference != nil {
		return fmt.Sprintf("%s on %s (field %q, reference %s)", e.ErrorType, e.ObjRef, e.Field, *e.Reference)
	}
	return fmt.Sprintf("%s on %s (field %q)", e.ErrorType, e.ObjRef, e.Field)
}

// DecodeErrors reads a JSON array of errors.
func DecodeErrors(r io.Reader) ([]InfraError, error) {
	var errs []InfraError
	if err := json.NewDecoder(r).Decode(&errs); err != nil {
		return nil, fmt.Errorf("decode infra errors: %w", err)
	}
	return errs, nil
}

// ErrUnfixable is matched by every *UnfixableError.
var ErrUnfixable = errors.New("no automatic fix")

// UnfixableError is an error the engine has no rule for. It is reported
// for manual handling and never part of the proposed operations.
type UnfixableError struct {
	Err    InfraError
	Reason string
}

func (e *UnfixableError) Error() string {
	return fmt.Sprintf("no automatic fix for %s: %s", e.Err, e.Reason)
}

func (e *UnfixableError) Is(target error) bool {
	return target == ErrUnfixable
}
