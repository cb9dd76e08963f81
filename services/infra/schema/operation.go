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
	"encoding/json"
	"fmt"
)

// OperationType tags the variants of Operation on the wire.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// Operation is one edit of an infrastructure. A batch ([]Operation) is one
// logical edit transaction and is applied in order.
//
// The interface is sealed: the only implementations are *CreateOperation,
// *UpdateOperation and *DeleteOperation.
type Operation interface {
	// OperationType returns the wire tag of the variant.
	OperationType() OperationType

	// Ref returns the object the operation targets.
	Ref() ObjectRef

	// Validate checks the operation is well formed. It does not look at
	// the current state of the infrastructure.
	Validate() error

	isOperation()
}

// CreateOperation inserts a new object.
type CreateOperation struct {
	Object Object
}

// UpdateOperation replaces the payload of an existing object.
type UpdateOperation struct {
	ObjType ObjectType
	ObjID   string
	Object  Object
}

// DeleteOperation removes an object.
type DeleteOperation struct {
	ObjectRef
}

// NewCreate builds a create operation.
func NewCreate(obj Object) *CreateOperation {
	return &CreateOperation{Object: obj}
}

// NewUpdate builds an update operation replacing the object with obj.
func NewUpdate(obj Object) *UpdateOperation {
	return &UpdateOperation{ObjType: obj.GetType(), ObjID: obj.GetID(), Object: obj}
}

// NewDelete builds a delete operation.
func NewDelete(ref ObjectRef) *DeleteOperation {
	return &DeleteOperation{ObjectRef: ref}
}

func (*CreateOperation) isOperation() {}
func (*UpdateOperation) isOperation() {}
func (*DeleteOperation) isOperation() {}

func (*CreateOperation) OperationType() OperationType { return OperationCreate }
func (*UpdateOperation) OperationType() OperationType { return OperationUpdate }
func (*DeleteOperation) OperationType() OperationType { return OperationDelete }

func (o *CreateOperation) Ref() ObjectRef { return RefOf(o.Object) }
func (o *UpdateOperation) Ref() ObjectRef { return ObjectRef{Type: o.ObjType, ID: o.ObjID} }
func (o *DeleteOperation) Ref() ObjectRef { return o.ObjectRef }

func (o *CreateOperation) Validate() error {
	if o.Object == nil {
		return fmt.Errorf("%w: create without payload", ErrInvalidOperation)
	}
	if o.Object.GetID() == "" {
		return fmt.Errorf("%w: create %s with empty id", ErrInvalidOperation, o.Object.GetType())
	}
	return nil
}

func (o *UpdateOperation) Validate() error {
	if !o.ObjType.Valid() {
		return fmt.Errorf("%w: update of unknown type %q", ErrInvalidOperation, string(o.ObjType))
	}
	if o.ObjID == "" {
		return fmt.Errorf("%w: update %s with empty id", ErrInvalidOperation, o.ObjType)
	}
	if o.Object == nil {
		return fmt.Errorf("%w: update %s:%s without payload", ErrInvalidOperation, o.ObjType, o.ObjID)
	}
	if o.Object.GetType() != o.ObjType || o.Object.GetID() != o.ObjID {
		return fmt.Errorf("%w: update %s:%s carries payload of %s", ErrInvalidOperation, o.ObjType, o.ObjID, RefOf(o.Object))
	}
	return nil
}

func (o *DeleteOperation) Validate() error {
	if !o.Type.Valid() {
		return fmt.Errorf("%w: delete of unknown type %q", ErrInvalidOperation, string(o.Type))
	}
	if o.ID == "" {
		return fmt.Errorf("%w: delete %s with empty id", ErrInvalidOperation, o.Type)
	}
	return nil
}

// wireOperation is the JSON form shared by the three variants.
type wireOperation struct {
	OperationType OperationType   `json:"operation_type"`
	ObjType       ObjectType      `json:"obj_type"`
	ObjID         string          `json:"obj_id,omitempty"`
	Railjson      json.RawMessage `json:"railjson,omitempty"`
}

func (o *CreateOperation) MarshalJSON() ([]byte, error) {
	payload, err := EncodeObject(o.Object)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireOperation{OperationType: OperationCreate, ObjType: o.Object.GetType(), Railjson: payload})
}

func (o *UpdateOperation) MarshalJSON() ([]byte, error) {
	payload, err := EncodeObject(o.Object)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireOperation{OperationType: OperationUpdate, ObjType: o.ObjType, ObjID: o.ObjID, Railjson: payload})
}

func (o *DeleteOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireOperation{OperationType: OperationDelete, ObjType: o.Type, ObjID: o.ID})
}

// DecodeOperation decodes one operation from its JSON form.
func DecodeOperation(data []byte) (Operation, error) {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	switch w.OperationType {
	case OperationCreate:
		obj, err := DecodeObject(w.ObjType, w.Railjson)
		if err != nil {
			return nil, err
		}
		return &CreateOperation{Object: obj}, nil
	case OperationUpdate:
		obj, err := DecodeObject(w.ObjType, w.Railjson)
		if err != nil {
			return nil, err
		}
		return &UpdateOperation{ObjType: w.ObjType, ObjID: w.ObjID, Object: obj}, nil
	case OperationDelete:
		return &DeleteOperation{ObjectRef: ObjectRef{Type: w.ObjType, ID: w.ObjID}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperationType, string(w.OperationType))
	}
}

// DecodeOperations decodes a JSON array of operations.
func DecodeOperations(data []byte) ([]Operation, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	ops := make([]Operation, 0, len(raws))
	for i, raw := range raws {
		op, err := DecodeOperation(raw)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ValidateOperations validates every operation of a batch.
func ValidateOperations(ops []Operation) error {
	for i, op := range ops {
		if op == nil {
			return fmt.Errorf("operation %d: %w: nil operation", i, ErrInvalidOperation)
		}
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}
