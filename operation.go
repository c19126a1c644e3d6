package parse

import (
	"fmt"
	"sort"
)

// OpKind identifies an atomic field mutation.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	OpIncrement
	OpAdd
	OpAddUnique
	OpRemove
	OpAddRelation
	OpRemoveRelation
)

var opNames = map[OpKind]string{
	OpSet:            "Set",
	OpDelete:         "Delete",
	OpIncrement:      "Increment",
	OpAdd:            "Add",
	OpAddUnique:      "AddUnique",
	OpRemove:         "Remove",
	OpAddRelation:    "AddRelation",
	OpRemoveRelation: "RemoveRelation",
}

func (k OpKind) String() string {
	if n, ok := opNames[k]; ok {
		return n
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Operation is one pending mutation of a single field.
type Operation struct {
	Kind    OpKind
	Value   any     // OpSet
	Amount  float64 // OpIncrement
	Objects []any   // OpAdd, OpAddUnique, OpRemove, relation ops
}

// Operations is the operation document of an object: at most one pending
// operation per field.
type Operations map[string]Operation

// Combine folds op into the pending operation for key. Operations of the
// same kind merge; operations of different kinds are rejected.
func (ops Operations) Combine(key string, op Operation) error {
	prev, ok := ops[key]
	if !ok {
		ops[key] = op
		return nil
	}
	merged, err := prev.merge(op)
	if err != nil {
		return err
	}
	ops[key] = merged
	return nil
}

// Keys returns the fields with pending operations in sorted order.
func (ops Operations) Keys() []string {
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (ops Operations) clone() Operations {
	out := make(Operations, len(ops))
	for k, v := range ops {
		out[k] = v
	}
	return out
}

func (op Operation) merge(next Operation) (Operation, error) {
	if op.Kind != next.Kind {
		return Operation{}, newError(KindInvalidOperation, CodeOtherCause,
			"cannot combine operations of different types for the same key (%s, %s)", op.Kind, next.Kind)
	}
	switch op.Kind {
	case OpSet, OpDelete:
		return next, nil
	case OpIncrement:
		return Operation{Kind: OpIncrement, Amount: op.Amount + next.Amount}, nil
	case OpAdd:
		return Operation{Kind: OpAdd, Objects: append(append([]any{}, op.Objects...), next.Objects...)}, nil
	default:
		return Operation{Kind: op.Kind, Objects: unionValues(op.Objects, next.Objects)}, nil
	}
}

// after returns what is left of op once sent, an earlier part of the same
// combined operation, reached the server. Last-wins and set-like operations
// are idempotent and stay whole.
func (op Operation) after(sent Operation) Operation {
	if op.Kind != sent.Kind {
		return op
	}
	switch op.Kind {
	case OpIncrement:
		return Operation{Kind: OpIncrement, Amount: op.Amount - sent.Amount}
	case OpAdd:
		if len(sent.Objects) <= len(op.Objects) {
			return Operation{Kind: OpAdd, Objects: append([]any{}, op.Objects[len(sent.Objects):]...)}
		}
	}
	return op
}

// apply computes the field value after the operation, using the same
// semantics as the server. ok is false when the field ends up unset.
func (op Operation) apply(current any, exists bool) (any, bool, error) {
	switch op.Kind {
	case OpSet:
		return op.Value, true, nil
	case OpDelete:
		return nil, false, nil
	case OpIncrement:
		if !exists || current == nil {
			return op.Amount, true, nil
		}
		n, ok := current.(float64)
		if !ok {
			return nil, false, newError(KindInvalidOperation, CodeIncorrectType, "cannot increment a non-number value %s", describe(current))
		}
		return n + op.Amount, true, nil
	case OpAdd, OpAddUnique, OpRemove:
		var list []any
		if exists && current != nil {
			l, ok := current.([]any)
			if !ok {
				return nil, false, newError(KindInvalidOperation, CodeIncorrectType, "cannot %s on a non-array value", op.Kind)
			}
			list = append(list, l...)
		}
		switch op.Kind {
		case OpAdd:
			list = append(list, op.Objects...)
		case OpAddUnique:
			list = unionValues(list, op.Objects)
		case OpRemove:
			list = removeValues(list, op.Objects)
		}
		if list == nil {
			list = []any{}
		}
		return list, true, nil
	case OpAddRelation, OpRemoveRelation:
		if rel, ok := current.(Relation); ok && exists {
			return rel, true, nil
		}
		return Relation{TargetClass: relationTarget(op.Objects)}, true, nil
	}
	return current, exists, nil
}

// encode returns the wire form of the operation.
func (op Operation) encode() (any, error) {
	switch op.Kind {
	case OpSet:
		return encodeValue(op.Value, encodeWire)
	case OpDelete:
		return map[string]any{"__op": "Delete"}, nil
	case OpIncrement:
		return map[string]any{"__op": "Increment", "amount": op.Amount}, nil
	}
	objects, err := encodeValue(op.Objects, encodeWire)
	if err != nil {
		return nil, err
	}
	if objects == nil {
		objects = []any{}
	}
	return map[string]any{"__op": op.Kind.String(), "objects": objects}, nil
}

func unionValues(a, b []any) []any {
	out := append([]any{}, a...)
	for _, item := range b {
		if !containsValue(out, item) {
			out = append(out, item)
		}
	}
	return out
}

func removeValues(list, remove []any) []any {
	out := make([]any, 0, len(list))
	for _, item := range list {
		if !containsValue(remove, item) {
			out = append(out, item)
		}
	}
	return out
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if sameValue(item, v) {
			return true
		}
	}
	return false
}

func relationTarget(objects []any) string {
	for _, o := range objects {
		switch t := o.(type) {
		case Pointer:
			return t.ClassName
		case *Object:
			return t.ClassName()
		}
	}
	return ""
}
