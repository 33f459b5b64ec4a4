// Package tools defines the action contract for agent tool calls: a named
// capability with a declared input schema, validated before every execution.
package tools

import (
	"context"
	"fmt"

	"github.com/relayforge/agentq/errors"
)

// Action is a capability an agent may invoke by name. Execute is only
// called with input that passed Schema validation.
type Action interface {
	Name() string
	Schema() Schema
	Execute(ctx context.Context, input map[string]any) (string, error)
}

// ActionFunc is the signature of an action body.
type ActionFunc func(ctx context.Context, input map[string]any) (string, error)

// funcAction adapts a plain function into an Action.
type funcAction struct {
	name   string
	schema Schema
	fn     ActionFunc
}

// NewAction wraps fn as an Action with the given name and schema.
func NewAction(name string, schema Schema, fn ActionFunc) Action {
	return &funcAction{name: name, schema: schema, fn: fn}
}

func (a *funcAction) Name() string   { return a.name }
func (a *funcAction) Schema() Schema { return a.schema }

func (a *funcAction) Execute(ctx context.Context, input map[string]any) (string, error) {
	return a.fn(ctx, input)
}

// FieldType constrains the JSON type of an input field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
)

// FieldKind tells the validator which security guard applies to a string
// field. Plain fields get no guard.
type FieldKind string

const (
	KindPlain FieldKind = "plain"
	KindPath  FieldKind = "path"
	KindQuery FieldKind = "query"
)

// Field declares one input parameter.
type Field struct {
	Name     string
	Type     FieldType
	Kind     FieldKind
	Required bool
}

// Schema declares the input shape of an action.
type Schema struct {
	Fields []Field
}

// Validate checks input against the schema and the security guards for the
// named action. Unknown fields are rejected. Returns a *errors.ValidationError
// on the first violation found.
func (s Schema) Validate(action string, input map[string]any) error {
	declared := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		declared[f.Name] = f
	}

	for name := range input {
		if _, ok := declared[name]; !ok {
			return errors.NewValidationError(action, name, "unknown field")
		}
	}

	for _, f := range s.Fields {
		value, present := input[f.Name]
		if !present {
			if f.Required {
				return errors.NewValidationError(action, f.Name, "required field missing")
			}
			continue
		}

		if err := checkType(action, f, value); err != nil {
			return err
		}

		if str, ok := value.(string); ok {
			switch f.Kind {
			case KindPath:
				if err := CheckPath(action, f.Name, str); err != nil {
					return err
				}
			case KindQuery:
				if err := CheckQuery(action, f.Name, str); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func checkType(action string, f Field, value any) error {
	var ok bool
	switch f.Type {
	case TypeString:
		_, ok = value.(string)
	case TypeNumber:
		// json.Unmarshal produces float64; accept int for hand-built input.
		switch value.(type) {
		case float64, int, int64:
			ok = true
		}
	case TypeBoolean:
		_, ok = value.(bool)
	case TypeObject:
		_, ok = value.(map[string]any)
	default:
		return errors.NewValidationError(action, f.Name, fmt.Sprintf("unsupported field type %q", f.Type))
	}

	if !ok {
		return errors.NewValidationError(action, f.Name, fmt.Sprintf("expected %s, got %T", f.Type, value))
	}
	return nil
}
