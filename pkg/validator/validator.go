package validator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/types"
)

// ValidationType classifies why validation failed
type ValidationType string

const (
	ValidationMissing ValidationType = "missing"
	ValidationSchema  ValidationType = "schema"
)

// Result is the outcome of input validation. On success, Inputs maps each
// canonical input name to its normalized value; unknown inputs are preserved
// verbatim.
type Result struct {
	Success        bool
	Inputs         map[string]types.InputValue
	Error          *errs.StructuredError
	ValidationType ValidationType
}

// ValidateAndStandardizeInputs checks provided inputs against a plugin's
// input definitions. The validator is pure: no I/O, no side effects.
//
// Order of operations: alias mapping first, then required checks, then type
// coercion. Inputs with no matching definition pass through untouched.
func ValidateAndStandardizeInputs(defs []types.InputDefinition, provided map[string]types.InputValue) Result {
	normalized := make(map[string]types.InputValue, len(provided))

	// Build alias -> canonical name lookup
	canonical := make(map[string]string, len(defs))
	for _, def := range defs {
		canonical[def.Name] = def.Name
		for _, alias := range def.Aliases {
			canonical[alias] = def.Name
		}
	}

	// Rewrite provided keys to canonical names. A provided key that matches
	// no definition is an unknown input and is kept as-is.
	for key, val := range provided {
		name := key
		if c, ok := canonical[key]; ok {
			name = c
		}
		val.InputName = name
		normalized[name] = val
	}

	// Required inputs must be present after alias mapping
	for _, def := range defs {
		if !def.Required {
			continue
		}
		if _, ok := normalized[def.Name]; !ok {
			return Result{
				Success:        false,
				ValidationType: ValidationMissing,
				Error: errs.New(errs.CodeInputValidationFailed, "validator",
					fmt.Sprintf("required input %q is missing", def.Name)),
			}
		}
	}

	// Coerce values toward their declared types
	for _, def := range defs {
		val, ok := normalized[def.Name]
		if !ok {
			continue
		}
		coerced, err := coerce(val.Value, def.Type)
		if err != nil {
			return Result{
				Success:        false,
				ValidationType: ValidationSchema,
				Error: errs.New(errs.CodeInputValidationFailed, "validator",
					fmt.Sprintf("input %q: %v", def.Name, err)),
			}
		}
		val.Value = coerced
		if val.ValueType == "" || val.ValueType == types.ValueTypeAny {
			val.ValueType = def.Type
		}
		normalized[def.Name] = val
	}

	return Result{Success: true, Inputs: normalized}
}

// coerce attempts a lossless conversion of value to the declared type.
// Irreversible mismatches return an error.
func coerce(value any, want types.ValueType) (any, error) {
	if value == nil || want == types.ValueTypeAny {
		return value, nil
	}

	switch want {
	case types.ValueTypeString:
		switch v := value.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		case bool:
			return strconv.FormatBool(v), nil
		}
		return value, nil

	case types.ValueTypeNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to number", v)
			}
			return n, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to number", value)

	case types.ValueTypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to boolean", v)
			}
			return b, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to boolean", value)

	case types.ValueTypeObject:
		switch v := value.(type) {
		case map[string]any:
			return v, nil
		case string:
			var m map[string]any
			if err := json.Unmarshal([]byte(v), &m); err != nil {
				return nil, fmt.Errorf("cannot parse string as JSON object")
			}
			return m, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to object", value)

	case types.ValueTypeArray:
		switch v := value.(type) {
		case []any:
			return v, nil
		case string:
			var a []any
			if err := json.Unmarshal([]byte(v), &a); err != nil {
				return nil, fmt.Errorf("cannot parse string as JSON array")
			}
			return a, nil
		}
		// A single non-array value is not silently wrapped
		return nil, fmt.Errorf("cannot coerce %T to array", value)
	}

	// plan, plugin, error and other declared types pass through
	return value, nil
}
