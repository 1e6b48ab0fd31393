package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstack/capman/pkg/types"
)

func TestAliasMapping(t *testing.T) {
	defs := []types.InputDefinition{
		{Name: "script", Type: types.ValueTypeString, Required: true, Aliases: []string{"code"}},
		{Name: "script_parameters", Type: types.ValueTypeObject, Aliases: []string{"params"}},
	}

	provided := map[string]types.InputValue{
		"code":   {InputName: "code", Value: "print('hello')"},
		"params": {InputName: "params", Value: map[string]any{"k": "v"}},
	}

	result := ValidateAndStandardizeInputs(defs, provided)
	require.True(t, result.Success)

	script, ok := result.Inputs["script"]
	require.True(t, ok, "alias 'code' should map to canonical 'script'")
	assert.Equal(t, "print('hello')", script.Value)
	assert.Equal(t, "script", script.InputName)

	params, ok := result.Inputs["script_parameters"]
	require.True(t, ok, "alias 'params' should map to canonical 'script_parameters'")
	assert.Equal(t, map[string]any{"k": "v"}, params.Value)

	// Aliased keys must not survive under their original names
	_, ok = result.Inputs["code"]
	assert.False(t, ok)
}

func TestRequiredMissing(t *testing.T) {
	defs := []types.InputDefinition{
		{Name: "url", Type: types.ValueTypeString, Required: true},
	}

	result := ValidateAndStandardizeInputs(defs, map[string]types.InputValue{})
	require.False(t, result.Success)
	assert.Equal(t, ValidationMissing, result.ValidationType)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Message, "url")
}

func TestRequiredSatisfiedByAlias(t *testing.T) {
	defs := []types.InputDefinition{
		{Name: "query", Type: types.ValueTypeString, Required: true, Aliases: []string{"q"}},
	}

	result := ValidateAndStandardizeInputs(defs, map[string]types.InputValue{
		"q": {Value: "weather"},
	})
	require.True(t, result.Success)
	assert.Equal(t, "weather", result.Inputs["query"].Value)
}

func TestTypeCoercion(t *testing.T) {
	tests := []struct {
		name     string
		def      types.InputDefinition
		value    any
		expected any
		wantFail bool
	}{
		{
			name:     "string to number",
			def:      types.InputDefinition{Name: "count", Type: types.ValueTypeNumber},
			value:    "42",
			expected: float64(42),
		},
		{
			name:     "string to boolean",
			def:      types.InputDefinition{Name: "flag", Type: types.ValueTypeBoolean},
			value:    "true",
			expected: true,
		},
		{
			name:     "json string to object",
			def:      types.InputDefinition{Name: "cfg", Type: types.ValueTypeObject},
			value:    `{"a":1}`,
			expected: map[string]any{"a": float64(1)},
		},
		{
			name:     "json string to array",
			def:      types.InputDefinition{Name: "items", Type: types.ValueTypeArray},
			value:    `[1,2]`,
			expected: []any{float64(1), float64(2)},
		},
		{
			name:     "number to string",
			def:      types.InputDefinition{Name: "label", Type: types.ValueTypeString},
			value:    float64(7),
			expected: "7",
		},
		{
			name:     "irreversible number mismatch",
			def:      types.InputDefinition{Name: "count", Type: types.ValueTypeNumber},
			value:    "not-a-number",
			wantFail: true,
		},
		{
			name:     "irreversible object mismatch",
			def:      types.InputDefinition{Name: "cfg", Type: types.ValueTypeObject},
			value:    "plain text",
			wantFail: true,
		},
		{
			name:     "any passes through",
			def:      types.InputDefinition{Name: "blob", Type: types.ValueTypeAny},
			value:    []any{"x"},
			expected: []any{"x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateAndStandardizeInputs(
				[]types.InputDefinition{tt.def},
				map[string]types.InputValue{tt.def.Name: {Value: tt.value}},
			)

			if tt.wantFail {
				require.False(t, result.Success)
				assert.Equal(t, ValidationSchema, result.ValidationType)
				return
			}

			require.True(t, result.Success)
			assert.Equal(t, tt.expected, result.Inputs[tt.def.Name].Value)
		})
	}
}

func TestUnknownInputsPreserved(t *testing.T) {
	defs := []types.InputDefinition{
		{Name: "known", Type: types.ValueTypeString},
	}

	result := ValidateAndStandardizeInputs(defs, map[string]types.InputValue{
		"known":   {Value: "a"},
		"unknown": {Value: "b"},
	})
	require.True(t, result.Success)
	assert.Equal(t, "b", result.Inputs["unknown"].Value)
}

func TestRequiredPresentAfterSuccess(t *testing.T) {
	defs := []types.InputDefinition{
		{Name: "a", Type: types.ValueTypeString, Required: true},
		{Name: "b", Type: types.ValueTypeNumber, Required: true, Aliases: []string{"num"}},
		{Name: "c", Type: types.ValueTypeString},
	}

	result := ValidateAndStandardizeInputs(defs, map[string]types.InputValue{
		"a":   {Value: "x"},
		"num": {Value: "3"},
	})
	require.True(t, result.Success)

	// Every required definition has a canonical-name entry
	for _, def := range defs {
		if def.Required {
			_, ok := result.Inputs[def.Name]
			assert.True(t, ok, "required input %s missing from result", def.Name)
		}
	}
}
