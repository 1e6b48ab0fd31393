package manager

import (
	"errors"
	"strings"

	"github.com/capstack/capman/pkg/errs"
)

// ErrorCategory buckets a failure for callers that branch on failure class
// rather than individual codes
type ErrorCategory string

const (
	CategoryValidation      ErrorCategory = "validation_error"
	CategoryAuthentication  ErrorCategory = "authentication_error"
	CategoryPluginExecution ErrorCategory = "plugin_execution_error"
	CategoryUnknownVerb     ErrorCategory = "unknown_verb"
	CategoryBrainService    ErrorCategory = "brain_service_error"
	CategoryJSONParse       ErrorCategory = "json_parse_error"
	CategoryGeneric         ErrorCategory = "generic_error"
)

// codeCategories is the fixed code-to-category mapping. It always takes
// precedence over message matching.
var codeCategories = map[errs.Code]ErrorCategory{
	errs.CodeInputValidationFailed:        CategoryValidation,
	errs.CodeInvalidInput:                 CategoryValidation,
	errs.CodeManifestInvalid:              CategoryValidation,
	errs.CodePermissionValidationFailed:   CategoryValidation,
	errs.CodeSignatureVerificationFailed:  CategoryValidation,
	errs.CodeAuthenticationFailed:         CategoryAuthentication,
	errs.CodeExecutionFailed:              CategoryPluginExecution,
	errs.CodeExecutionTimeout:             CategoryPluginExecution,
	errs.CodeOutputInvalid:                CategoryPluginExecution,
	errs.CodeContainerExecutionFailed:     CategoryPluginExecution,
	errs.CodeRemoteRequestFailed:          CategoryPluginExecution,
	errs.CodePluginNotFound:               CategoryUnknownVerb,
	errs.CodePluginVersionNotFound:        CategoryUnknownVerb,
	errs.CodeAccomplishNotFound:           CategoryUnknownVerb,
	errs.CodeBrainServiceError:            CategoryBrainService,
}

// messageVocabulary maps message substrings to categories, checked in
// order when no structured code is present
var messageVocabulary = []struct {
	substring string
	category  ErrorCategory
}{
	{"validation", CategoryValidation},
	{"invalid input", CategoryValidation},
	{"unauthorized", CategoryAuthentication},
	{"authentication", CategoryAuthentication},
	{"token", CategoryAuthentication},
	{"unknown verb", CategoryUnknownVerb},
	{"no handler", CategoryUnknownVerb},
	{"brain", CategoryBrainService},
	{"unmarshal", CategoryJSONParse},
	{"json", CategoryJSONParse},
	{"execution", CategoryPluginExecution},
	{"plugin", CategoryPluginExecution},
}

// ClassifyError maps a failure to its category. A structured error code
// uses the fixed mapping; anything else pattern-matches the message.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}

	var se *errs.StructuredError
	if errors.As(err, &se) {
		if category, ok := codeCategories[se.Code]; ok {
			return category
		}
	}

	message := strings.ToLower(err.Error())
	for _, entry := range messageVocabulary {
		if strings.Contains(message, entry.substring) {
			return entry.category
		}
	}
	return CategoryGeneric
}
