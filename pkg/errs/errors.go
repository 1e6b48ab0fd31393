package errs

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Code is a stable error code from a closed, flat namespace. Codes are part
// of the wire contract; never rename one.
type Code string

const (
	// Validation
	CodeInputValidationFailed Code = "INPUT_VALIDATION_FAILED"
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeManifestInvalid       Code = "PLUGIN_MANIFEST_INVALID"

	// Authentication and permissions
	CodeAuthenticationFailed        Code = "AUTHENTICATION_FAILED"
	CodePermissionValidationFailed  Code = "PLUGIN_PERMISSION_VALIDATION_FAILED"
	CodeSignatureVerificationFailed Code = "PLUGIN_SIGNATURE_VERIFICATION_FAILED"

	// Resolution
	CodePluginNotFound          Code = "PLUGIN_NOT_FOUND"
	CodePluginVersionNotFound   Code = "PLUGIN_VERSION_NOT_FOUND"
	CodePluginIncompatible      Code = "PLUGIN_INCOMPATIBLE"
	CodeAccomplishNotFound      Code = "ACCOMPLISH_PLUGIN_MANIFEST_NOT_FOUND"
	CodeUnsupportedLanguage     Code = "UNSUPPORTED_LANGUAGE"
	CodeMCPServiceNotConfigured Code = "MCP_SERVICE_NOT_CONFIGURED"

	// Preparation
	CodePreparationFailed       Code = "PLUGIN_PREPARATION_FAILED"
	CodeDependencyInstallFailed Code = "PLUGIN_DEPENDENCY_INSTALL_FAILED"
	CodeEntryPointMissing       Code = "PLUGIN_ENTRY_POINT_MISSING"

	// Execution
	CodeExecutionFailed       Code = "PLUGIN_EXECUTION_FAILED"
	CodeExecutionTimeout      Code = "PLUGIN_EXECUTION_TIMEOUT"
	CodeOutputInvalid         Code = "PLUGIN_OUTPUT_INVALID"
	CodeRemoteRequestFailed   Code = "REMOTE_REQUEST_FAILED"
	CodeBrainServiceError     Code = "BRAIN_SERVICE_ERROR"
	CodeEngineerRequestFailed Code = "ENGINEER_REQUEST_FAILED"

	// Containers
	CodeContainerBuildFailed       Code = "CONTAINER_BUILD_FAILED"
	CodeContainerStartFailed       Code = "CONTAINER_START_FAILED"
	CodeContainerNotFound          Code = "CONTAINER_NOT_FOUND"
	CodeContainerHealthCheckFailed Code = "CONTAINER_HEALTH_CHECK_FAILED"
	CodeContainerExecutionFailed   Code = "CONTAINER_EXECUTION_FAILED"
	CodeContainerStopFailed        Code = "CONTAINER_STOP_FAILED"
	CodeNoAvailablePorts           Code = "NO_AVAILABLE_PORTS"

	// Artifacts
	CodeArtifactNotFound        Code = "ARTIFACT_NOT_FOUND"
	CodeArtifactUploadFailed    Code = "ARTIFACT_UPLOAD_FAILED"
	CodeArtifactMissingPayload  Code = "ARTIFACT_FILE_NOT_FOUND_DESPITE_METADATA"
	CodeArtifactMetadataInvalid Code = "ARTIFACT_METADATA_INVALID"

	// Store / config
	CodeStoreFailed       Code = "PLUGIN_STORE_FAILED"
	CodeConfigFetchFailed Code = "CONFIG_FETCH_FAILED"

	// Internal
	CodeInternal Code = "INTERNAL_ERROR"
)

// Severity classifies how serious a structured error is
type Severity string

const (
	SeverityWarning    Severity = "warning"
	SeverityError      Severity = "error"
	SeverityCritical   Severity = "critical"
	SeverityValidation Severity = "validation"
)

// StructuredError is an immutable error record with a stable code. The
// reporter is purely constructive: it never logs or panics; callers decide
// whether to fail locally or surface.
type StructuredError struct {
	ErrorID    string         `json:"errorId"`
	TraceID    string         `json:"traceId,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Code       Code           `json:"errorCode"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Source     string         `json:"sourceComponent"`
	Cause      error          `json:"-"`
	Context    map[string]any `json:"contextualInfo,omitempty"`
	HTTPStatus int            `json:"httpStatus,omitempty"`
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the original cause for errors.Is / errors.As chains
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// Option mutates a StructuredError during construction
type Option func(*StructuredError)

// WithTrace attaches the invocation trace id
func WithTrace(traceID string) Option {
	return func(e *StructuredError) { e.TraceID = traceID }
}

// WithSeverity overrides the default severity
func WithSeverity(s Severity) Option {
	return func(e *StructuredError) { e.Severity = s }
}

// WithCause attaches the original error
func WithCause(err error) Option {
	return func(e *StructuredError) { e.Cause = err }
}

// WithContext merges contextual key/value pairs
func WithContext(ctx map[string]any) Option {
	return func(e *StructuredError) {
		if e.Context == nil {
			e.Context = make(map[string]any, len(ctx))
		}
		for k, v := range ctx {
			e.Context[k] = v
		}
	}
}

// WithHTTPStatus overrides the status the API boundary maps this error to
func WithHTTPStatus(status int) Option {
	return func(e *StructuredError) { e.HTTPStatus = status }
}

// New constructs a StructuredError. Severity defaults by code family and the
// HTTP status defaults from StatusFor.
func New(code Code, source, message string, opts ...Option) *StructuredError {
	e := &StructuredError{
		ErrorID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Code:      code,
		Severity:  defaultSeverity(code),
		Message:   message,
		Source:    source,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.HTTPStatus == 0 {
		e.HTTPStatus = StatusFor(code)
	}
	return e
}

// Newf constructs a StructuredError with a formatted message
func Newf(code Code, source string, format string, args ...any) *StructuredError {
	return New(code, source, fmt.Sprintf(format, args...))
}

func defaultSeverity(code Code) Severity {
	switch code {
	case CodeInputValidationFailed, CodeInvalidInput, CodeManifestInvalid:
		return SeverityValidation
	case CodeAccomplishNotFound, CodeArtifactMissingPayload, CodeInternal:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// StatusFor maps an error code to the HTTP status surfaced at the API
// boundary. The mapping is explicit per code; unknown codes map to 500.
func StatusFor(code Code) int {
	switch code {
	case CodeInputValidationFailed, CodeInvalidInput, CodeManifestInvalid,
		CodeSignatureVerificationFailed, CodePermissionValidationFailed:
		return http.StatusBadRequest
	case CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case CodePluginNotFound, CodePluginVersionNotFound, CodePluginIncompatible,
		CodeContainerNotFound, CodeArtifactNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
