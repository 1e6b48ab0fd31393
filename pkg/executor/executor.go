package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/capstack/capman/pkg/config"
	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/log"
	"github.com/capstack/capman/pkg/metrics"
	"github.com/capstack/capman/pkg/security"
	"github.com/capstack/capman/pkg/types"
	"github.com/capstack/capman/pkg/validator"
)

// Reserved input keys carrying service tokens to handlers
const (
	inputAuthToken      = "__auth_token"
	inputBrainAuthToken = "__brain_auth_token"
)

// Environment variable names injected into handler environments
const (
	envCMToken    = "S7_CM_TOKEN"
	envBrainToken = "S7_BRAIN_TOKEN"
)

// TokenMinter mints service tokens for handler environments
type TokenMinter interface {
	Token(ctx context.Context, audience security.TokenAudience) (string, error)
}

// CredentialSource loads per-plugin credential lists
type CredentialSource interface {
	PluginCredentials(ctx context.Context, pluginID string) ([]config.CredentialEntry, error)
}

// ContainerRunner is the narrow view of the container manager the executor
// drives: start, execute, stop
type ContainerRunner interface {
	StartPluginContainer(ctx context.Context, manifest *types.Manifest, bundleRoot string) (*types.ContainerInstance, error)
	Execute(ctx context.Context, instance *types.ContainerInstance, manifest *types.Manifest, request *types.ContainerExecutionRequest) (*types.ContainerExecutionResponse, error)
	StopPluginContainer(ctx context.Context, instanceID string) error
}

// Executor runs plugin invocations. One invocation is a single logical
// task; the executor never parallelizes inside it.
type Executor struct {
	cfg         *config.Config
	tokens      TokenMinter
	credentials CredentialSource
	permissions *security.AllowListPolicy
	containers  ContainerRunner
	sandbox     *SandboxRunner
	logger      zerolog.Logger
}

// New creates an executor
func New(cfg *config.Config, tokens TokenMinter, credentials CredentialSource, permissions *security.AllowListPolicy, containers ContainerRunner) *Executor {
	return &Executor{
		cfg:         cfg,
		tokens:      tokens,
		credentials: credentials,
		permissions: permissions,
		containers:  containers,
		sandbox:     NewSandboxRunner(),
		logger:      log.WithComponent("executor"),
	}
}

// Execute runs a plugin invocation end to end: validate inputs, enforce
// permissions, inject credentials and tokens, dispatch by language. Every
// path returns a non-empty output list; failures become a single
// unsuccessful output carrying the structured error, except a non-2xx
// openapi response, which keeps its statusCode and responseTime outputs.
func (e *Executor) Execute(ctx context.Context, manifest *types.Manifest, inputs map[string]types.InputValue, bundleRoot, traceID string) []types.PluginOutput {
	timer := metrics.NewTimer()
	outputs := e.execute(ctx, manifest, inputs, bundleRoot, traceID)
	timer.ObserveDurationVec(metrics.ExecutionDuration, string(manifest.Language))
	return outputs
}

func (e *Executor) execute(ctx context.Context, manifest *types.Manifest, inputs map[string]types.InputValue, bundleRoot, traceID string) []types.PluginOutput {
	// Internal verbs short-circuit: the caller handles them itself
	if manifest.Language == types.LanguageInternal {
		return []types.PluginOutput{{
			Success:           true,
			Name:              "internal_verb_detected",
			ResultType:        types.ValueTypeString,
			Result:            "INTERNAL_VERB",
			ResultDescription: fmt.Sprintf("verb %s is handled internally by the caller", manifest.Verb),
		}}
	}

	// 1. Validate inputs
	result := validator.ValidateAndStandardizeInputs(manifest.InputDefinitions, inputs)
	if !result.Success {
		return FailureOutputs(errs.New(errs.CodeInvalidInput, "executor",
			result.Error.Message, errs.WithTrace(traceID), errs.WithCause(result.Error)))
	}
	validated := result.Inputs

	// 2. Enforce declared permissions
	if e.permissions != nil {
		if err := e.permissions.Validate(manifest.Security.Permissions); err != nil {
			return FailureOutputs(errs.New(errs.CodePermissionValidationFailed, "executor",
				fmt.Sprintf("plugin %s declares disallowed permissions", manifest.ID),
				errs.WithTrace(traceID), errs.WithCause(err)))
		}
		for _, perm := range e.permissions.Dangerous(manifest.Security.Permissions) {
			e.logger.Warn().
				Str("plugin_id", manifest.ID).
				Str("permission", perm).
				Msg("executing plugin with dangerous permission")
		}
	}

	// 3. Load per-plugin credentials
	var env []string
	if e.credentials != nil {
		entries, err := e.credentials.PluginCredentials(ctx, manifest.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("plugin_id", manifest.ID).Msg("credential fetch failed, continuing without")
		}
		for _, entry := range entries {
			if value := entry.Resolve(); value != "" {
				env = append(env, fmt.Sprintf("%s=%s", entry.Key, value))
			}
		}
	}

	// 4. Mint service tokens and make them visible to the handler both as
	// environment and as reserved inputs
	if e.tokens != nil {
		cmToken, err := e.tokens.Token(ctx, security.AudienceCapabilitiesManager)
		if err != nil {
			return FailureOutputs(errs.New(errs.CodeAuthenticationFailed, "executor",
				"failed to mint service token", errs.WithTrace(traceID), errs.WithCause(err)))
		}
		brainToken, err := e.tokens.Token(ctx, security.AudienceBrain)
		if err != nil {
			return FailureOutputs(errs.New(errs.CodeAuthenticationFailed, "executor",
				"failed to mint brain token", errs.WithTrace(traceID), errs.WithCause(err)))
		}
		env = append(env,
			fmt.Sprintf("%s=%s", envCMToken, cmToken),
			fmt.Sprintf("%s=%s", envBrainToken, brainToken),
		)
		validated[inputAuthToken] = types.InputValue{InputName: inputAuthToken, Value: cmToken, ValueType: types.ValueTypeString}
		validated[inputBrainAuthToken] = types.InputValue{InputName: inputBrainAuthToken, Value: brainToken, ValueType: types.ValueTypeString}
	}

	// 5. Inject service URLs and mission identity when absent
	e.injectServiceInputs(validated)

	// 6. Dispatch on language
	switch manifest.Language {
	case types.LanguageSandbox:
		return e.executeSandbox(ctx, manifest, validated, bundleRoot, traceID)
	case types.LanguageSubprocess:
		return e.executeSubprocess(ctx, manifest, validated, bundleRoot, env, traceID)
	case types.LanguageContainer:
		return e.executeContainer(ctx, manifest, validated, bundleRoot, traceID)
	case types.LanguageOpenAPI:
		return e.executeOpenAPI(ctx, manifest, validated, traceID)
	case types.LanguageMCP:
		return e.executeMCP(ctx, manifest, validated, traceID)
	default:
		return FailureOutputs(errs.Newf(errs.CodeUnsupportedLanguage, "executor",
			"unsupported language %q", manifest.Language))
	}
}

// injectServiceInputs adds the fixed service URLs and mission identity to
// the inputs unless the caller already provided them
func (e *Executor) injectServiceInputs(inputs map[string]types.InputValue) {
	if e.cfg == nil {
		return
	}
	defaults := map[string]string{
		"postoffice_url":     e.cfg.PostOfficeURL,
		"brain_url":          e.cfg.BrainURL,
		"librarian_url":      e.cfg.LibrarianURL,
		"missioncontrol_url": e.cfg.MissionControlURL,
		"mission_id":         e.cfg.MissionID,
	}
	for name, value := range defaults {
		if value == "" {
			continue
		}
		if _, ok := inputs[name]; !ok {
			inputs[name] = types.InputValue{InputName: name, Value: value, ValueType: types.ValueTypeString}
		}
	}
}

// scriptDeadline picks the wall-clock limit for a script execution
func (e *Executor) scriptDeadline(manifest *types.Manifest) time.Duration {
	if t := manifest.Security.Sandbox.Timeout; t > 0 {
		return t
	}
	if e.cfg != nil && e.cfg.ScriptTimeout > 0 {
		return e.cfg.ScriptTimeout
	}
	return 60 * time.Second
}

// FailureOutputs wraps a structured error as the single-element output list
// every failed invocation produces
func FailureOutputs(se *errs.StructuredError) []types.PluginOutput {
	return []types.PluginOutput{{
		Success:           false,
		Name:              string(se.Code),
		ResultType:        types.ValueTypeError,
		Result:            se,
		ResultDescription: se.Message,
		Error:             se.Message,
	}}
}

// successName picks the output name for single-result strategies: the first
// declared output, else "result"
func successName(manifest *types.Manifest) string {
	if len(manifest.OutputDefinitions) > 0 {
		return manifest.OutputDefinitions[0].Name
	}
	return "result"
}

// inferResultType maps a runtime value to its declared value type
func inferResultType(v any) types.ValueType {
	switch v.(type) {
	case string:
		return types.ValueTypeString
	case float64, int, int64:
		return types.ValueTypeNumber
	case bool:
		return types.ValueTypeBoolean
	case []any:
		return types.ValueTypeArray
	case map[string]any:
		return types.ValueTypeObject
	case nil:
		return types.ValueTypeAny
	default:
		return types.ValueTypeObject
	}
}
