package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/types"
)

// remoteClient is shared by the openapi and mcp strategies
var remoteClient = &http.Client{Timeout: 60 * time.Second}

// executeOpenAPI resolves the manifest's API operation, builds the request
// with path/query/body mapping, applies authentication and maps the
// response to outputs. statusCode and responseTime ride along as
// additional outputs.
func (e *Executor) executeOpenAPI(ctx context.Context, manifest *types.Manifest, inputs map[string]types.InputValue, traceID string) []types.PluginOutput {
	api := manifest.API
	if api == nil || api.BaseURL == "" {
		return FailureOutputs(errs.Newf(errs.CodeRemoteRequestFailed, "executor",
			"plugin %s has no API configuration", manifest.ID))
	}

	method := strings.ToUpper(api.Method)
	if method == "" {
		method = http.MethodPost
	}

	// Path parameters: {name} segments substituted from inputs
	path := api.Path
	consumed := make(map[string]bool)
	for name, input := range inputs {
		placeholder := "{" + name + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, fmt.Sprintf("%v", input.Value))
			consumed[name] = true
		}
	}

	target := strings.TrimRight(api.BaseURL, "/") + path

	// Remaining inputs go to the query string for body-less methods and
	// to a JSON body otherwise. Reserved token inputs never leave the
	// process.
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		query := url.Values{}
		for name, input := range inputs {
			if consumed[name] || strings.HasPrefix(name, "__") {
				continue
			}
			query.Set(name, fmt.Sprintf("%v", input.Value))
		}
		if encoded := query.Encode(); encoded != "" {
			target += "?" + encoded
		}
	} else {
		payload := make(map[string]any)
		for name, input := range inputs {
			if consumed[name] || strings.HasPrefix(name, "__") {
				continue
			}
			payload[name] = input.Value
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return FailureOutputs(errs.New(errs.CodeRemoteRequestFailed, "executor",
				"failed to encode request body", errs.WithTrace(traceID), errs.WithCause(err)))
		}
		body = bytes.NewReader(data)
	}

	timeout := api.Timeout
	if timeout == 0 {
		if e.cfg != nil && e.cfg.RemoteTimeout > 0 {
			timeout = e.cfg.RemoteTimeout
		} else {
			timeout = 30 * time.Second
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return FailureOutputs(errs.New(errs.CodeRemoteRequestFailed, "executor",
			"failed to build remote request", errs.WithTrace(traceID), errs.WithCause(err)))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range api.Headers {
		req.Header.Set(key, value)
	}
	if err := applyAuth(req, api.Auth); err != nil {
		return FailureOutputs(errs.New(errs.CodeRemoteRequestFailed, "executor",
			"failed to apply authentication", errs.WithTrace(traceID), errs.WithCause(err)))
	}

	start := time.Now()
	resp, err := remoteClient.Do(req)
	if err != nil {
		return FailureOutputs(errs.New(errs.CodeRemoteRequestFailed, "executor",
			fmt.Sprintf("remote request to %s failed", api.BaseURL),
			errs.WithTrace(traceID), errs.WithCause(err)))
	}
	defer resp.Body.Close()
	responseTime := time.Since(start)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return FailureOutputs(errs.New(errs.CodeRemoteRequestFailed, "executor",
			"failed to read remote response", errs.WithTrace(traceID), errs.WithCause(err)))
	}

	result, resultType := decodeByContentType(resp.Header.Get("Content-Type"), data)

	primary := types.PluginOutput{
		Success:           resp.StatusCode >= 200 && resp.StatusCode <= 299,
		Name:              successName(manifest),
		ResultType:        resultType,
		Result:            result,
		ResultDescription: fmt.Sprintf("response of %s", manifest.Verb),
		MimeType:          resp.Header.Get("Content-Type"),
	}
	if !primary.Success {
		primary.Error = fmt.Sprintf("remote returned status %d", resp.StatusCode)
		primary.ResultType = types.ValueTypeError
	}

	return []types.PluginOutput{
		primary,
		{
			Success:           true,
			Name:              "statusCode",
			ResultType:        types.ValueTypeNumber,
			Result:            resp.StatusCode,
			ResultDescription: "HTTP status code",
		},
		{
			Success:           true,
			Name:              "responseTime",
			ResultType:        types.ValueTypeNumber,
			Result:            responseTime.Seconds(),
			ResultDescription: "response time in seconds",
		},
	}
}

// applyAuth attaches the configured authentication to the request
func applyAuth(req *http.Request, auth *types.APIAuth) error {
	if auth == nil || auth.Type == types.AuthTypeNone || auth.Type == "" {
		return nil
	}

	secret := resolveCredential(auth.ValueFrom)
	switch auth.Type {
	case types.AuthTypeAPIKey:
		if secret == "" {
			return fmt.Errorf("api key credential %q resolves empty", auth.ValueFrom)
		}
		name := auth.Name
		if name == "" {
			name = "X-API-Key"
		}
		if auth.In == "query" {
			q := req.URL.Query()
			q.Set(name, secret)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(name, secret)
		}
	case types.AuthTypeBearer:
		if secret == "" {
			return fmt.Errorf("bearer credential %q resolves empty", auth.ValueFrom)
		}
		req.Header.Set("Authorization", "Bearer "+secret)
	case types.AuthTypeBasic:
		password := auth.Password
		if password == "" {
			password = secret
		}
		req.SetBasicAuth(auth.Username, password)
	default:
		return fmt.Errorf("unsupported auth type %q", auth.Type)
	}
	return nil
}

func resolveCredential(valueFrom string) string {
	if name, ok := strings.CutPrefix(valueFrom, "env:"); ok {
		return os.Getenv(name)
	}
	return valueFrom
}

// decodeByContentType infers the result value and type from the response
// content type
func decodeByContentType(contentType string, data []byte) (any, types.ValueType) {
	if strings.Contains(contentType, "application/json") {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			return decoded, inferResultType(decoded)
		}
	}
	return string(data), types.ValueTypeString
}

// executeMCP resolves the target service from MCP_SERVICE_<NAME>_URL, POSTs
// the inputs as JSON and maps named response fields to outputs per the
// manifest's output definitions.
func (e *Executor) executeMCP(ctx context.Context, manifest *types.Manifest, inputs map[string]types.InputValue, traceID string) []types.PluginOutput {
	mcp := manifest.MCP
	if mcp == nil || mcp.ServiceName == "" {
		return FailureOutputs(errs.Newf(errs.CodeMCPServiceNotConfigured, "executor",
			"plugin %s has no MCP configuration", manifest.ID))
	}

	envVar := mcpServiceEnvVar(mcp.ServiceName)
	base := os.Getenv(envVar)
	if base == "" {
		return FailureOutputs(errs.Newf(errs.CodeMCPServiceNotConfigured, "executor",
			"environment variable %s is not set", envVar))
	}

	payload := make(map[string]any, len(inputs))
	for name, input := range inputs {
		if strings.HasPrefix(name, "__") {
			continue
		}
		payload[name] = input.Value
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return FailureOutputs(errs.New(errs.CodeRemoteRequestFailed, "executor",
			"failed to encode MCP request", errs.WithTrace(traceID), errs.WithCause(err)))
	}

	method := mcp.Method
	if method == "" {
		method = http.MethodPost
	}
	target := strings.TrimRight(base, "/") + mcp.Path

	timeout := 30 * time.Second
	if e.cfg != nil && e.cfg.RemoteTimeout > 0 {
		timeout = e.cfg.RemoteTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, bytes.NewReader(data))
	if err != nil {
		return FailureOutputs(errs.New(errs.CodeRemoteRequestFailed, "executor",
			"failed to build MCP request", errs.WithTrace(traceID), errs.WithCause(err)))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := remoteClient.Do(req)
	if err != nil {
		return FailureOutputs(errs.New(errs.CodeRemoteRequestFailed, "executor",
			fmt.Sprintf("MCP request to %s failed", mcp.ServiceName),
			errs.WithTrace(traceID), errs.WithCause(err)))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return FailureOutputs(errs.Newf(errs.CodeRemoteRequestFailed, "executor",
			"MCP service %s returned status %d", mcp.ServiceName, resp.StatusCode))
	}

	var fields map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		return FailureOutputs(errs.New(errs.CodeOutputInvalid, "executor",
			fmt.Sprintf("MCP service %s returned malformed response", mcp.ServiceName),
			errs.WithTrace(traceID), errs.WithCause(err)))
	}

	// Map named response fields per the declared outputs; with no
	// declarations, the whole body is the single result.
	if len(manifest.OutputDefinitions) == 0 {
		return []types.PluginOutput{{
			Success:           true,
			Name:              "result",
			ResultType:        types.ValueTypeObject,
			Result:            fields,
			ResultDescription: fmt.Sprintf("response of %s", manifest.Verb),
		}}
	}

	outputs := make([]types.PluginOutput, 0, len(manifest.OutputDefinitions))
	for _, def := range manifest.OutputDefinitions {
		value, ok := fields[def.Name]
		if !ok {
			if def.Required {
				return FailureOutputs(errs.Newf(errs.CodeOutputInvalid, "executor",
					"MCP response is missing required field %q", def.Name))
			}
			continue
		}
		outputs = append(outputs, types.PluginOutput{
			Success:           true,
			Name:              def.Name,
			ResultType:        def.Type,
			Result:            value,
			ResultDescription: def.Description,
		})
	}
	if len(outputs) == 0 {
		return FailureOutputs(errs.Newf(errs.CodeOutputInvalid, "executor",
			"MCP response matched no declared outputs"))
	}
	return outputs
}

// mcpServiceEnvVar builds the MCP_SERVICE_<NAME>_URL variable name
func mcpServiceEnvVar(service string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, service)
	return "MCP_SERVICE_" + name + "_URL"
}
