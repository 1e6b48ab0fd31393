package types

import (
	"time"
)

// Language identifies the execution strategy for a plugin
type Language string

const (
	LanguageSandbox    Language = "sandbox-script"
	LanguageSubprocess Language = "subprocess-script"
	LanguageContainer  Language = "container"
	LanguageOpenAPI    Language = "openapi"
	LanguageMCP        Language = "mcp"
	LanguageInternal   Language = "internal"
)

// ValueType describes the type of an input or output value
type ValueType string

const (
	ValueTypeString  ValueType = "string"
	ValueTypeNumber  ValueType = "number"
	ValueTypeBoolean ValueType = "boolean"
	ValueTypeObject  ValueType = "object"
	ValueTypeArray   ValueType = "array"
	ValueTypePlan    ValueType = "plan"
	ValueTypePlugin  ValueType = "plugin"
	ValueTypeError   ValueType = "error"
	ValueTypeAny     ValueType = "any"
)

// RepositoryType identifies a manifest repository backend
type RepositoryType string

const (
	RepositoryTypeLocal       RepositoryType = "local"
	RepositoryTypeGit         RepositoryType = "git"
	RepositoryTypeMarketplace RepositoryType = "marketplace"
)

// InputDefinition declares one input a plugin accepts
type InputDefinition struct {
	Name        string    `json:"name"`
	Type        ValueType `json:"type"`
	Required    bool      `json:"required"`
	Aliases     []string  `json:"aliases,omitempty"`
	Description string    `json:"description,omitempty"`
}

// OutputDefinition declares one output a plugin produces
type OutputDefinition struct {
	Name        string    `json:"name"`
	Type        ValueType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Description string    `json:"description,omitempty"`
}

// PackageSourceType identifies where a plugin bundle comes from
type PackageSourceType string

const (
	PackageSourceInline PackageSourceType = "inline"
	PackageSourceGit    PackageSourceType = "git"
)

// PackageSource describes where a plugin's files live
type PackageSource struct {
	Type PackageSourceType `json:"type"`

	// Path is the bundle directory for inline packages, relative to the
	// service plugin root
	Path string `json:"path,omitempty"`

	// Git source fields
	URL        string `json:"url,omitempty"`
	Branch     string `json:"branch,omitempty"`
	CommitHash string `json:"commitHash,omitempty"`
	SubPath    string `json:"subPath,omitempty"`
}

// EntryPoint names the main file of a plugin bundle
type EntryPoint struct {
	Main string `json:"main"`
}

// PortSpec declares a port the container listens on
type PortSpec struct {
	ContainerPort int    `json:"containerPort"`
	Protocol      string `json:"protocol,omitempty"` // "tcp" or "udp", default tcp
}

// ContainerConfig holds container-language plugin settings
type ContainerConfig struct {
	Image              string        `json:"image"`
	Dockerfile         string        `json:"dockerfile,omitempty"`   // relative to bundle root, default "Dockerfile"
	BuildContext       string        `json:"buildContext,omitempty"` // relative to bundle root, default "."
	Ports              []PortSpec    `json:"ports,omitempty"`
	Memory             string        `json:"memory,omitempty"` // e.g. "100m", "1g"
	CPU                float64       `json:"cpu,omitempty"`    // cores; converted to shares (x1024)
	HealthCheckPath    string        `json:"healthCheckPath,omitempty"`
	HealthCheckTimeout time.Duration `json:"healthCheckTimeout,omitempty"`
	APIEndpoint        string        `json:"apiEndpoint,omitempty"` // execution endpoint path, default "/execute"
}

// AuthType identifies how a remote API authenticates requests
type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeAPIKey AuthType = "apiKey"
	AuthTypeBearer AuthType = "bearer"
	AuthTypeBasic  AuthType = "basic"
)

// APIAuth describes remote API authentication
type APIAuth struct {
	Type AuthType `json:"type"`

	// In is where an API key goes: "header" or "query"
	In   string `json:"in,omitempty"`
	Name string `json:"name,omitempty"`

	// ValueFrom references the credential, e.g. "env:SERVICE_API_KEY"
	ValueFrom string `json:"valueFrom,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// APIConfig holds openapi-language plugin settings
type APIConfig struct {
	BaseURL     string            `json:"baseUrl"`
	OperationID string            `json:"operationId,omitempty"`
	Method      string            `json:"method,omitempty"` // default POST
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers,omitempty"`
	Auth        *APIAuth          `json:"auth,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
}

// MCPConfig holds mcp-language plugin settings. The target URL is resolved
// at execution time from MCP_SERVICE_<NAME>_URL.
type MCPConfig struct {
	ServiceName string `json:"serviceName"`
	Path        string `json:"path,omitempty"`
	Method      string `json:"method,omitempty"`
}

// SandboxLimits constrains in-process script execution
type SandboxLimits struct {
	Timeout        time.Duration `json:"timeout,omitempty"`
	MemoryMB       int           `json:"memoryMb,omitempty"`
	AllowedModules []string      `json:"allowedModules,omitempty"`
	AllowedAPIs    []string      `json:"allowedApis,omitempty"`
}

// SecurityConfig declares what a plugin is allowed to do
type SecurityConfig struct {
	Permissions    []string      `json:"permissions,omitempty"`
	Sandbox        SandboxLimits `json:"sandbox,omitempty"`
	TrustSignature string        `json:"trustSignature,omitempty"`
}

// HostCompatibility constrains which hosts may run a plugin
type HostCompatibility struct {
	MinHostVersion string `json:"minHostVersion,omitempty"`
	HostAppName    string `json:"hostAppName,omitempty"`
}

// HostCapabilities describes the running host, matched against a manifest's
// HostCompatibility during resolution
type HostCapabilities struct {
	HostVersion string
	HostAppName string
}

// Manifest is the immutable description of a plugin. (ID, Version) is unique;
// a verb may map to many (ID, Version) pairs.
type Manifest struct {
	ID                string             `json:"id"`
	Verb              string             `json:"verb"`
	Version           string             `json:"version"`
	Language          Language           `json:"language"`
	Description       string             `json:"description,omitempty"`
	Category          string             `json:"category,omitempty"`
	EntryPoint        *EntryPoint        `json:"entryPoint,omitempty"`
	InputDefinitions  []InputDefinition  `json:"inputDefinitions,omitempty"`
	OutputDefinitions []OutputDefinition `json:"outputDefinitions,omitempty"`
	PackageSource     *PackageSource     `json:"packageSource,omitempty"`
	Container         *ContainerConfig   `json:"container,omitempty"`
	API               *APIConfig         `json:"api,omitempty"`
	MCP               *MCPConfig         `json:"mcp,omitempty"`
	Security          SecurityConfig     `json:"security,omitempty"`
	HostCompat        *HostCompatibility `json:"hostCompatibility,omitempty"`
	RepositoryType    RepositoryType     `json:"repositoryType,omitempty"`
	CreatedAt         time.Time          `json:"createdAt,omitempty"`
}

// Remote reports whether the plugin executes outside a local bundle, meaning
// no entry point or materialization is required.
func (m *Manifest) Remote() bool {
	return m.Language == LanguageOpenAPI || m.Language == LanguageMCP || m.Language == LanguageInternal
}

// PluginLocator is the lightweight index entry for a manifest
type PluginLocator struct {
	ID             string         `json:"id"`
	Verb           string         `json:"verb"`
	Version        string         `json:"version"`
	RepositoryType RepositoryType `json:"repositoryType"`
}

// InputValue is one typed input provided to a plugin
type InputValue struct {
	InputName string         `json:"inputName"`
	Value     any            `json:"value"`
	ValueType ValueType      `json:"valueType"`
	Args      map[string]any `json:"args,omitempty"`
}

// PluginDetails pins a step to an exact plugin version
type PluginDetails struct {
	PluginID string `json:"pluginId"`
	Version  string `json:"version,omitempty"`
}

// Step is one action submitted for execution
type Step struct {
	ActionVerb    string                `json:"actionVerb"`
	InputValues   map[string]InputValue `json:"inputValues,omitempty"`
	PluginDetails *PluginDetails        `json:"pluginDetails,omitempty"`
	TraceID       string                `json:"traceId,omitempty"`
	MissionID     string                `json:"missionId,omitempty"`
}

// PluginOutput is one result produced by a plugin invocation
type PluginOutput struct {
	Success           bool      `json:"success"`
	Name              string    `json:"name"`
	ResultType        ValueType `json:"resultType"`
	Result            any       `json:"result"`
	ResultDescription string    `json:"resultDescription,omitempty"`
	Error             string    `json:"error,omitempty"`
	MimeType          string    `json:"mimeType,omitempty"`
	FileName          string    `json:"fileName,omitempty"`
}

// ContainerStatus represents the lifecycle state of a container instance
type ContainerStatus string

const (
	ContainerStatusBuilding ContainerStatus = "building"
	ContainerStatusStarting ContainerStatus = "starting"
	ContainerStatusRunning  ContainerStatus = "running"
	ContainerStatusStopping ContainerStatus = "stopping"
	ContainerStatusStopped  ContainerStatus = "stopped"
	ContainerStatusError    ContainerStatus = "error"
)

// HealthState is the probed health of a container instance
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateUnhealthy HealthState = "unhealthy"
	HealthStateUnknown   HealthState = "unknown"
)

// ContainerInstance tracks one running container plugin. One instance per
// active invocation; container plugins are not pooled.
type ContainerInstance struct {
	InstanceID        string          `json:"instanceId"`
	EngineContainerID string          `json:"engineContainerId"`
	PluginID          string          `json:"pluginId"`
	Image             string          `json:"image"`
	HostPort          int             `json:"hostPort"`
	Status            ContainerStatus `json:"status"`
	CreatedAt         time.Time       `json:"createdAt"`
	LastHealthCheck   time.Time       `json:"lastHealthCheck,omitempty"`
	HealthStatus      HealthState     `json:"healthStatus"`
}

// ContainerExecutionRequest is the body POSTed to a container plugin
type ContainerExecutionRequest struct {
	Inputs  map[string]any            `json:"inputs"`
	Context ContainerExecutionContext `json:"context"`
}

// ContainerExecutionContext carries invocation identity to the container
type ContainerExecutionContext struct {
	TraceID       string `json:"traceId"`
	PluginID      string `json:"pluginId"`
	PluginVersion string `json:"version"`
}

// ContainerExecutionResponse is what a container plugin returns
type ContainerExecutionResponse struct {
	Success       bool           `json:"success"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"executionTime,omitempty"`
}

// ActiveOperation tracks one in-flight step execution
type ActiveOperation struct {
	OperationID string
	TraceID     string
	Verb        string
	StartedAt   time.Time
	ResourceIDs map[string]struct{}
}

// ResourceRecord tracks one resource held by active operations
type ResourceRecord struct {
	ResourceID   string
	InUse        bool
	LastAccessed time.Time
}

// UsageStats accumulates per-plugin invocation statistics. SuccessRate and
// AvgExecutionMS are exponential moving averages.
type UsageStats struct {
	TotalUses      int64     `json:"totalUses"`
	SuccessRate    float64   `json:"successRate"`
	AvgExecutionMS float64   `json:"avgExecutionMs"`
	LastUsed       time.Time `json:"lastUsed,omitempty"`
}

// PluginMetadata is the ranking view of a plugin used for context generation
type PluginMetadata struct {
	ID             string     `json:"id"`
	Verb           string     `json:"verb"`
	Description    string     `json:"description,omitempty"`
	Category       string     `json:"category,omitempty"`
	RequiredInputs []string   `json:"requiredInputs,omitempty"`
	Stats          UsageStats `json:"stats"`
}

// ContextConstraints bound a generated plugin context
type ContextConstraints struct {
	MaxTokens            int      `json:"maxTokens"`
	MaxPlugins           int      `json:"maxPlugins"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
	ExcludedPlugins      []string `json:"excludedPlugins,omitempty"`
	PriorityKeywords     []string `json:"priorityKeywords,omitempty"`
}
