/*
Package types defines the core data structures used throughout the
capabilities manager.

This package contains all fundamental types that represent the domain model:
plugin manifests, execution steps, plugin outputs, container instances, and
the tracking records the orchestrator keeps per operation. These types are
used by all other packages for resolution, execution, and bookkeeping.

# Core Types

Plugin description:
  - Manifest: Immutable description of a plugin (verb, version, language)
  - InputDefinition / OutputDefinition: Typed, aliasable I/O declarations
  - PackageSource: Inline directory or git repository bundle source
  - ContainerConfig / APIConfig / MCPConfig: Per-language configuration
  - SecurityConfig: Permissions, sandbox limits, trust signature
  - HostCompatibility: Minimum host version and application match

Execution:
  - Step: One action verb plus typed inputs submitted by a caller
  - InputValue: Canonical-named typed input value
  - PluginOutput: One structured result of an invocation

Container lifecycle:
  - ContainerInstance: A running container plugin with host port and health
  - ContainerExecutionRequest / Response: The wire contract with containers

Tracking:
  - ActiveOperation: One in-flight step with its held resources
  - ResourceRecord: A resource reference swept when stale
  - UsageStats: Per-plugin EMA statistics for ranking

All types are designed to be serializable (JSON), immutable where possible,
and validated through constants for the closed enum sets (Language,
ValueType, ContainerStatus, HealthState).
*/
package types
