package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration, constructed once during startup and
// passed explicitly to the components that need it.
type Config struct {
	// Listen address for the HTTP API
	ListenAddr string

	// Service URLs
	PostOfficeURL     string
	BrainURL          string
	LibrarianURL      string
	SecurityMgrURL    string
	MissionControlURL string
	EngineerURL       string

	// Identity
	ClientSecret string
	MissionID    string

	// Host capabilities advertised to plugins
	HostVersion string
	HostAppName string

	// Filesystem layout
	PluginRoot   string // inline plugin bundles: <PluginRoot>/<verb>
	CacheRoot    string // materialized git bundles
	ArtifactRoot string // artifact store base path

	// Execution deadlines
	ScriptTimeout time.Duration
	RemoteTimeout time.Duration

	// Container engine
	EngineHost string // docker engine endpoint; empty uses environment defaults

	// Git bundle freshness for branch-only clones
	BranchTTL time.Duration
}

// Load reads configuration from the environment and an optional config file.
// Environment variables always win over file values.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":5060")
	v.SetDefault("postoffice_url", "http://postoffice:5020")
	v.SetDefault("brain_url", "http://brain:5070")
	v.SetDefault("librarian_url", "http://librarian:5040")
	v.SetDefault("securitymanager_url", "http://securitymanager:5010")
	v.SetDefault("missioncontrol_url", "http://missioncontrol:5030")
	v.SetDefault("engineer_url", "http://engineer:5050")
	v.SetDefault("cm_version", "1.0.0")
	v.SetDefault("cm_app_name", "capman")
	v.SetDefault("plugin_root", "./plugins")
	v.SetDefault("cache_root", "./cache/plugins")
	v.SetDefault("artifact_root", "./artifacts")
	v.SetDefault("script_timeout", "60s")
	v.SetDefault("remote_timeout", "30s")
	v.SetDefault("branch_ttl", "10m")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		ListenAddr:        v.GetString("listen_addr"),
		PostOfficeURL:     v.GetString("postoffice_url"),
		BrainURL:          v.GetString("brain_url"),
		LibrarianURL:      v.GetString("librarian_url"),
		SecurityMgrURL:    v.GetString("securitymanager_url"),
		MissionControlURL: v.GetString("missioncontrol_url"),
		EngineerURL:       v.GetString("engineer_url"),
		ClientSecret:      v.GetString("client_secret"),
		MissionID:         v.GetString("mission_id"),
		HostVersion:       v.GetString("cm_version"),
		HostAppName:       v.GetString("cm_app_name"),
		PluginRoot:        v.GetString("plugin_root"),
		CacheRoot:         v.GetString("cache_root"),
		ArtifactRoot:      v.GetString("artifact_root"),
		ScriptTimeout:     v.GetDuration("script_timeout"),
		RemoteTimeout:     v.GetDuration("remote_timeout"),
		EngineHost:        v.GetString("docker_host"),
		BranchTTL:         v.GetDuration("branch_ttl"),
	}

	return cfg, nil
}
