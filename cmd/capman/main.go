package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/capstack/capman/pkg/api"
	"github.com/capstack/capman/pkg/config"
	"github.com/capstack/capman/pkg/container"
	"github.com/capstack/capman/pkg/contextmgr"
	"github.com/capstack/capman/pkg/events"
	"github.com/capstack/capman/pkg/executor"
	"github.com/capstack/capman/pkg/log"
	"github.com/capstack/capman/pkg/manager"
	"github.com/capstack/capman/pkg/registry"
	"github.com/capstack/capman/pkg/security"
	"github.com/capstack/capman/pkg/tracker"
	"github.com/capstack/capman/pkg/workflow"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "capman",
	Short: "Capman - capability dispatch for pluggable action handlers",
	Long: `Capman resolves action verbs to pluggable handlers and executes
them under resource and permission constraints: sandboxed scripts,
language subprocesses, containers and remote HTTP endpoints.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capabilities manager service",
	RunE:  runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Capman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	serveCmd.Flags().String("config", "", "Path to an optional config file")
	serveCmd.Flags().String("data-dir", "./data", "Directory for the plugin database")

	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := log.WithComponent("main")

	broker := events.NewBroker()
	defer broker.Close()

	// Manifest repositories: the bolt store is the write target, the
	// inline plugin directory serves pre-seeded handlers
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	boltRepo, err := registry.NewBoltRepository(dataDir)
	if err != nil {
		return err
	}
	defer boltRepo.Close()
	inlineRepo := registry.NewInlineRepository(cfg.PluginRoot)

	verifier := security.NewHMACVerifier(cfg.ClientSecret, cfg.ClientSecret == "")
	permissions := security.NewAllowListPolicy()
	materializer := registry.NewMaterializer(cfg.PluginRoot, cfg.CacheRoot, cfg.BranchTTL)

	reg, err := registry.New(
		[]registry.Repository{boltRepo, inlineRepo},
		verifier, permissions, materializer, broker,
	)
	if err != nil {
		return err
	}

	// The container engine may be absent; non-container verbs still work
	engineReady := false
	var containers *container.Manager
	engine, err := container.NewDockerEngine(cfg.EngineHost)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = engine.Ping(pingCtx)
		cancel()
	}
	if err != nil {
		logger.Warn().Err(err).Msg("container engine unavailable, container plugins disabled")
	} else {
		engineReady = true
		containers = container.NewManager(engine, broker)
		if err := containers.StartHealthMonitor(); err != nil {
			return err
		}
		defer engine.Close()
	}

	tokens := security.NewTokenClient(cfg.SecurityMgrURL, cfg.ClientSecret)
	credentials := config.NewCredentialStore(cfg.LibrarianURL)

	var runner executor.ContainerRunner
	if containers != nil {
		runner = containers
	}
	exec := executor.New(cfg, tokens, credentials, permissions, runner)

	engineer := workflow.NewHTTPEngineerClient(cfg.EngineerURL)
	unknown := workflow.New(reg, exec, engineer, broker)

	tr := tracker.New()
	if err := tr.StartSweeper(); err != nil {
		return err
	}
	defer tr.Stop()

	mgr := manager.New(cfg, reg, exec, unknown, tr, nil, broker)
	mgr.AttachContextManager(contextmgr.New(mgr))

	server := api.NewServer(mgr, func() api.Readiness {
		return api.Readiness{Registry: true, ContainerEngine: engineReady}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if containers != nil {
		containers.Cleanup(shutdownCtx)
	}
	return server.Shutdown(shutdownCtx)
}
