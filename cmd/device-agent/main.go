// ShelterLink Device Agent
// Main entry point for the device sync agent
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shelterlink/device-agent/internal/api"
	"github.com/shelterlink/device-agent/internal/config"
	"github.com/shelterlink/device-agent/internal/engine"
)

const version = "0.1.0"

var (
	configFile string
	envFile    string
	apiAddr    string

	rootCmd = &cobra.Command{
		Use:   "device-agent",
		Short: "ShelterLink Device Agent",
		Long:  "Device agent for ShelterLink. Sends heartbeats to the sync backend, follows the suggestion stream and serves the local control API.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the agent service",
		RunE:  runAgent,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ShelterLink Device Agent v%s\n", version)
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the running agent's status",
		RunE:  showStatus,
	}

	syncCmd = &cobra.Command{
		Use:   "sync-now",
		Short: "Ask the running agent to send a heartbeat now",
		RunE:  syncNow,
	}

	modeCmd = &cobra.Command{
		Use:       "mode <normal|emergency>",
		Short:     "Override the running agent's mode",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"normal", "emergency"},
		RunE:      setMode,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "Configuration file path")
	runCmd.Flags().StringVar(&envFile, "env-file", "", "Optional .env file (default ./.env)")
	for _, cmd := range []*cobra.Command{statusCmd, syncCmd, modeCmd} {
		cmd.Flags().StringVar(&apiAddr, "api", config.Default().API.Listen, "Control API address")
	}
	modeCmd.Flags().String("reason", "cli", "Reason recorded with the override")

	rootCmd.AddCommand(runCmd, versionCmd, statusCmd, syncCmd, modeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.Load(configFile, envFiles...)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logFile, err := config.SetupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer logFile.Close()

	eng, err := engine.Open(cfg.EngineConfig())
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"device_id": eng.DeviceID(),
		"version":   version,
	}).Info("Starting ShelterLink Device Agent")
	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	server := api.New(cfg.APIConfig(), eng)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down...")
		return nil
	})
	runErr := g.Wait()

	if err := eng.Stop(); err != nil {
		logrus.WithError(err).Error("Error during shutdown")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("control API failed: %w", runErr)
	}

	logrus.Info("Shutdown complete")
	return nil
}
