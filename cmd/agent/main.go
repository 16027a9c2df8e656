package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bridge-controller/internal/agent"
	"bridge-controller/internal/config"
	"bridge-controller/internal/logging"

	"github.com/spf13/cobra"
)

// These variables will be set by the build script
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "bridge-agent",
	Short: "Command router between local consoles, network uplinks and the slave controller",
	Long: `bridge-agent accepts commands from the UART console, HTTP, HTTPS talkback,
MQTT brokers, a BLE GATT service, cron schedules and Lua scripts, routes them
through a single dispatcher, and forwards slave-directed commands over the
framed I2C or serial link.`,
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAgent,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file (YAML or JSON)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := logging.Setup(cfg.LogLevel); err != nil {
		return err
	}

	log := logging.For("main")
	log.Infof("Starting bridge agent version: %s, commit: %s, built: %s", version, commit, date)

	a, err := agent.NewAgent(cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	done := make(chan struct{})
	go func() {
		a.Run()
		close(done)
	}()

	// Wait for termination signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agent...")
	a.Shutdown()
	<-done
	log.Info("Agent shut down gracefully.")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
