// Command slavesim plays the slave controller on a serial port so the agent
// can be exercised against real link hardware without the target board.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bridge-controller/internal/link"
	"bridge-controller/internal/logging"
	"bridge-controller/internal/slave"

	"github.com/spf13/cobra"
)

var (
	port          string
	baudRate      int
	tick          time.Duration
	processATicks int
	processBTicks int
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:           "slavesim",
	Short:         "Simulate the slave controller on a serial port",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&port, "port", "p", "/dev/ttyUSB1", "Serial port connected to the agent's link")
	f.IntVarP(&baudRate, "baud", "b", 115200, "Baud rate")
	f.DurationVar(&tick, "tick", 100*time.Millisecond, "State machine tick")
	f.IntVar(&processATicks, "process-a-ticks", 30, "Ticks PROCESS_A runs before finishing")
	f.IntVar(&processBTicks, "process-b-ticks", 15, "Ticks PROCESS_B runs before finishing")
	f.StringVar(&logLevel, "log-level", "info", "Log level")
}

func run(cmd *cobra.Command, args []string) error {
	if err := logging.Setup(logLevel); err != nil {
		return err
	}
	log := logging.For("slavesim")

	bus, err := link.OpenSerial(port, baudRate)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	peer := slave.NewPeer(bus, slave.PeerConfig{
		Tick:          tick,
		ProcessATicks: processATicks,
		ProcessBTicks: processBTicks,
	})
	log.Infof("Simulating slave on %s at %d baud.", port, baudRate)
	peer.Run(ctx)
	log.Info("Stopped.")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
