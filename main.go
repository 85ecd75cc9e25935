package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ubipo/water-well-level/modem"
)

const usage = `Usage: wellnode [flags] [command]

Commands:
  cycle         measure, then queue or transmit (default)
  power on|off  drive the modem power key
  probe         send one reading through the GET fallback endpoint
  at <command>  send a raw AT command to a powered modem

Flags:
`

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to a YAML configuration file")
	flag.String("serial-port", "/dev/ttyS1", "Serial port to connect to the modem")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("sim-pin", "", "SIM card PIN code (if required)")
	flag.Int("power-key-gpio", -1, "Sysfs GPIO number of the modem power key, -1 for none")
	flag.String("collector-url", "", "Base URL of the collector")
	flag.String("token", "", "Collector write token")
	flag.String("store-path", "/var/lib/water-well/measurements.bin", "File holding untransmitted measurements")
	flag.Duration("interval", 0, "Repeat the cycle at this interval instead of exiting")
	flag.Bool("simulate", false, "Use a simulated modem and sensors")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithFile(*configPath), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(config.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger, flag.Args()); err != nil {
		logger.Error("Command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var errUsage = errors.New("invalid command line")

func run(ctx context.Context, config *Config, logger *slog.Logger, args []string) error {
	cmd := "cycle"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	// Raw commands and power control work without a collector.
	switch cmd {
	case "cycle", "probe":
		if err := config.Validate(); err != nil {
			return fmt.Errorf("configuration: %w", err)
		}
	case "power", "at":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	n := newNode(config, logger)
	m, err := n.openModem(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Error("Failed to close modem", "error", err)
		}
	}()
	logger.Info("Starting water well node", "command", cmd, "modem", m, "simulate", config.Simulate)

	switch cmd {
	case "cycle":
		return runCycles(ctx, n, m)
	case "power":
		if len(args) != 1 {
			return fmt.Errorf("%w: power takes on or off", errUsage)
		}
		switch args[0] {
		case "on":
			return m.PowerOn(ctx)
		case "off":
			return m.PowerOff(ctx)
		}
		return fmt.Errorf("%w: power takes on or off, got %q", errUsage, args[0])
	case "probe":
		resp, err := n.probe(ctx, m)
		if err != nil {
			return err
		}
		fmt.Printf("%d %s\n", resp.Status, resp.Body)
		return nil
	default:
		if len(args) == 0 {
			return fmt.Errorf("%w: at takes a command", errUsage)
		}
		return rawCommand(ctx, m, strings.Join(args, " "))
	}
}

// runCycles runs one cycle, or keeps running them when an interval is set.
func runCycles(ctx context.Context, n *node, m *modem.Modem) error {
	for {
		next, err := n.runCycle(ctx, m)
		if err != nil {
			if n.config.Interval == 0 {
				return err
			}
			n.logger.Error("Cycle failed", "error", err)
		}
		if n.config.Interval == 0 {
			return nil
		}

		n.logger.Info("Sleeping until next cycle", "duration", next)
		t := time.NewTimer(next)
		select {
		case <-ctx.Done():
			t.Stop()
			n.logger.Info("Received shutdown signal")
			return nil
		case <-t.C:
		}
	}
}

// rawCommand prints the payload of a query or the status of a command.
func rawCommand(ctx context.Context, m *modem.Modem, cmd string) error {
	if strings.HasSuffix(cmd, "?") {
		payload, err := m.Query(ctx, cmd)
		if err != nil {
			return err
		}
		fmt.Println(payload)
		return nil
	}
	if err := m.SendCommand(ctx, cmd); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}
