// Command collector receives measurements from water well nodes.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/ubipo/water-well-level/collector"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to a YAML configuration file")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("dynamo-table", "", "DynamoDB table, empty keeps measurements in memory")
	flag.String("mqtt-broker", "", "MQTT broker for alerts (e.g. tcp://localhost:1883)")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithFile(*configPath), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(config.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, config)
	if err != nil {
		logger.Error("Failed to create store", "error", err)
		os.Exit(1)
	}

	server := &collector.Server{
		Logger: logger.With("component", "server"),
		Store:  store,
		Config: config.Well,
	}

	if config.MQTT.Broker != "" {
		client, err := collector.DialMQTT(ctx, config.MQTT, logger.With("component", "mqtt"))
		if err != nil {
			logger.Error("Failed to connect to MQTT broker", "error", err)
			os.Exit(1)
		}
		defer client.Disconnect(500)
		server.Watcher = &collector.Watcher{
			Thresholds: config.Thresholds,
			Notifier:   &collector.MQTTNotifier{Client: client, Topic: config.MQTT.Topic},
			Logger:     logger.With("component", "watcher"),
		}
	}

	httpServer := &http.Server{
		Addr:              config.BindAddress,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr, "dynamo_table", config.DynamoTable)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("Failed to notify systemd", "error", err)
	} else if ok {
		logger.Debug("Notified systemd of readiness")
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
		os.Exit(1)
	}
}

func newStore(ctx context.Context, config *Config) (collector.Store, error) {
	if config.DynamoTable == "" {
		return &collector.MemoryStore{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &collector.DynamoStore{
		Client:    dynamodb.NewFromConfig(awsCfg),
		TableName: config.DynamoTable,
	}, nil
}
