package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/blegateway/bridge"
	"github.com/mjasion/balena-home/blegateway/buffer"
	"github.com/mjasion/balena-home/blegateway/config"
	"github.com/mjasion/balena-home/blegateway/metrics"
	"github.com/mjasion/balena-home/blegateway/profiling"
	"github.com/mjasion/balena-home/blegateway/scanner"
	"github.com/mjasion/balena-home/blegateway/scheduler"
	"github.com/mjasion/balena-home/blegateway/telemetry"
	"github.com/mjasion/balena-home/blegateway/types"
)

func main() {
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting BLE gateway")
	cfg.PrintConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("BLE gateway failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("BLE gateway stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		return fmt.Errorf("initialize profiler: %w", err)
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("failed to shutdown profiler", zap.Error(err))
		}
	}()

	ctx := context.Background()
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		return fmt.Errorf("initialize OpenTelemetry providers: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
		}
	}()

	instruments, err := telemetry.NewInstruments()
	if err != nil {
		return fmt.Errorf("create instruments: %w", err)
	}

	ctx, mainSpan := otel.Tracer("main").Start(ctx, "main.run")
	defer mainSpan.End()

	devices, err := cfg.Profiles()
	if err != nil {
		return err
	}

	ringBuffer := buffer.New[*types.Reading](cfg.Prometheus.BufferSize, logger)

	var pusher *metrics.Pusher
	if cfg.Prometheus.Enabled {
		pusher = metrics.New(metrics.Config{
			URL:             cfg.Prometheus.URL,
			Username:        cfg.Prometheus.Username,
			Password:        cfg.Prometheus.Password,
			PushIntervalSec: cfg.Prometheus.PushIntervalSeconds,
			BatchSize:       cfg.Prometheus.BatchSize,
			TimeSeriesBuilder: metrics.CombineBuilders(
				metrics.BuildAdvertisementTimeSeries,
				metrics.BuildLogTimeSeries,
			),
		}, ringBuffer, logger)
	}

	mqttClient := bridge.NewClient(cfg.MQTT, logger)
	handler := bridge.NewHandler(bridge.Config{
		TopicPrefix: cfg.MQTT.TopicPrefix,
		PendingTTL:  time.Duration(cfg.MQTT.PendingTTLSeconds) * time.Second,
		Devices:     devices,
	}, mqttClient, ringBuffer, instruments, logger)
	mqttClient.SetHandler(handler)

	sched, err := scheduler.New(cfg.Schedule.FetchLog, handler, logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := mqttClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect to MQTT broker: %w", err)
	}
	defer mqttClient.Disconnect()

	var wg sync.WaitGroup

	health := metrics.NewHealthChecker(ringBuffer, pusher, mqttClient, cfg.Health.Port, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := health.Start(); err != nil {
			logger.Error("health check server failed", zap.Error(err))
		}
	}()

	var bleScanner *scanner.Scanner
	if cfg.BLE.LocalScan {
		bleScanner = scanner.New(devices, handler, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bleScanner.Start(ctx); err != nil {
				logger.Error("BLE scanner failed", zap.Error(err))
				cancel()
			}
		}()
	}

	sched.Start(ctx)

	if pusher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pusher.Start(ctx)
		}()
	}

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	cancel()
	sched.Stop()

	if bleScanner != nil {
		if err := bleScanner.Stop(); err != nil {
			logger.Error("failed to stop BLE scanner", zap.Error(err))
		}
	}
	if err := health.Stop(); err != nil {
		logger.Error("failed to stop health check server", zap.Error(err))
	}

	if pusher != nil {
		logger.Info("performing final metrics push")
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
		pusher.Flush(finalCtx)
		finalCancel()
	}

	wg.Wait()
	return nil
}
