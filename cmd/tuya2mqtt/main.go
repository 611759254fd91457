package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"github.com/tuya2mqtt/tuya2mqtt/internal/bridge"
	"github.com/tuya2mqtt/tuya2mqtt/internal/broker"
	"github.com/tuya2mqtt/tuya2mqtt/internal/config"
	"github.com/tuya2mqtt/tuya2mqtt/internal/homie"
	"github.com/tuya2mqtt/tuya2mqtt/internal/metrics"
	"github.com/tuya2mqtt/tuya2mqtt/internal/poller"
	"github.com/tuya2mqtt/tuya2mqtt/internal/registry"
	"github.com/tuya2mqtt/tuya2mqtt/internal/scanner"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr     = ":8080"
	defaultTemplateDir     = "templates"
	defaultMetricsInterval = metrics.DefaultPublishInterval
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	templateDirFlag := flag.String("template-dir", defaultTemplateDir, "directory with Homie description templates")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics (empty to disable)")
	metricsIntervalFlag := flag.Duration("metrics-interval", defaultMetricsInterval, "cadence of the MQTT metrics snapshot")
	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		return err
	}
	if !cfg.HasCloudCredentials() {
		err := fmt.Errorf("cloud credentials are required: set TUYA_API_KEY, TUYA_API_SECRET and TUYA_API_REGION")
		log.Error("failed to start", "error", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Prometheus metrics server.
	if *metricsAddrFlag != "" {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("prometheus metrics server failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	clock := clockwork.NewRealClock()

	cloud, err := tuya.NewOpenAPIClient(log, tuya.OpenAPIConfig{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		APIRegion: cfg.APIRegion,
	})
	if err != nil {
		log.Error("failed to create cloud client", "error", err)
		return err
	}

	transport := func(d *tuya.Device) tuya.LocalTransport {
		return tuya.NewLocalDevice(log, d)
	}
	reg := registry.New(log, clock, transport, cfg.DevicesFile, cfg.ScanFile)
	n, err := reg.Load()
	if err != nil {
		log.Error("failed to load device config", "file", cfg.DevicesFile, "error", err)
		return err
	}
	log.Info("device config loaded", "devices", n, "file", cfg.DevicesFile)

	bk, err := broker.New(log, broker.Config{
		Host:     cfg.BrokerHost,
		Port:     cfg.BrokerPort,
		Username: cfg.Username,
		Password: cfg.Password,
		ClientID: bridge.ServiceID,
		Will: &broker.Will{
			Topic:    bridge.BridgeStatusTopic,
			Payload:  bridge.StateOffline.String(),
			QoS:      2,
			Retained: true,
		},
	})
	if err != nil {
		log.Error("failed to create mqtt client", "error", err)
		return err
	}
	if err := bk.Connect(ctx); err != nil {
		log.Error("failed to connect to mqtt broker", "error", err)
		return err
	}
	defer bk.Disconnect()

	collector := metrics.New(log, clock, func(payload any) error {
		return bk.Publish(bridge.MetricsTopic, payload)
	}, *metricsIntervalFlag)

	scan := scanner.New(log, clock, reg, cloud, bk.Publish, func(m scanner.Mode) string {
		return fmt.Sprintf("%s/bridge/response/%s", bridge.ServiceID, m)
	})

	core := bridge.New(log, clock, bk, reg, cloud, scan, collector)

	templates := homie.NewTemplateManager(log, *templateDirFlag)
	lifecycle := homie.NewLifecycle(log, bk, reg, homie.NewConverter(templates))
	core.SetLifecycle(lifecycle)
	if err := lifecycle.Start(); err != nil {
		log.Error("failed to start homie lifecycle", "error", err)
		return err
	}

	poll := poller.New(log, clock, reg, cfg.PollInterval, core.PollCallback())

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	for name, runFn := range map[string]func(context.Context) error{
		"bridge":  core.Run,
		"poller":  poll.Run,
		"metrics": collector.Run,
	} {
		wg.Add(1)
		go func(name string, runFn func(context.Context) error) {
			defer wg.Done()
			if err := runFn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, runFn)
	}

	select {
	case err := <-errCh:
		log.Error("component failed", "error", err)
		cancel()
		wg.Wait()
		reg.Stop()
		lifecycle.Stop()
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	wg.Wait()
	reg.Stop()
	lifecycle.Stop()
	log.Info("bridge stopped")
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
