package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jkaberg/ev-charge-tracker/internal/api"
	"github.com/jkaberg/ev-charge-tracker/internal/app"
	"github.com/jkaberg/ev-charge-tracker/internal/config"
	"github.com/jkaberg/ev-charge-tracker/internal/diplus"
	"github.com/jkaberg/ev-charge-tracker/internal/efficiency"
	"github.com/jkaberg/ev-charge-tracker/internal/ledger"
	"github.com/jkaberg/ev-charge-tracker/internal/metrics"
	"github.com/jkaberg/ev-charge-tracker/internal/mqtt"
	"github.com/jkaberg/ev-charge-tracker/internal/notify"
	"github.com/jkaberg/ev-charge-tracker/internal/segment"
	"github.com/jkaberg/ev-charge-tracker/internal/statestream"
	"github.com/jkaberg/ev-charge-tracker/internal/store"
	"github.com/jkaberg/ev-charge-tracker/internal/tariff"
	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
	"github.com/jkaberg/ev-charge-tracker/internal/tracker"
	"github.com/jkaberg/ev-charge-tracker/internal/transmission"
	"github.com/jkaberg/ev-charge-tracker/internal/wifi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func runCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tracker daemon (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runDaemon(cfg)
		},
	}
	registerSettings(cmd)
	return cmd
}

func runDaemon(cfg *config.Config) error {
	logger := setupLogger(cfg.Verbose)
	logger.WithFields(logrus.Fields{
		"version":   version,
		"device_id": cfg.DeviceID,
		"source":    cfg.Source,
		"poll":      cfg.PollInterval,
		"mqtt_int":  cfg.PublishInterval,
		"db":        cfg.DBPath,
	}).Info("Starting EV charge tracker")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Storage -----------------------------------------------------------------
	backend, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, backend, logger)
	if err != nil {
		backend.Close()
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), config.MQTTTimeout)
		defer closeCancel()
		if err := st.Close(closeCtx); err != nil {
			logger.WithError(err).Error("Closing store failed")
		}
	}()

	// Domain ------------------------------------------------------------------
	led := ledger.New(st, newNotifier(cfg.Notify, logger), cfg.PublicDwell, logger)
	rates := tariff.NewRecorder()
	tariffProvider, referenceProvider, err := buildProviders(cfg, rates)
	if err != nil {
		return err
	}
	pricing := tariff.NewIntegrator(tariffProvider, referenceProvider,
		decimal.NewFromFloat(cfg.HomeRate), decimal.NewFromFloat(cfg.ReferenceRate), logger)
	reg := metrics.NewRegistry(cfg.Currency)

	engine := tracker.New(tracker.Config{
		Segment: segment.Config{
			ChargeThresholdKW: cfg.ChargeThresholdKW,
			StaleTimeout:      cfg.StaleCycleTimeout,
		},
		Efficiency: efficiency.Config{
			PackCapacityKWh: cfg.PackCapacityKWh,
			Window:          cfg.ContinuousWindow,
			ExcludeSuspect:  cfg.ExcludeSuspect,
		},
		IdleNoisePercent: cfg.IdleNoisePercent,
	}, st, led, rates, pricing, reg, logger)
	if err := engine.Restore(); err != nil {
		logger.WithError(err).Warn("Could not resume previous state, starting fresh cycles")
	}

	// MQTT --------------------------------------------------------------------
	var (
		mqttClient *mqtt.Client
		tx         transmission.Transmitter
	)
	if cfg.HasMQTT() {
		mqttClient, err = mqtt.NewClient(cfg.MQTTUrl, cfg.DeviceID, logger)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)

		mqttTx := transmission.NewMQTTTransmitter(mqttClient, mqttClient.Topics(), cfg.DiscoveryPrefix, reg.Definitions(), version, logger)
		tx = mqttTx
		// resend discovery when Home Assistant restarts
		if err := mqttClient.Subscribe(cfg.DiscoveryPrefix+"/status", func(_ string, payload []byte) {
			if string(payload) == "online" {
				mqttTx.ResetDiscovery()
			}
		}); err != nil {
			logger.WithError(err).Warn("Home Assistant status subscription failed")
		}
		if err := transmission.NewCommandListener(mqttClient, mqttClient, mqttClient.Topics(), engine, logger).Start(); err != nil {
			logger.WithError(err).Warn("Public session command topic unavailable")
		}
		logger.Info("MQTT transmitter ready")
	} else {
		logger.Warn("No MQTT broker configured; metrics are only served over HTTP")
	}

	// Sample source -----------------------------------------------------------
	var poller telemetry.Poller
	switch cfg.Source {
	case config.SourceMQTT:
		src := statestream.NewSource(mqttClient, cfg.StateTopics,
			statestream.Units{Odometer: cfg.OdometerUnit, Power: cfg.PowerUnit}, logger)
		if err := src.Start(); err != nil {
			return fmt.Errorf("state topics: %w", err)
		}
		poller = src
	default:
		poller = diplus.NewClient(cfg.DiplusEndpoint(), cfg.OdometerUnit, cfg.APITimeout, logger)
	}

	// HTTP --------------------------------------------------------------------
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(reg, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	server := api.NewServer(engine, promReg, logger)

	var watchdog *wifi.Watchdog
	if cfg.WiFiWatchdog > 0 {
		watchdog = wifi.NewWatchdog(logger)
	}

	err = app.Run(ctx, cfg, app.Components{
		Poller:      poller,
		Engine:      engine,
		Store:       st,
		Transmitter: tx,
		API:         server,
		WiFi:        watchdog,
	}, logger)
	logger.Info("EV charge tracker stopped")
	return err
}

func newNotifier(kind string, logger *logrus.Logger) notify.Notifier {
	switch kind {
	case "termux":
		return notify.NewTermuxNotifier(logger)
	case "log":
		return notify.NewLogNotifier(logger)
	default:
		return nil
	}
}

// buildProviders chains recorded sample rates before the configured
// schedule. A nil reference provider prices savings at the fixed rate.
func buildProviders(cfg *config.Config, rates *tariff.Recorder) (tariff.Provider, tariff.Provider, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}

	var home tariff.Provider = rates
	if len(cfg.TariffSchedule) > 0 {
		bands, err := cfg.Bands(cfg.TariffSchedule)
		if err != nil {
			return nil, nil, err
		}
		sched, err := tariff.NewSchedule(bands, nil, loc)
		if err != nil {
			return nil, nil, fmt.Errorf("tariff schedule: %w", err)
		}
		home = tariff.Chain{rates, sched}
	}

	var reference tariff.Provider
	if len(cfg.ReferenceSchedule) > 0 {
		bands, err := cfg.Bands(cfg.ReferenceSchedule)
		if err != nil {
			return nil, nil, err
		}
		sched, err := tariff.NewSchedule(bands, nil, loc)
		if err != nil {
			return nil, nil, fmt.Errorf("reference schedule: %w", err)
		}
		reference = sched
	}
	return home, reference, nil
}
