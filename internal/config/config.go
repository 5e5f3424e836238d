package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/mqtt"
	"github.com/jkaberg/ev-charge-tracker/internal/statestream"
	"github.com/jkaberg/ev-charge-tracker/internal/tariff"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Sample sources.
const (
	SourceDiplus = "diplus"
	SourceMQTT   = "mqtt"
)

// Config holds all configuration options for the tracker.
type Config struct {
	// Device
	DeviceID string `yaml:"device_id"`
	Verbose  bool   `yaml:"verbose"`

	// MQTT
	MQTTUrl         string `yaml:"mqtt_url"`         // ws, wss, mqtt or mqtts
	DiscoveryPrefix string `yaml:"discovery_prefix"` // Home Assistant discovery prefix

	// Sample source
	Source       string             `yaml:"source"`        // diplus or mqtt
	DiplusURL    string             `yaml:"diplus_url"`    // host:port of the Di-Plus API
	OdometerUnit string             `yaml:"odometer_unit"` // km or mi
	PowerUnit    string             `yaml:"power_unit"`    // kW or W, mqtt source only
	StateTopics  statestream.Topics `yaml:"state_topics"`

	// Intervals
	PollInterval    time.Duration `yaml:"poll_interval"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	APITimeout      time.Duration `yaml:"api_timeout"`

	// Storage and API
	DBPath   string `yaml:"db_path"`
	HTTPAddr string `yaml:"http_addr"` // empty disables the HTTP API

	// Money
	Currency          string       `yaml:"currency"`
	HomeRate          float64      `yaml:"home_rate"`      // per kWh, used when no tariff data covers a charge
	ReferenceRate     float64      `yaml:"reference_rate"` // per kWh, what the energy would have cost elsewhere
	TariffSchedule    []BandConfig `yaml:"tariff_schedule"`
	ReferenceSchedule []BandConfig `yaml:"reference_schedule"`
	Timezone          string       `yaml:"timezone"`

	// Tracking
	PackCapacityKWh   float64       `yaml:"pack_capacity_kwh"`
	ChargeThresholdKW float64       `yaml:"charge_threshold_kw"`
	IdleNoisePercent  float64       `yaml:"idle_noise_percent"`
	PublicDwell       time.Duration `yaml:"public_dwell"`
	PublicRetention   time.Duration `yaml:"public_retention"`    // 0 keeps records forever
	StaleCycleTimeout time.Duration `yaml:"stale_cycle_timeout"` // 0 disables
	ContinuousWindow  int           `yaml:"continuous_window"`
	ExcludeSuspect    bool          `yaml:"exclude_suspect"`

	Notify       string        `yaml:"notify"`        // termux, log or none
	WiFiWatchdog time.Duration `yaml:"wifi_watchdog"` // head unit only, 0 disables
}

// BandConfig is a time-of-day rate, e.g. {start: "00:30", end: "05:30", rate: 0.07}.
type BandConfig struct {
	Start string  `yaml:"start"`
	End   string  `yaml:"end"`
	Rate  float64 `yaml:"rate"`
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		DeviceID:          "ev_car",
		DiscoveryPrefix:   "homeassistant",
		Source:            SourceDiplus,
		DiplusURL:         "localhost:8988",
		OdometerUnit:      "km",
		PowerUnit:         "kW",
		PollInterval:      DiplusPollInterval,
		PublishInterval:   MQTTTransmitInterval,
		FlushInterval:     StoreFlushInterval,
		APITimeout:        DiplusTimeout,
		DBPath:            DefaultDBPath,
		HTTPAddr:          DefaultHTTPAddr,
		Currency:          "GBP",
		HomeRate:          0.07,
		ReferenceRate:     0.30,
		Timezone:          "Local",
		PackCapacityKWh:   60,
		ChargeThresholdKW: 0.1,
		IdleNoisePercent:  0.1,
		PublicDwell:       30 * time.Minute,
		ContinuousWindow:  10,
		Notify:            "termux",
	}
}

// Load reads a YAML file over the defaults. A missing path is not an error
// when optional is set.
func Load(path string, optional bool) (*Config, error) {
	cfg := GetDefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	if c.MQTTUrl != "" {
		if _, _, err := mqtt.BrokerURL(c.MQTTUrl); err != nil {
			return err
		}
	}

	switch c.Source {
	case SourceDiplus:
		if c.DiplusURL == "" {
			return fmt.Errorf("diplus_url is required for the diplus source")
		}
	case SourceMQTT:
		if !c.HasMQTT() {
			return fmt.Errorf("mqtt_url is required for the mqtt source")
		}
		if c.StateTopics.SoC == "" || c.StateTopics.Odometer == "" {
			return fmt.Errorf("state_topics.soc and state_topics.odometer are required for the mqtt source")
		}
	default:
		return fmt.Errorf("unknown source %q (supported: diplus, mqtt)", c.Source)
	}

	if c.OdometerUnit != "km" && c.OdometerUnit != "mi" {
		return fmt.Errorf("odometer_unit must be km or mi")
	}
	if c.PowerUnit != "kW" && c.PowerUnit != "W" {
		return fmt.Errorf("power_unit must be kW or W")
	}
	if c.HomeRate < 0 || c.ReferenceRate < 0 {
		return fmt.Errorf("rates must not be negative")
	}
	if c.PackCapacityKWh <= 0 {
		return fmt.Errorf("pack_capacity_kwh must be positive")
	}
	if c.ChargeThresholdKW < 0 || c.IdleNoisePercent < 0 {
		return fmt.Errorf("thresholds must not be negative")
	}
	if c.StaleCycleTimeout < 0 || c.PublicRetention < 0 || c.WiFiWatchdog < 0 {
		return fmt.Errorf("stale_cycle_timeout, public_retention and wifi_watchdog must not be negative")
	}
	switch c.Notify {
	case "termux", "log", "none":
	default:
		return fmt.Errorf("unknown notify %q (supported: termux, log, none)", c.Notify)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Bands(c.TariffSchedule); err != nil {
		return fmt.Errorf("tariff_schedule: %w", err)
	}
	if _, err := c.Bands(c.ReferenceSchedule); err != nil {
		return fmt.Errorf("reference_schedule: %w", err)
	}

	// fall back rather than fail on unset intervals
	if c.PollInterval <= 0 {
		c.PollInterval = DiplusPollInterval
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = MQTTTransmitInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = StoreFlushInterval
	}
	if c.APITimeout <= 0 {
		c.APITimeout = DiplusTimeout
	}
	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// DiplusEndpoint is the full Di-Plus API URL.
func (c *Config) DiplusEndpoint() string {
	return fmt.Sprintf("http://%s/api/getDiPars", c.DiplusURL)
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Bands converts configured bands into tariff bands.
func (c *Config) Bands(in []BandConfig) ([]tariff.Band, error) {
	out := make([]tariff.Band, 0, len(in))
	for i, b := range in {
		start, err := tariff.ParseClock(b.Start)
		if err != nil {
			return nil, fmt.Errorf("band %d start: %w", i, err)
		}
		end, err := tariff.ParseClock(b.End)
		if err != nil {
			return nil, fmt.Errorf("band %d end: %w", i, err)
		}
		if b.Rate < 0 {
			return nil, fmt.Errorf("band %d rate is negative", i)
		}
		out = append(out, tariff.Band{Start: start, End: end, Rate: decimal.NewFromFloat(b.Rate)})
	}
	return out, nil
}
