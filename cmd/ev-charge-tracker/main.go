package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// version is injected at build time via ldflags
var version = "dev"

const envPrefix = "BYD_EVT_"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "ev-charge-tracker",
		Short: "Track EV charging cost, savings and efficiency",
		Long: `Follows a car's state of charge, odometer and charge power, splits the
stream into charge, drive and idle cycles and publishes efficiency, cost,
savings and idle-loss figures to Home Assistant over MQTT.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getEnv(envPrefix+"CONFIG", ""), "YAML config file")

	run := runCmd(&configPath)
	rootCmd.RunE = run.RunE
	rootCmd.Flags().AddFlagSet(run.Flags())

	rootCmd.AddCommand(run)
	rootCmd.AddCommand(logPublicCmd(&configPath))
	rootCmd.AddCommand(totalsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ev-charge-tracker %s\n", version)
		},
	}
}

// setting is one config value that can be overridden by environment
// variable and flag, in that order.
type setting struct {
	flag  string
	usage string
	set   func(*config.Config, string) error
}

var settings = []setting{
	{"device-id", "Device identifier", func(c *config.Config, v string) error { c.DeviceID = v; return nil }},
	{"mqtt-url", "MQTT URL (ws, wss, mqtt, mqtts)", func(c *config.Config, v string) error { c.MQTTUrl = v; return nil }},
	{"discovery-prefix", "HA discovery prefix", func(c *config.Config, v string) error { c.DiscoveryPrefix = v; return nil }},
	{"source", "Sample source: diplus or mqtt", func(c *config.Config, v string) error { c.Source = v; return nil }},
	{"diplus-url", "Di-Plus host:port", func(c *config.Config, v string) error { c.DiplusURL = v; return nil }},
	{"db", "SQLite database path", func(c *config.Config, v string) error { c.DBPath = v; return nil }},
	{"http-addr", "HTTP API listen address, empty to disable", func(c *config.Config, v string) error { c.HTTPAddr = v; return nil }},
	{"currency", "Currency code for cost units", func(c *config.Config, v string) error { c.Currency = v; return nil }},
	{"home-rate", "Home rate per kWh when no tariff data", floatSetting(func(c *config.Config) *float64 { return &c.HomeRate })},
	{"reference-rate", "Reference rate per kWh for savings", floatSetting(func(c *config.Config) *float64 { return &c.ReferenceRate })},
	{"pack-capacity", "Usable pack capacity in kWh", floatSetting(func(c *config.Config) *float64 { return &c.PackCapacityKWh })},
	{"poll-interval", "Sample poll interval (e.g. 8s)", durationSetting(func(c *config.Config) *time.Duration { return &c.PollInterval })},
	{"publish-interval", "MQTT publish interval (e.g. 60s)", durationSetting(func(c *config.Config) *time.Duration { return &c.PublishInterval })},
	{"verbose", "Verbose logging", func(c *config.Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Verbose = b
		return err
	}},
}

func floatSetting(field func(*config.Config) *float64) func(*config.Config, string) error {
	return func(c *config.Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

// durationSetting accepts Go durations or plain seconds.
func durationSetting(field func(*config.Config) *time.Duration) func(*config.Config, string) error {
	return func(c *config.Config, v string) error {
		if d, err := time.ParseDuration(v); err == nil {
			*field(c) = d
			return nil
		}
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q", v)
		}
		*field(c) = time.Duration(secs) * time.Second
		return nil
	}
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func registerSettings(cmd *cobra.Command) {
	for _, s := range settings {
		cmd.Flags().String(s.flag, "", s.usage+" (env "+envName(s.flag)+")")
	}
}

// loadConfig layers the YAML file, then environment, then flags.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path, false)
	if err != nil {
		return nil, err
	}
	for _, s := range settings {
		v := getEnv(envName(s.flag), "")
		if f := cmd.Flags().Lookup(s.flag); f != nil && f.Changed {
			v = f.Value.String()
		}
		if v == "" {
			continue
		}
		if err := s.set(cfg, v); err != nil {
			return nil, fmt.Errorf("%s: %w", s.flag, err)
		}
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
