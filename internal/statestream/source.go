// Package statestream builds samples from Home Assistant state topics, for
// cars and chargers (Ohme, VW, Octopus) that already report into Home
// Assistant rather than through a head-unit API.
package statestream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/mqtt"
	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// Topics names the state topic per reading. Empty topics are not
// subscribed; SoC and Odometer are required.
type Topics struct {
	SoC            string `yaml:"soc"`
	Odometer       string `yaml:"odometer"`
	ChargePower    string `yaml:"charge_power"`
	TariffRate     string `yaml:"tariff_rate"`
	CableConnected string `yaml:"cable_connected"`
}

// Units of the numeric topics.
type Units struct {
	Odometer string `yaml:"odometer"` // km or mi
	Power    string `yaml:"power"`    // kW or W
}

// Subscriber is the part of the MQTT client a Source needs.
type Subscriber interface {
	Subscribe(topic string, h mqtt.Handler) error
}

// Source keeps the latest value of every topic and turns them into a
// Sample on each Poll.
type Source struct {
	sub    Subscriber
	topics Topics
	units  Units
	logger *logrus.Logger
	now    func() time.Time

	mu     sync.Mutex
	soc    *float64
	odo    *float64
	power  *float64
	tariff *float64
	cable  *bool
}

func NewSource(sub Subscriber, topics Topics, units Units, logger *logrus.Logger) *Source {
	return &Source{
		sub:    sub,
		topics: topics,
		units:  units,
		logger: logger,
		now:    time.Now,
	}
}

// Start subscribes to every configured topic.
func (s *Source) Start() error {
	if s.topics.SoC == "" || s.topics.Odometer == "" {
		return fmt.Errorf("soc and odometer topics are required")
	}
	numeric := []struct {
		topic string
		dst   **float64
		scale float64
	}{
		{s.topics.SoC, &s.soc, 1},
		{s.topics.Odometer, &s.odo, s.odometerScale()},
		{s.topics.ChargePower, &s.power, s.powerScale()},
		{s.topics.TariffRate, &s.tariff, 1},
	}
	for _, n := range numeric {
		if n.topic == "" {
			continue
		}
		if err := s.sub.Subscribe(n.topic, s.numberHandler(n.dst, n.scale)); err != nil {
			return err
		}
	}
	if s.topics.CableConnected != "" {
		if err := s.sub.Subscribe(s.topics.CableConnected, s.cableHandler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) odometerScale() float64 {
	if strings.EqualFold(s.units.Odometer, "km") {
		return telemetry.MilesPerKm
	}
	return 1
}

func (s *Source) powerScale() float64 {
	if s.units.Power == "W" {
		return 0.001
	}
	return 1
}

func (s *Source) numberHandler(dst **float64, scale float64) mqtt.Handler {
	return func(topic string, payload []byte) {
		v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
		if err != nil {
			// unavailable / unknown
			s.logger.WithFields(logrus.Fields{
				"topic":   topic,
				"payload": string(payload),
			}).Debug("Ignoring non-numeric state")
			return
		}
		v *= scale
		s.mu.Lock()
		*dst = &v
		s.mu.Unlock()
	}
}

func (s *Source) cableHandler(topic string, payload []byte) {
	on, ok := ParseBool(string(payload))
	if !ok {
		s.logger.WithFields(logrus.Fields{
			"topic":   topic,
			"payload": string(payload),
		}).Debug("Ignoring unknown cable state")
		return
	}
	s.mu.Lock()
	s.cable = &on
	s.mu.Unlock()
}

// ParseBool understands the state strings Home Assistant binary sensors and
// charger integrations publish.
func ParseBool(raw string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "true", "1", "yes", "connected", "plugged_in", "plugged in":
		return true, true
	case "off", "false", "0", "no", "disconnected", "unplugged":
		return false, true
	}
	return false, false
}

// Poll implements telemetry.Poller. It returns telemetry.ErrNotReady until
// SoC and odometer have both been seen.
func (s *Source) Poll(ctx context.Context) (*telemetry.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.soc == nil || s.odo == nil {
		return nil, telemetry.ErrNotReady
	}
	sample := &telemetry.Sample{
		Timestamp:     s.now(),
		SoCPercent:    *s.soc,
		OdometerMiles: *s.odo,
	}
	if s.power != nil && *s.power > 0 {
		sample.ChargePowerKW = *s.power
	}
	if s.tariff != nil {
		sample.TariffRate = telemetry.Float(*s.tariff)
	}
	if s.cable != nil {
		sample.CableConnected = telemetry.Bool(*s.cable)
	}
	return sample, nil
}
