package transmission

import "github.com/jkaberg/ev-charge-tracker/internal/metrics"

// Transmitter defines the interface for publishing the derived metrics.
type Transmitter interface {
	Transmit(ms []metrics.Metric) error
	IsConnected() bool
}
