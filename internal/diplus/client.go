package diplus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/netutil"
	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// Client polls the local Di-Plus API on a BYD head unit and normalises the
// answer into a telemetry.Sample.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	odometerMiles bool
	logger        *logrus.Logger
	now           func() time.Time
}

// apiResponse is the envelope Di-Plus wraps every answer in.
type apiResponse struct {
	Success bool   `json:"success"`
	Val     string `json:"val"`
}

// NewClient creates a client for baseURL (e.g.
// http://localhost:8988/api/getDiPars). odometerUnit is "km" or "mi".
func NewClient(baseURL, odometerUnit string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:       baseURL,
		httpClient:    netutil.NewHTTPClient(timeout, logger),
		odometerMiles: odometerUnit == "mi",
		logger:        logger,
		now:           time.Now,
	}
}

// Poll implements telemetry.Poller.
func (c *Client) Poll(ctx context.Context) (*telemetry.Sample, error) {
	body, err := c.makeRequest(ctx, BuildTemplate(Fields))
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	values, err := ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse API response: %w", err)
	}
	return c.toSample(values)
}

// IsHealthy checks if the Di-Plus API is responding.
func (c *Client) IsHealthy(ctx context.Context) bool {
	_, err := c.makeRequest(ctx, BuildTemplate(Fields[:1]))
	return err == nil
}

func (c *Client) toSample(values map[string]float64) (*telemetry.Sample, error) {
	soc, okSoC := values[keySoC]
	mileage, okMileage := values[keyMileage]
	if !okSoC || !okMileage {
		return nil, fmt.Errorf("%w: soc or mileage missing from Di-Plus response", telemetry.ErrNotReady)
	}
	if !c.odometerMiles {
		mileage *= telemetry.MilesPerKm
	}

	s := &telemetry.Sample{
		Timestamp:     c.now(),
		SoCPercent:    soc,
		OdometerMiles: mileage,
	}

	if gun, ok := values[keyGunState]; ok {
		s.CableConnected = telemetry.Bool(gun == gunConnected)
		// negative engine power is energy flowing into the pack
		if power, ok := values[keyPower]; ok && gun == gunConnected && power < 0 {
			s.ChargePowerKW = -power
		}
	}

	c.logger.WithFields(logrus.Fields{
		"soc":      s.SoCPercent,
		"odometer": s.OdometerMiles,
		"power":    s.ChargePowerKW,
	}).Debug("Polled Di-Plus")
	return s, nil
}

// BuildTemplate renders key:{中文名} pairs joined with pipes.
func BuildTemplate(fields []Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s:{%s}", f.Key, f.ChineseName))
	}
	return strings.Join(parts, "|")
}

// ParseResponse decodes the envelope and the pipe-separated key:value body.
// Values that are not numbers are skipped.
func ParseResponse(body []byte) (map[string]float64, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal API response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("API request failed: success=false")
	}
	if resp.Val == "" {
		return nil, fmt.Errorf("empty value string")
	}

	values := make(map[string]float64)
	for _, pair := range strings.Split(resp.Val, "|") {
		key, raw, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			continue
		}
		values[strings.TrimSpace(key)] = v
	}
	return values, nil
}

func (c *Client) makeRequest(ctx context.Context, template string) ([]byte, error) {
	fullURL := fmt.Sprintf("%s?text=%s", c.baseURL, url.QueryEscape(template))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"status_code":   resp.StatusCode,
		"response_size": len(body),
	}).Debug("Received API response")
	return body, nil
}
