package iotawatt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"iotawatt2mqtt/internal/config"
	"iotawatt2mqtt/internal/slug"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	inputTypeVoltage = "VT"
	inputTypeCurrent = "CT"

	accumulatedSuffix = "_accumulated"
)

// queryUnits maps the unit names used in config.txt to the series suffixes the
// /query endpoint understands.
var queryUnits = map[string]string{
	"Amps":      "amps",
	"Hz":        "hz",
	"PF":        "pf",
	"Watts":     "watts",
	"WattHours": "wh",
	"VA":        "va",
	"VAR":       "var",
	"VARh":      "varh",
	"Volts":     "volts",
}

var inputUnits = map[string][]string{
	inputTypeVoltage: {"Volts", "Hz"},
	inputTypeCurrent: {"Watts", "Amps", "PF", "VA", "VAR"},
}

// accumulatedUnits lists, per instantaneous unit, the integrated unit reported
// since the integration begin.
var accumulatedUnits = map[string]string{
	"Watts": "WattHours",
	"VAR":   "VARh",
}

type Client struct {
	http             *resty.Client
	logger           *logrus.Logger
	host             string
	integrationBegin string
}

type statusResponse struct {
	Wifi struct {
		MAC string `json:"mac"`
	} `json:"wifi"`
}

type configInput struct {
	Channel int    `json:"channel"`
	Name    string `json:"name"`
	Type    string `json:"type"`
}

type configOutput struct {
	Name  string `json:"name"`
	Units string `json:"units"`
}

type deviceConfig struct {
	Inputs  []*configInput  `json:"inputs"`
	Outputs []*configOutput `json:"outputs"`
}

type series struct {
	key        string
	name       string
	source     string
	unit       string
	sensorType string
	channel    int
}

func (s series) selector() string {
	q, ok := queryUnits[s.unit]
	if !ok {
		q = strings.ToLower(s.unit)
	}
	return s.source + "." + q
}

func NewClient(cfg *config.Config, logger *logrus.Logger) *Client {
	baseURL := cfg.IoTaWatt.Host
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(cfg.IoTaWatt.TimeoutDuration()).
		SetHeader("Accept", "application/json")
	if cfg.IoTaWatt.Username != "" {
		httpClient.SetDigestAuth(cfg.IoTaWatt.Username, cfg.IoTaWatt.Password)
	}

	return &Client{
		http:             httpClient,
		logger:           logger,
		host:             cfg.IoTaWatt.Host,
		integrationBegin: cfg.IoTaWatt.IntegrationBegin,
	}
}

// FetchSensors reads the device configuration and the latest values of every
// configured channel, keyed by sensor key.
func (c *Client) FetchSensors(ctx context.Context) (map[string]*Sensor, error) {
	mac, err := c.fetchMAC(ctx)
	if err != nil {
		return nil, err
	}

	cfg, err := c.fetchConfig(ctx)
	if err != nil {
		return nil, err
	}

	instant, accumulated := buildSeries(cfg)
	sensors := make(map[string]*Sensor, len(instant)+len(accumulated))

	if len(instant) > 0 {
		_, values, err := c.query(ctx, instant, "s-5s")
		if err != nil {
			return nil, err
		}
		for i, s := range instant {
			sensors[s.key] = c.newSensor(s, mac, values[i], "")
		}
	}

	if len(accumulated) > 0 && c.integrationBegin != "" {
		begin, values, err := c.query(ctx, accumulated, c.integrationBegin)
		if err != nil {
			return nil, err
		}
		for i, s := range accumulated {
			sensors[s.key] = c.newSensor(s, mac, values[i], begin)
		}
	}

	c.logger.Debugf("Fetched %d sensors from %s", len(sensors), c.host)
	return sensors, nil
}

func (c *Client) newSensor(s series, mac string, value *float64, begin string) *Sensor {
	sensor := &Sensor{
		SensorID:      slug.Make(mac) + "_" + s.key,
		Name:          s.name,
		Unit:          s.unit,
		Channel:       s.channel,
		Type:          s.sensorType,
		Begin:         begin,
		HubMACAddress: mac,
	}
	if value == nil {
		sensor.NoData = true
	} else {
		sensor.Value = *value
	}
	return sensor
}

func (c *Client) fetchMAC(ctx context.Context) (string, error) {
	var status statusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("wifi", "yes").
		ForceContentType("application/json").
		SetResult(&status).
		Get("/status")
	if err != nil {
		return "", fmt.Errorf("failed to fetch status: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("failed to fetch status: %s", resp.Status())
	}

	if status.Wifi.MAC == "" {
		c.logger.Debugf("No MAC address reported by %s, using host as hub identifier", c.host)
		return c.host, nil
	}
	return status.Wifi.MAC, nil
}

func (c *Client) fetchConfig(ctx context.Context) (*deviceConfig, error) {
	var cfg deviceConfig
	resp, err := c.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&cfg).
		Get("/config.txt")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to fetch config: %s", resp.Status())
	}
	return &cfg, nil
}

// query returns the time.iso column and one value per series from a single
// grouped row covering begin up to now.
func (c *Client) query(ctx context.Context, list []series, begin string) (string, []*float64, error) {
	selectors := make([]string, 0, len(list)+1)
	selectors = append(selectors, "time.iso")
	for _, s := range list {
		selectors = append(selectors, s.selector())
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"select": "[" + strings.Join(selectors, ",") + "]",
			"begin":  begin,
			"end":    "s",
			"group":  "all",
			"format": "json",
		}).
		Get("/query")
	if err != nil {
		return "", nil, fmt.Errorf("failed to query series: %w", err)
	}
	if resp.IsError() {
		return "", nil, fmt.Errorf("failed to query series: %s", resp.Status())
	}

	var rows [][]interface{}
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return "", nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("empty query response for begin %q", begin)
	}

	row := rows[len(rows)-1]
	if len(row) != len(selectors) {
		return "", nil, fmt.Errorf("query returned %d columns, expected %d", len(row), len(selectors))
	}

	timestamp, _ := row[0].(string)
	// nil marks a series without data
	values := make([]*float64, len(list))
	for i := range list {
		switch v := row[i+1].(type) {
		case float64:
			values[i] = &v
		case nil:
			c.logger.Debugf("No data for series %s", selectors[i+1])
		default:
			return "", nil, fmt.Errorf("unexpected value %v for series %s", v, selectors[i+1])
		}
	}

	return timestamp, values, nil
}

func buildSeries(cfg *deviceConfig) (instant, accumulated []series) {
	add := func(base series, units []string) {
		primary := units[0]
		for _, unit := range units {
			s := base
			s.unit = unit
			s.name = base.source
			if unit != primary {
				s.name = base.source + " " + unit
			}
			s.key = slug.Make(strings.ToLower(base.sensorType) + " " + base.source + " " + unit)
			instant = append(instant, s)

			if acc, ok := accumulatedUnits[unit]; ok {
				a := base
				a.unit = acc
				a.name = base.source + " " + acc + " Accumulated"
				a.key = slug.Make(strings.ToLower(base.sensorType)+" "+base.source+" "+acc) + accumulatedSuffix
				accumulated = append(accumulated, a)
			}
		}
	}

	for _, in := range cfg.Inputs {
		if in == nil || in.Name == "" {
			continue
		}
		units, ok := inputUnits[in.Type]
		if !ok {
			continue
		}
		add(series{source: in.Name, sensorType: TypeInput, channel: in.Channel}, units)
	}

	for _, out := range cfg.Outputs {
		if out == nil || out.Name == "" || out.Units == "" {
			continue
		}
		add(series{source: out.Name, sensorType: TypeOutput}, []string{out.Units})
	}

	return instant, accumulated
}
