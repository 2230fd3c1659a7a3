// Package influxx writes pond sensor readings and device telemetry to
// InfluxDB.
package influxx

import (
	"context"
	"errors"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/config"
)

const (
	MeasurementSensor    = "pond_sensor"
	MeasurementTelemetry = "device_telemetry"
)

var errClosed = errors.New("influxx: client not initialized")

type Client struct {
	client influxdb2.Client
	writes api.WriteAPIBlocking
}

func New(cfg config.Config) (*Client, error) {
	switch "" {
	case cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket:
		return nil, errors.New("INFLUX_URL, INFLUX_TOKEN, INFLUX_ORG and INFLUX_BUCKET must all be set")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(max(cfg.InfluxTimeoutMS/1000, 1))).
		SetPrecision(time.Millisecond)
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{
		client: client,
		writes: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
	}, nil
}

// Ping reports whether the server answers its /ping endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errClosed
	}
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influxdb not ready")
	}
	return nil
}

func (c *Client) write(ctx context.Context, p *write.Point) error {
	if c == nil || c.writes == nil {
		return errClosed
	}
	if p == nil {
		return nil
	}
	return c.writes.WritePoint(ctx, p)
}

// WriteSensorReading stores validated readings for one pond position.
func (c *Client) WriteSensorReading(ctx context.Context, deviceID string, position int, values map[string]float64, ts time.Time) error {
	return c.write(ctx, sensorPoint(deviceID, position, values, ts))
}

func (c *Client) WriteTelemetry(ctx context.Context, deviceID string, fields map[string]any, ts time.Time) error {
	return c.write(ctx, telemetryPoint(deviceID, fields, ts))
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}

func sensorPoint(deviceID string, position int, values map[string]float64, ts time.Time) *write.Point {
	if len(values) == 0 {
		return nil
	}
	p := write.NewPointWithMeasurement(MeasurementSensor).
		AddTag("device_id", deviceID).
		AddTag("position", strconv.Itoa(position)).
		SetTime(stamp(ts))
	for name, v := range values {
		p.AddField(name, v)
	}
	return p
}

func telemetryPoint(deviceID string, fields map[string]any, ts time.Time) *write.Point {
	if len(fields) == 0 {
		return nil
	}
	p := write.NewPointWithMeasurement(MeasurementTelemetry).
		AddTag("device_id", deviceID).
		SetTime(stamp(ts))
	for name, v := range fields {
		p.AddField(name, v)
	}
	return p
}

func stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts.UTC()
}
