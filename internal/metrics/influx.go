package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// ErrConnectionFailed is returned when InfluxDB cannot be reached at startup
var ErrConnectionFailed = errors.New("influxdb connection failed")

const (
	measurement           = "automation_decision"
	defaultConnectTimeout = 10 * time.Second
	batchSize             = 100
	flushIntervalMs       = 10_000
	closeTimeout          = 2 * time.Second
)

// pointWriter is the part of the InfluxDB write API the recorder uses
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
	Errors() <-chan error
}

// InfluxRecorder writes decisions through the non-blocking write API
type InfluxRecorder struct {
	client influxdb2.Client
	writer pointWriter
	logger *zap.Logger
	done   chan struct{}
}

// ConnectInflux pings the server and opens a batched write API
func ConnectInflux(url, token, org, bucket string, logger *zap.Logger) (*InfluxRecorder, error) {
	client := influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushIntervalMs))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	r := newInfluxRecorder(client.WriteAPI(org, bucket), logger)
	r.client = client
	return r, nil
}

func newInfluxRecorder(w pointWriter, logger *zap.Logger) *InfluxRecorder {
	r := &InfluxRecorder{
		writer: w,
		logger: logger.Named("metrics"),
		done:   make(chan struct{}),
	}
	go r.logWriteErrors()
	return r
}

func (r *InfluxRecorder) logWriteErrors() {
	defer close(r.done)
	for err := range r.writer.Errors() {
		r.logger.Warn("Failed to write decision", zap.Error(err))
	}
}

// RecordDecision queues one point tagged by automation, type and entity
func (r *InfluxRecorder) RecordDecision(d Decision) {
	if len(d.Fields) == 0 {
		return
	}
	tags := map[string]string{
		"automation": d.Automation,
		"type":       d.Type,
	}
	if d.Entity != "" {
		tags["entity_id"] = d.Entity
	}
	r.writer.WritePoint(write.NewPoint(measurement, tags, d.Fields, d.Time))
}

// Close flushes pending points and closes the client
func (r *InfluxRecorder) Close() error {
	r.writer.Flush()
	if r.client != nil {
		// Closing the client closes the error channel
		r.client.Close()
		select {
		case <-r.done:
		case <-time.After(closeTimeout):
		}
	}
	return nil
}
