// Package telemetry records operational time series for the protocol
// core — CEMI confirmation latency, Data Secure accept/reject counts, P2P
// request round-trip time, rate-limiter utilization — to InfluxDB. It is
// ambient observability: nothing downstream of it reads Telegram payloads
// or makes routing decisions based on it.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/knxcore/internal/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	millisecondsPerSecond = 1000
	defaultBatchSize      = 100
	defaultFlushInterval  = 10 // seconds
)

// Logger is the minimal structured-logging surface telemetry depends on.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Recorder writes protocol-core operational metrics to InfluxDB.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      Logger

	mu        sync.RWMutex
	connected bool
	done      chan struct{}
}

// Connect establishes a connection to InfluxDB and starts the async write
// error handler.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, log Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("telemetry: influxdb disabled in config")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).             //nolint:gosec // validated positive above
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond), //nolint:gosec // validated positive above
	)

	pingCtx := ctx
	if pingCtx == nil {
		pingCtx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(pingCtx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("telemetry: ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("telemetry: server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := &Recorder{client: client, writeAPI: writeAPI, log: log, connected: true, done: make(chan struct{})}
	go r.handleWriteErrors(writeAPI.Errors())
	return r, nil
}

func (r *Recorder) handleWriteErrors(errorsCh <-chan error) {
	for {
		select {
		case <-r.done:
			return
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			r.log.Warn("telemetry write error", "error", err)
		}
	}
}

// IsConnected reports the last known connection state.
func (r *Recorder) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Close flushes pending writes and shuts down the connection.
func (r *Recorder) Close() error {
	if r.client == nil {
		return nil
	}
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()

	r.writeAPI.Flush()
	close(r.done)
	r.client.Close()
	return nil
}

// RecordConfirmationLatency records the time between an L_Data.req and its
// matching L_Data.con, tagged by whether it succeeded or timed out.
func (r *Recorder) RecordConfirmationLatency(d time.Duration, timedOut bool) {
	r.write("cemi_confirmation", map[string]string{"timed_out": fmt.Sprint(timedOut)},
		map[string]any{"latency_ms": float64(d.Milliseconds())})
}

// RecordSecureOutcome records a Data Secure accept or reject decision.
func (r *Recorder) RecordSecureOutcome(accepted bool, reason string) {
	tags := map[string]string{"accepted": fmt.Sprint(accepted)}
	if reason != "" {
		tags["reason"] = reason
	}
	r.write("secure_decision", tags, map[string]any{"count": 1})
}

// RecordRequestRoundTrip records a management-layer P2P request's
// round-trip time.
func (r *Recorder) RecordRequestRoundTrip(peer string, d time.Duration) {
	r.write("management_roundtrip", map[string]string{"peer": peer},
		map[string]any{"latency_ms": float64(d.Milliseconds())})
}

// RecordRateLimiterUtilization records the outgoing queue depth alongside
// its configured rate, as two raw fields, sampled periodically by the caller.
func (r *Recorder) RecordRateLimiterUtilization(queued int, rate int) {
	r.write("rate_limiter", nil, map[string]any{"queued": queued, "rate": rate})
}

func (r *Recorder) write(measurement string, tags map[string]string, fields map[string]any) {
	if !r.IsConnected() {
		return
	}
	point := write.NewPoint(measurement, tags, fields, time.Now())
	r.writeAPI.WritePoint(point)
}
