// Package history mirrors reported property values into InfluxDB.
//
// Only values that were actually sent to the twin are written, so the series
// is the twin's history as seen from the device.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"ditto-agent/internal/agent"
	"ditto-agent/internal/thing"
	"ditto-agent/internal/wire"
)

// Measurement is the InfluxDB measurement property values are written to.
const Measurement = "property"

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
	connectTimeout       = 10 * time.Second
)

var (
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrNotConfigured    = errors.New("influxdb: url, org and bucket are required")
)

// Config holds the InfluxDB settings.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// Sink writes patch events as points through a non-blocking write API.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	thingID  string
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Connect creates the client, checks that the server answers and starts the
// batching writer.
func Connect(cfg Config, thingID string, logger *slog.Logger) (*Sink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(uint(flush.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	s := &Sink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		thingID:  thingID,
		logger:   logger.With("component", "history"),
	}
	go s.logErrors(s.writeAPI.Errors())
	return s, nil
}

func (s *Sink) logErrors(errs <-chan error) {
	for err := range errs {
		s.logger.Warn("influxdb write failed", "err", err)
	}
}

// Attach subscribes the sink to sent patches and returns the unsubscribe func.
func (s *Sink) Attach(bus *agent.EventBus) func() {
	return bus.On(agent.EventPatchSent, s.Record)
}

// Record queues one point per reported property of a patch event.
func (s *Sink) Record(e agent.Event) {
	d, ok := e.Data.(agent.PatchData)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, p := range Points(s.thingID, d) {
		s.writeAPI.WritePoint(p)
	}
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.writeAPI.Flush()
	s.client.Close()
}

// Points converts a patch event into points, one per property. Void values
// carry no field and are skipped.
func Points(thingID string, d agent.PatchData) []*write.Point {
	points := make([]*write.Point, 0, len(d.Properties))
	for _, r := range d.Properties {
		fields := fieldsOf(r.Value)
		if fields == nil {
			continue
		}
		points = append(points, write.NewPoint(Measurement, tagsOf(thingID, d.Channel, r), fields, d.Time))
	}
	return points
}

func tagsOf(thingID string, ch thing.Channel, r thing.Reported) map[string]string {
	return map[string]string{
		"thing":    thingID,
		"feature":  r.Feature,
		"property": r.Property,
		"category": r.Category.String(),
		"channel":  ch.String(),
	}
}

// fieldsOf keeps numeric and boolean values in "value" so they can be
// aggregated; text goes to "text" and objects to "json".
func fieldsOf(v wire.Value) map[string]any {
	switch v.Type() {
	case wire.TypeBool:
		return map[string]any{"value": v.Bool()}
	case wire.TypeInt:
		return map[string]any{"value": v.Int()}
	case wire.TypeUInt:
		return map[string]any{"value": v.UInt()}
	case wire.TypeFloat:
		if f := v.Float(); !math.IsNaN(f) && !math.IsInf(f, 0) {
			return map[string]any{"value": f}
		}
	case wire.TypeText:
		return map[string]any{"text": v.Text()}
	case wire.TypeObject:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return map[string]any{"json": string(b)}
	}
	return nil
}
