package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/vrmcollect/vrmcollect/pkg/log"
	"github.com/vrmcollect/vrmcollect/pkg/types"
)

// measurement is the single measurement all points land in; the summary is
// distinguished from per-installation points by tag, not by schema.
const measurement = "energy_data"

// Influx implements Sink against an InfluxDB v2 server or InfluxDB Cloud.
type Influx struct {
	url    string
	token  string
	org    string
	bucket string

	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// Validate checks that the connection parameters are present.
func (i *Influx) Validate() error {
	if i.url == "" {
		return errors.New("missing influx url")
	}
	if i.token == "" {
		return errors.New("missing influx token")
	}
	if i.org == "" {
		return errors.New("missing influx org")
	}
	if i.bucket == "" {
		return errors.New("missing influx bucket")
	}
	return nil
}

// Init connects the client and verifies the server is reachable. It must
// be called before Write.
func (i *Influx) Init(ctx context.Context) error {
	opts := influxdb2.DefaultOptions().SetPrecision(time.Second)
	i.client = influxdb2.NewClientWithOptions(i.url, i.token, opts)
	i.writeAPI = i.client.WriteAPIBlocking(i.org, i.bucket)

	if _, err := i.client.Health(ctx); err != nil {
		i.client.Close()
		return fmt.Errorf("influx health check failed: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "connected to influxdb",
		slog.String("url", i.url),
		slog.String("org", i.org),
		slog.String("bucket", i.bucket),
	)
	return nil
}

// Write submits the whole batch in one call. Points with no fields are
// dropped here rather than rejected by the server.
func (i *Influx) Write(ctx context.Context, batch types.WriteBatch) error {
	points := batchPoints(batch)
	if len(points) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no points to write", slog.Time("timestamp", batch.Timestamp))
		return nil
	}

	if err := i.writeAPI.WritePoint(ctx, points...); err != nil {
		return &WriteError{Err: err}
	}

	log.Ctx(ctx).DebugContext(ctx, "wrote batch to influxdb",
		slog.Int("points", len(points)),
		slog.Time("timestamp", batch.Timestamp),
	)
	return nil
}

// Close releases the underlying client.
func (i *Influx) Close() error {
	if i.client != nil {
		i.client.Close()
	}
	return nil
}

// batchPoints converts a batch to influx points. Every point carries the
// batch's reference timestamp so the summary can never skew from the
// readings it was computed from.
func batchPoints(batch types.WriteBatch) []*write.Point {
	points := make([]*write.Point, 0, len(batch.Snapshots)+1)

	for _, snap := range batch.Snapshots {
		fields := snapshotFields(snap)
		if len(fields) == 0 {
			continue
		}
		points = append(points, write.NewPoint(
			measurement,
			map[string]string{
				"installation_id":   strconv.FormatInt(snap.Installation.ID, 10),
				"installation_name": snap.Installation.Name,
			},
			fields,
			batch.Timestamp,
		))
	}

	if fields := summaryFields(batch.Summary); len(fields) > 0 {
		points = append(points, write.NewPoint(
			measurement,
			map[string]string{
				"installation_id": types.SummaryInstallationID,
			},
			fields,
			batch.Timestamp,
		))
	}

	return points
}

func addField(fields map[string]interface{}, key string, r types.Reading) {
	if r.OK {
		fields[key] = r.Value
	}
}

func snapshotFields(s types.InstallationSnapshot) map[string]interface{} {
	fields := make(map[string]interface{}, 6)
	addField(fields, "ac_loads", s.ACLoads)
	addField(fields, "grid_flow", s.GridFlow)
	addField(fields, "consumption", s.Consumption)
	addField(fields, "solar_yield", s.SolarYield)
	addField(fields, "battery_soc", s.BatterySOC)
	addField(fields, "battery_voltage", s.BatteryVoltage)
	return fields
}

func summaryFields(p types.SummaryPoint) map[string]interface{} {
	fields := make(map[string]interface{}, 6)
	addField(fields, "ac_loads", p.ACLoads)
	addField(fields, "grid_flow", p.GridFlow)
	addField(fields, "consumption", p.Consumption)
	addField(fields, "solar_yield", p.SolarYield)
	addField(fields, "battery_soc", p.BatterySOC)
	addField(fields, "battery_voltage", p.BatteryVoltage)
	return fields
}
