package stats

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Influx writes counter snapshots to an InfluxDB bucket.
type Influx struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewInflux creates a sink for the given connection parameters.
func NewInflux(url, token, org, bucket string) *Influx {
	client := influxdb2.NewClient(url, token)
	return &Influx{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}
}

func (s *Influx) Write(ctx context.Context, node int, fields map[string]interface{}) error {
	point := influxdb2.NewPoint(
		"node_stats",
		map[string]string{"node": fmt.Sprint(node)},
		fields,
		time.Now(),
	)
	if err := s.write.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write stats point: %w", err)
	}
	return nil
}

func (s *Influx) Close() {
	s.client.Close()
}
