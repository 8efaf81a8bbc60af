package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the simulator.
const (
	MeasurementModule    = "coop_module"
	MeasurementHeartbeat = "coop_heartbeat"
)

// WriteModuleMetric records one numeric module reading. It satisfies
// module.Telemetry.
//
//	client.WriteModuleMetric("42", "feeder-sim", "food_level", 75)
func (c *Client) WriteModuleMetric(deviceID, moduleID, field string, value float64) {
	c.WritePoint(MeasurementModule,
		map[string]string{"device_id": deviceID, "module_id": moduleID},
		map[string]any{field: value},
	)
}

// WriteHeartbeat records the device vitals published with each heartbeat.
func (c *Client) WriteHeartbeat(deviceID string, uptime time.Duration, freeRAM int) {
	c.WritePoint(MeasurementHeartbeat,
		map[string]string{"device_id": deviceID},
		map[string]any{"uptime_s": int64(uptime.Seconds()), "free_ram": freeRAM},
	)
}

// WritePoint writes a point stamped now. Writes while disconnected are dropped.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
