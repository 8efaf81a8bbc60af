// Package influxdb records simulator telemetry in InfluxDB v2.
//
// Modules report numeric readings (door position, food level, eggs laid,
// temperature...) through WriteModuleMetric, which satisfies
// module.Telemetry. The session adds a heartbeat point on every beat.
//
// Writes are non-blocking and batched according to the influxdb section
// of the configuration; async write errors are delivered to the callback
// set with SetOnError.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteModuleMetric("42", "door", "position", 55)
package influxdb
