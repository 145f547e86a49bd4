// Package bridge forwards relay workout events to external systems.
//
// A Fanout queues envelopes and hands them to its sinks on a single worker
// goroutine, so a slow broker never stalls the relay. Two sinks are provided:
//   - MQTTSink publishes every envelope to <prefix>/<type> through paho
//   - InfluxSink writes workout_stats and workout events as InfluxDB points
//
// Both sinks are optional and are built only when configured.
package bridge
