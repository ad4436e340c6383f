/*
Package metrics provides Prometheus instrumentation for Umbra.

All collectors are registered at init time and exposed through
Handler() on the gateway's /metrics endpoint. Bus counters are labeled
by transport, shadow mutation counters by delta kind, and API request
counters by method and status.

The interesting signals for operating a deployment:

  - umbra_messages_failed_total vs umbra_messages_delivered_total:
    subscriber health
  - umbra_messages_dead_lettered_total: poison messages needing
    operator attention
  - umbra_shadow_stale_writes_total: devices with skewed clocks or
    reordered uplinks
  - umbra_broker_reconnects_total: bus stability
  - umbra_dispatch_duration_seconds: end-to-end routing latency
*/
package metrics
