/*
Package gateway is the HTTP and WebSocket surface of the daemon.

# Endpoints

	GET    /v1/devices                        list devices
	POST   /v1/devices                        register a device
	GET    /v1/devices/{id}                   fetch a device
	DELETE /v1/devices/{id}                   decommission (mark inactive)
	GET    /v1/devices/{id}/shadow            fetch the shadow document
	PATCH  /v1/devices/{id}/shadow/desired    submit desired state
	GET    /v1/devices/{id}/shadow/stream     WebSocket delta stream
	GET    /metrics                           Prometheus metrics
	GET    /healthz                           liveness probe

Desired writes return 202 Accepted with a "pending" marker: the write
is durable and versioned, but application happens asynchronously when
the device reports the new value. Unknown devices get 404 with a JSON
error body on every device-scoped route.

The stream endpoint upgrades to a WebSocket and attaches the connection
to the notifier as a session scoped to one device; deltas for other
devices are filtered out before the write.
*/
package gateway
