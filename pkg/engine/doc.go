/*
Package engine wires the shadow pipeline together.

The engine owns the data flow from bus to store to notification:

	devices.*.shadow.reported ─┐
	                           ├─► dispatcher ─► shadow.Store ─► notifier
	devices.*.shadow.desired ──┘                                    │
	                                                                ▼
	                                              devices.<id>.shadow.update

Start declares one broker consumer per input pattern, both feeding the
dispatcher, and registers the handlers that decode property maps and
apply them to the store. Messages for unknown devices and messages that
violate the topic convention are dropped with a warning rather than
requeued, because redelivery cannot fix them.

The device-side observation time rides in the Umbra-Timestamp header
(RFC 3339). Without it the engine falls back to arrival time.
*/
package engine
