/*
Package notifier fans shadow deltas out to interested parties.

Delivery is fire and forget: a delta is published on the device's
update topic and pushed to every attached local session (WebSocket
streams, mostly). A failed broker publish is logged and dropped, never
retried, and never fails the mutation that produced the delta. Sessions
whose Push errors are detached on the spot so a dead client cannot
accumulate backpressure. Empty and nil deltas are skipped.
*/
package notifier
