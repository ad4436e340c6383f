/*
Package dispatcher routes broker deliveries to matching subscriptions
and decides their acknowledgment.

Every message passes through a small state machine:

	RECEIVED ──► ROUTED ──► DELIVERED   all handlers succeeded, Ack
	    │           │
	    │           └─────► FAILED      a handler errored, Nack(requeue)
	    │                               or dead-letter after max retries
	    │
	    ├─────────────────► UNROUTABLE  no matching subscription,
	    │                               Ack and count
	    └─────────────────► MALFORMED   JSON body does not parse,
	                                    Ack (poison guard)

# Decision Rules

  - Malformed JSON payloads are acknowledged immediately. Redelivering
    a message that can never parse would loop forever.
  - A message with no matching subscription is acknowledged and counted
    as unroutable rather than requeued.
  - Every matching handler runs, even after one fails. The ack decision
    is made once all of them have been attempted, so one bad subscriber
    cannot starve the others.
  - On failure the message is requeued until Attempts reaches the
    retry limit (default 5), then parked in the dead-letter bucket of
    the configured storage backend and acknowledged.

One-shot subscriptions are unregistered after their first successful
invocation; a failed invocation leaves them registered for the retry.
*/
package dispatcher
