/*
Package broker abstracts the message bus that carries shadow traffic.

The broker package defines the Connection interface that the rest of
Umbra programs against, plus three implementations: an in-memory broker
for tests and single-process deployments, a NATS transport, and an MQTT
transport. All three present the same at-least-once contract: a message
handed to a consumer must be acknowledged or negatively acknowledged,
and a nack with requeue puts the message back in flight with an
incremented attempt count.

# Architecture

	┌─────────────────── BROKER LAYER ───────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────┐             │
	│  │          Connection (interface)         │             │
	│  │  - Connect(ctx)                         │             │
	│  │  - Publish(ctx, topic, msg)             │             │
	│  │  - DeclareConsumer(queue, pattern, h)   │             │
	│  │  - Cancel(consumerID)                   │             │
	│  │  - Close()                              │             │
	│  └───────┬──────────────┬──────────────┬───┘             │
	│          │              │              │                 │
	│  ┌───────▼──────┐ ┌─────▼──────┐ ┌─────▼──────┐         │
	│  │ MemoryBroker │ │ NATSBroker │ │ MQTTBroker │         │
	│  │              │ │            │ │            │         │
	│  │ chan queues  │ │ subjects   │ │ topics     │         │
	│  │ per consumer │ │ * and >    │ │ + and #    │         │
	│  │ goroutine    │ │ headers    │ │ JSON       │         │
	│  │ dispatch     │ │ native     │ │ envelope   │         │
	│  └──────────────┘ └────────────┘ └────────────┘         │
	│                                                          │
	│  ┌────────────────────────────────────────┐             │
	│  │              Delivery                   │             │
	│  │  - Msg, Redelivered, Attempts           │             │
	│  │  - Ack(): done, remove from flight      │             │
	│  │  - Nack(requeue): retry or drop         │             │
	│  │  - single resolution, later calls no-op │             │
	│  └────────────────────────────────────────┘             │
	└──────────────────────────────────────────────────────┘

# Delivery Contract

Every message delivered to a DeliveryHandler must be resolved exactly
once:

	Ack():          processing finished, message leaves the system
	Nack(true):     processing failed, requeue with Attempts+1
	Nack(false):    processing failed, drop the message

A Delivery resolves only once; after the first Ack or Nack all later
calls are ignored. The memory broker implements requeue by re-enqueuing
onto the consumer's channel. NATS and MQTT have no broker-side
redelivery for this pattern, so requeue republishes the message with an
incremented attempt header, which keeps the at-least-once property at
the cost of losing broker ordering for that message.

# Wildcard Translation

Topics are dot-delimited. Subscription patterns accept two wildcards:
"*" for exactly one segment and "#" for zero or more trailing segments.
The memory broker matches patterns directly with the topic package.
NATS subjects are also dot-delimited: "*" maps to the NATS "*" token,
and "#" maps to ">" plus a second subscription on the bare prefix,
because ">" requires at least one segment. MQTT uses "/" separators:
"." becomes "/", "*" becomes "+", "#" stays "#".

# Reconnection

NATS and MQTT connections reconnect forever with exponential backoff
and jitter (jpillora/backoff via BackoffReconnect). Reconnect attempts
increment the broker_reconnects_total metric. MQTT re-subscribes every
declared consumer on reconnect because the client does not persist
subscriptions across sessions.

# Usage

Declaring a consumer and publishing:

	conn := broker.NewMemoryBroker()
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Close()

	id, err := conn.DeclareConsumer("shadow-reported", "devices.*.shadow.reported", func(d *broker.Delivery) {
		if err := process(d.Msg); err != nil {
			d.Nack(true)
			return
		}
		d.Ack()
	})

# Best Practices

Do:
  - Resolve every Delivery exactly once
  - Use Nack(true) for transient failures only
  - Cancel consumers before closing the connection
  - Treat Redelivered as a hint, not a guarantee

Don't:
  - Block inside a DeliveryHandler for long periods
  - Assume ordering across a requeue on NATS or MQTT
  - Publish before Connect has succeeded
*/
package broker
