/*
Package subscription keeps the registry of topic-pattern subscriptions.

The registry is optimized for the read path: Resolve walks an immutable
snapshot held in an atomic.Pointer, so concurrent dispatch never takes
a lock. Register and Unregister copy-on-write under a mutex. Matching
subscriptions are returned in registration order, which makes delivery
order deterministic for a given topic.

Subscriptions can be exclusive (dropped wholesale via DropExclusive,
used for connection-scoped consumers) or one-shot (the dispatcher
removes them after the first successful delivery).
*/
package subscription
