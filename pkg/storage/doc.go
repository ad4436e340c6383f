/*
Package storage persists shadow documents, device records, and
dead-lettered messages.

The Backend interface has two implementations: BoltBackend, a bbolt
database with one bucket per record kind and JSON values, used by the
daemon; and MemoryBackend, a map-based store with deep-copy semantics
for tests. Values are encoded with encoding/json so the on-disk format
stays inspectable with bbolt's CLI tooling.

	shadows       device ID  -> ShadowDocument
	devices       device ID  -> Device
	dead_letters  message ID -> DeadLetter

Missing keys surface as ErrNotFound; callers wrap it into their own
domain errors.
*/
package storage
