/*
Package shadow implements the versioned shadow document store.

A shadow document is the synchronization record for one device: the
state the device last reported, the state operators want it to be in,
and a version counter that increments once per accepted mutation. The
store reconciles incoming writes against the stored document property
by property and produces a delta describing exactly what changed.

# Architecture

	┌──────────────── SHADOW STORE ─────────────────────┐
	│                                                     │
	│  ApplyReported / ApplyDesired / MarkApplied         │
	│         │                                           │
	│  ┌──────▼───────────────────────────┐              │
	│  │     Striped Mutex (fnv-32a)       │              │
	│  │  one lock per shard, default 64   │              │
	│  │  serializes writes per device     │              │
	│  └──────┬───────────────────────────┘              │
	│         │                                           │
	│  ┌──────▼───────────────────────────┐              │
	│  │     Per-Property Reconciliation   │              │
	│  │  - last-writer-wins by timestamp  │              │
	│  │  - stale write: silent skip       │              │
	│  │  - equal value: no version bump   │              │
	│  │  - nil value: property removal    │              │
	│  └──────┬───────────────────────────┘              │
	│         │                                           │
	│  ┌──────▼───────────────────────────┐              │
	│  │     storage.Backend (bbolt)       │              │
	│  │  document persisted per mutation  │              │
	│  └──────────────────────────────────┘              │
	└────────────────────────────────────────────────────┘

# Reconciliation Rules

Reported writes:
  - A property whose incoming timestamp is older than the stored one
    is skipped silently; the rest of the batch still applies.
  - An incoming value equal to the stored value refreshes the stored
    timestamp but produces no delta entry and no version bump.
  - A nil incoming value removes the property.
  - A reported value equal to a pending desired value confirms it:
    the desired entry flips to applied without a desired delta.

Desired writes:
  - Same last-writer-wins and removal rules.
  - New desired values start unapplied; they flip when a matching
    report arrives or MarkApplied is called.
  - A desired value already equal to the reported state is applied
    immediately.

The version counter increments exactly once per mutation that produced
a non-empty delta, regardless of how many properties changed. Applied
flag flips are bookkeeping and never bump the version.

# Concurrency

Mutations for the same device are serialized on a striped mutex keyed
by fnv-32a of the device ID. Mutations for different devices proceed in
parallel (modulo shard collisions). Reads return deep copies, so
callers can never observe a partially applied batch.

# Usage

	store := shadow.NewStore(backend, deviceRegistry,
		shadow.WithShardCount(128),
		shadow.WithPruneApplied(),
	)

	delta, err := store.ApplyReported(ctx, "wh-1",
		map[string]interface{}{"temperature": 125}, time.Now().UTC())
	if err != nil {
		return err
	}
	if delta != nil && !delta.Empty() {
		notify(delta)
	}

Mutations for devices missing from the registry fail with
devices.ErrDeviceNotFound unless the store was built with
WithAutoRegister.
*/
package shadow
