/*
Package types defines the core data structures used throughout Umbra.

This package contains the fundamental types of the shadow domain:
devices, shadow documents, property values, deltas, and bus messages.
They are used by every other package for reconciliation, persistence,
and API payloads.

# Core Types

Fleet:
  - Device: a registered fleet member with labels and an active flag

Shadow:
  - ShadowDocument: reported + desired property maps and the version
    counter, one per device
  - PropertyValue: a reported value with its observation timestamp
  - DesiredValue: a target value with timestamp and applied flag

Deltas:
  - ShadowDelta: what one accepted mutation changed, with from/to
    versions
  - PropertyChange: added, changed, or removed, with previous value
  - DeltaKind: whether reported, desired, or both sides changed

Bus:
  - Message: topic, content type, correlation metadata, headers, body

All types serialize to JSON. ShadowDocument and ShadowDelta are what
the gateway returns; Message is what the brokers carry.
*/
package types
