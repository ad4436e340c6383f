/*
Package devices tracks the fleet registry.

Shadow mutations are only accepted for registered devices, so the
registry is the admission gate for the whole pipeline. Decommissioning
marks a device inactive instead of deleting it; the record and its
shadow survive for audit.
*/
package devices
